package alert

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Predicate evaluates whether an event's fields satisfy a condition.
type Predicate func(fields map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"amountIn > ether(10)"
//	"actor in 0xabc...,0xdef..."
//	"isAtoB == true"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if field, rest, ok := strings.Cut(expr, " in "); ok {
		field = strings.TrimSpace(field)
		values := map[string]struct{}{}
		for _, v := range strings.Split(rest, ",") {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				values[v] = struct{}{}
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("empty in list: %s", expr)
		}
		return func(fields map[string]any) (bool, error) {
			arg, ok := fields[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(fmt.Sprint(arg))]
			return hit, nil
		}, nil
	}

	if field, needle, ok := strings.Cut(expr, " contains "); ok {
		field = strings.TrimSpace(field)
		needle = strings.ToLower(strings.TrimSpace(needle))
		return func(fields map[string]any) (bool, error) {
			val, ok := fields[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(strings.ToLower(fmt.Sprint(val)), needle), nil
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	field, rhsRaw, _ := strings.Cut(expr, op)
	field = strings.TrimSpace(field)
	rhsRaw = strings.TrimSpace(rhsRaw)
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a numeric right-hand side: %s", op, expr)
	}

	return func(fields map[string]any) (bool, error) {
		val, ok := fields[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			c := lhs.Cmp(numRHS)
			switch op {
			case "==":
				return c == 0, nil
			case "!=":
				return c != 0, nil
			case ">":
				return c > 0, nil
			case "<":
				return c < 0, nil
			case ">=":
				return c >= 0, nil
			case "<=":
				return c <= 0, nil
			}
		}

		// Addresses compare case-insensitively.
		lhs := fmt.Sprint(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - Helper functions: "wei(1e18)", "ether(2.5)"
// - Multiplication: "5 * 1e17"
func evaluateNumber(s string) (*big.Float, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if a, b, ok := strings.Cut(s, "*"); ok {
		x, ok1 := evaluateNumber(a)
		y, ok2 := evaluateNumber(b)
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Float).Mul(x, y), true
	}

	if inner, ok := helperArg(s, "wei"); ok {
		return evaluateNumber(inner)
	}
	if inner, ok := helperArg(s, "ether"); ok {
		v, ok := evaluateNumber(inner)
		if !ok {
			return nil, false
		}
		return new(big.Float).Mul(v, big.NewFloat(1e18)), true
	}

	if strings.HasPrefix(s, "0x") {
		return nil, false
	}
	v, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	return v, err == nil
}

func helperArg(s, name string) (string, bool) {
	if strings.HasPrefix(s, name+"(") && strings.HasSuffix(s, ")") {
		return strings.TrimSpace(s[len(name)+1 : len(s)-1]), true
	}
	return "", false
}

func toNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Float).SetInt(n), true
	case int:
		return big.NewFloat(float64(n)), true
	case uint:
		return new(big.Float).SetUint64(uint64(n)), true
	case int64:
		return big.NewFloat(float64(n)), true
	case uint64:
		return new(big.Float).SetUint64(n), true
	case float64:
		return big.NewFloat(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return big.NewFloat(f), true
		}
		return evaluateNumber(n)
	default:
		return nil, false
	}
}
