package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Kind identifies a DEX ledger event type.
type Kind string

const (
	KindAll             Kind = "All"
	KindSwap            Kind = "Swap"
	KindAddLiquidity    Kind = "AddLiquidity"
	KindRemoveLiquidity Kind = "RemoveLiquidity"
)

// Kinds lists the concrete event kinds in query order.
var Kinds = []Kind{KindSwap, KindAddLiquidity, KindRemoveLiquidity}

// ParseKind accepts a concrete kind or "All" (case-insensitive). Empty means All.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(KindAll)) {
		return KindAll, nil
	}
	for _, k := range Kinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind: %s", s)
}

// ErrMalformedEvent marks a raw event that cannot be normalized.
var ErrMalformedEvent = errors.New("malformed event")

// RawEvent is a decoded log as returned by a Client. Args are positional in
// ABI input order: (user, amountIn, amountOut, isAtoB) for swaps and
// (user, amountA, amountB, liquidity) for liquidity events.
type RawEvent struct {
	Kind        Kind
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Args        []any
}

// ID returns the cache key of the raw event.
func (r RawEvent) ID() string {
	return EventID(r.TxHash, r.LogIndex)
}

// Event is an immutable, normalized ledger event. Amount pointers are shared
// between copies and must not be mutated.
type Event struct {
	ID          string
	Kind        Kind
	Actor       string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Timestamp   uint64

	AmountIn  *big.Int
	AmountOut *big.Int
	Forward   bool

	AmountA   *big.Int
	AmountB   *big.Int
	Liquidity *big.Int
}

// EventID builds the unique identifier "<txhash>-<logIndex>".
func EventID(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", txHash, logIndex)
}

// Normalize converts a raw event into an Event stamped with the block timestamp.
func Normalize(raw RawEvent, timestamp uint64) (Event, error) {
	if raw.TxHash == "" {
		return Event{}, fmt.Errorf("%w: missing transaction hash", ErrMalformedEvent)
	}
	if len(raw.Args) < 4 {
		return Event{}, fmt.Errorf("%w: %s has %d args, want 4", ErrMalformedEvent, raw.ID(), len(raw.Args))
	}
	actor, err := toAddress(raw.Args[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s user: %v", ErrMalformedEvent, raw.ID(), err)
	}

	ev := Event{
		ID:          raw.ID(),
		Kind:        raw.Kind,
		Actor:       actor,
		TxHash:      raw.TxHash,
		LogIndex:    raw.LogIndex,
		BlockNumber: raw.BlockNumber,
		Timestamp:   timestamp,
	}

	amounts := make([]*big.Int, 3)
	last := 3
	if raw.Kind == KindSwap {
		last = 2
	}
	for i := 0; i < last; i++ {
		v, err := toBigInt(raw.Args[i+1])
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s arg %d: %v", ErrMalformedEvent, raw.ID(), i+1, err)
		}
		amounts[i] = v
	}

	switch raw.Kind {
	case KindSwap:
		forward, ok := raw.Args[3].(bool)
		if !ok {
			return Event{}, fmt.Errorf("%w: %s direction is %T", ErrMalformedEvent, raw.ID(), raw.Args[3])
		}
		ev.AmountIn, ev.AmountOut, ev.Forward = amounts[0], amounts[1], forward
	case KindAddLiquidity, KindRemoveLiquidity:
		ev.AmountA, ev.AmountB, ev.Liquidity = amounts[0], amounts[1], amounts[2]
	default:
		return Event{}, fmt.Errorf("%w: %s unknown kind %q", ErrMalformedEvent, raw.ID(), raw.Kind)
	}
	return ev, nil
}

// Fields flattens the event into named arguments for predicate evaluation and templates.
func (e Event) Fields() map[string]any {
	out := map[string]any{
		"id":          e.ID,
		"kind":        string(e.Kind),
		"actor":       e.Actor,
		"txhash":      e.TxHash,
		"logIndex":    e.LogIndex,
		"blockNumber": e.BlockNumber,
		"timestamp":   e.Timestamp,
	}
	if e.Kind == KindSwap {
		out["amountIn"] = e.AmountIn
		out["amountOut"] = e.AmountOut
		out["isAtoB"] = e.Forward
		return out
	}
	out["amountA"] = e.AmountA
	out["amountB"] = e.AmountB
	out["liquidity"] = e.Liquidity
	return out
}

// FormatAmount renders base units with the given number of decimals.
func FormatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

func toAddress(v any) (string, error) {
	switch a := v.(type) {
	case common.Address:
		return a.Hex(), nil
	case *common.Address:
		if a == nil {
			return "", errors.New("nil address")
		}
		return a.Hex(), nil
	case string:
		if !common.IsHexAddress(a) {
			return "", fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(a).Hex(), nil
	default:
		return "", fmt.Errorf("unsupported address type %T", v)
	}
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, errors.New("nil amount")
		}
		return new(big.Int).Set(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int64:
		return big.NewInt(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case string:
		out, ok := new(big.Int).SetString(n, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported amount type %T", v)
	}
}
