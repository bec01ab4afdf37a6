package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/metrics"
	"github.com/devblac/dex-history/internal/sink"
)

// Journal remembers which (rule, event) pairs were already delivered.
type Journal interface {
	AlertSent(ctx context.Context, ruleID, eventID string) (bool, error)
	RecordAlert(ctx context.Context, ruleID, eventID string) (bool, error)
}

// Options tunes a Dispatcher.
type Options struct {
	// Decimals scales amounts in sink payloads.
	Decimals int32
	// DryRun evaluates rules without sending.
	DryRun bool
	// Journal suppresses repeat alerts across restarts; optional.
	Journal Journal
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher evaluates alert rules against newly merged events and
// delivers matches to sinks.
type Dispatcher struct {
	rules    []ruleExec
	sinks    map[string]sink.Sender
	decimals int32
	dryRun   bool
	journal  Journal
	nowFunc  func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
}

type ruleExec struct {
	id     string
	kind   ledger.Kind
	actor  string
	preds  []Predicate
	sinks  []string
	bucket *TokenBucket
}

// NewDispatcher compiles the configured rules.
func NewDispatcher(alerts []config.Alert, sinks map[string]sink.Sender, opts Options) (*Dispatcher, error) {
	rules := make([]ruleExec, 0, len(alerts))
	for _, a := range alerts {
		preds, err := CompilePredicates(a.Where)
		if err != nil {
			return nil, fmt.Errorf("alert %s predicates: %w", a.ID, err)
		}
		kind, err := ledger.ParseKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		exec := ruleExec{
			id:    a.ID,
			kind:  kind,
			actor: strings.ToLower(strings.TrimSpace(a.Actor)),
			preds: preds,
			sinks: a.Sinks,
		}
		if a.RateLimit != nil {
			exec.bucket = NewTokenBucket(a.RateLimit.Burst, a.RateLimit.PerMinute/60)
		}
		rules = append(rules, exec)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		rules:    rules,
		sinks:    sinks,
		decimals: opts.Decimals,
		dryRun:   opts.DryRun,
		journal:  opts.Journal,
		nowFunc:  time.Now,
		log:      logger,
		metrics:  opts.Metrics,
	}, nil
}

// BuildSinks constructs a sender per configured sink.
func BuildSinks(cfgs []config.Sink) (map[string]sink.Sender, error) {
	out := make(map[string]sink.Sender, len(cfgs))
	for _, s := range cfgs {
		url := s.URL
		if url == "" {
			url = s.WebhookURL
		}
		sender, err := sink.New(s.Type, url, s.Method, s.Template)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		out[s.ID] = sender
	}
	return out, nil
}

// HandleEvents evaluates every rule against events, oldest first. Sink
// failures do not stop delivery to the remaining sinks.
func (d *Dispatcher) HandleEvents(ctx context.Context, events []ledger.Event) error {
	var errs []error
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fields := ev.Fields()
		for _, exec := range d.rules {
			if !exec.matches(ev, fields) {
				continue
			}
			if d.journal != nil {
				sent, err := d.journal.AlertSent(ctx, exec.id, ev.ID)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if sent {
					continue
				}
			}
			if exec.bucket != nil && !exec.bucket.Allow(d.nowFunc()) {
				d.metrics.AlertsDropped()
				d.log.Debug("alert rate limited", "rule", exec.id, "event", ev.ID)
				continue
			}
			if d.dryRun {
				d.log.Info("alert matched (dry run)", "rule", exec.id, "event", ev.ID)
				continue
			}
			delivered := 0
			payload := d.payload(exec.id, ev)
			for _, sinkID := range exec.sinks {
				s := d.sinks[sinkID]
				if s == nil {
					continue
				}
				if err := s.Send(ctx, payload); err != nil {
					errs = append(errs, fmt.Errorf("alert %s sink %s: %w", exec.id, sinkID, err))
					continue
				}
				delivered++
				d.metrics.AlertsSent()
			}
			// Undelivered alerts stay unrecorded so a later merge retries them.
			if delivered > 0 && d.journal != nil {
				if _, err := d.journal.RecordAlert(ctx, exec.id, ev.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Listener adapts HandleEvents to an engine merge listener.
func (d *Dispatcher) Listener() func(context.Context, []ledger.Event) {
	return func(ctx context.Context, events []ledger.Event) {
		if err := d.HandleEvents(ctx, events); err != nil {
			d.log.Warn("alert delivery failed", "err", err)
		}
	}
}

func (r ruleExec) matches(ev ledger.Event, fields map[string]any) bool {
	if r.kind != ledger.KindAll && ev.Kind != r.kind {
		return false
	}
	if r.actor != "" && !strings.EqualFold(ev.Actor, r.actor) {
		return false
	}
	for _, p := range r.preds {
		ok, err := p(fields)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (d *Dispatcher) payload(ruleID string, ev ledger.Event) sink.EventPayload {
	args := map[string]any{}
	if ev.Kind == ledger.KindSwap {
		args["amountIn"] = ledger.FormatAmount(ev.AmountIn, d.decimals)
		args["amountOut"] = ledger.FormatAmount(ev.AmountOut, d.decimals)
		args["isAtoB"] = ev.Forward
	} else {
		args["amountA"] = ledger.FormatAmount(ev.AmountA, d.decimals)
		args["amountB"] = ledger.FormatAmount(ev.AmountB, d.decimals)
		args["liquidity"] = ledger.FormatAmount(ev.Liquidity, d.decimals)
	}
	return sink.EventPayload{
		RuleID:      ruleID,
		Kind:        string(ev.Kind),
		Actor:       ev.Actor,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp,
		Args:        args,
	}
}
