package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
)

// maxResubscribeBackoff caps the wait between attempts to restore a dropped
// subscription.
const maxResubscribeBackoff = 30 * time.Second

// Subscriber is the push side of a ledger client.
type Subscriber interface {
	Subscribe(ctx context.Context, kind ledger.Kind, fn func()) (ethereum.Subscription, error)
}

// Notifier collapses bursts of push notifications into one trigger call
// fired after the debounce window has been quiet.
type Notifier struct {
	client  Subscriber
	window  time.Duration
	trigger func()
	log     *slog.Logger
	metrics *metrics.Metrics
	backoff time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	subs    []ethereum.Subscription
	stopped bool
}

// NewNotifier builds a notifier that calls trigger once per quiet window.
func NewNotifier(client Subscriber, window time.Duration, trigger func(), log *slog.Logger, mtr *metrics.Metrics) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		client:  client,
		window:  window,
		trigger: trigger,
		log:     log,
		metrics: mtr,
		backoff: maxResubscribeBackoff,
	}
}

// Start subscribes to every event kind. Kinds that fail to subscribe are
// reported in the returned error and left to the poller; the others stay
// active. A subscription that later drops with an error is restored with
// exponential backoff, and a restored one schedules a sync for the gap.
func (n *Notifier) Start(ctx context.Context) error {
	var errs []error
	for _, kind := range ledger.Kinds {
		sub, err := n.client.Subscribe(ctx, kind, n.Notify)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", kind, err))
			continue
		}
		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			sub.Unsubscribe()
			return nil
		}
		n.subs = append(n.subs, n.resubscribe(kind, sub))
		n.mu.Unlock()
	}
	return errors.Join(errs...)
}

// resubscribe hands out first, then a fresh subscription each time the
// current one fails. It ends when a subscription closes without an error.
func (n *Notifier) resubscribe(kind ledger.Kind, first ethereum.Subscription) ethereum.Subscription {
	pending := first
	sub := event.ResubscribeErr(n.backoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if pending != nil {
			s := pending
			pending = nil
			return s, nil
		}
		n.log.Warn("event subscription dropped, resubscribing", "kind", kind, "error", lastErr)
		s, err := n.client.Subscribe(ctx, kind, n.Notify)
		if err != nil {
			n.log.Debug("resubscribe failed", "kind", kind, "error", err)
			return nil, err
		}
		n.mu.Lock()
		stopped := n.stopped
		n.mu.Unlock()
		if stopped {
			s.Unsubscribe()
			return nil, errors.New("notifier stopped")
		}
		n.log.Info("event subscription restored", "kind", kind)
		n.Notify()
		return s, nil
	})
	return &resubscription{Subscription: sub, first: first}
}

// resubscription also releases the initial subscription, which the resubscribe
// loop never sees when it is stopped before its first turn.
type resubscription struct {
	event.Subscription
	first ethereum.Subscription
}

func (r *resubscription) Unsubscribe() {
	r.Subscription.Unsubscribe()
	r.first.Unsubscribe()
}

// Notify (re)arms the debounce timer.
func (n *Notifier) Notify() {
	n.metrics.Notification()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.window, func() { n.fire(gen) })
}

func (n *Notifier) fire(gen uint64) {
	n.mu.Lock()
	if n.stopped || gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	n.mu.Unlock()

	n.log.Debug("ledger activity detected, synchronizing")
	n.trigger()
}

// Stop cancels an armed timer and unsubscribes from all kinds.
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
