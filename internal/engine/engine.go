package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Config tunes the sync engine. Zero values fall back to defaults.
type Config struct {
	Lookback       uint64
	RetentionLimit int
	MinResultCount int
	Debounce       time.Duration
	PollInterval   time.Duration
	RerunDelay     time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:       1000,
		RetentionLimit: 100,
		MinResultCount: 10,
		Debounce:       2 * time.Second,
		PollInterval:   60 * time.Second,
		RerunDelay:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lookback == 0 {
		c.Lookback = d.Lookback
	}
	if c.RetentionLimit <= 0 {
		c.RetentionLimit = d.RetentionLimit
	}
	if c.MinResultCount <= 0 {
		c.MinResultCount = d.MinResultCount
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RerunDelay <= 0 {
		c.RerunDelay = d.RerunDelay
	}
	return c
}

// Phase is the engine's position in a synchronization cycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFetchingHead   Phase = "fetchingHead"
	PhaseFetchingRanges Phase = "fetchingRanges"
	PhaseMerging        Phase = "merging"
)

// Status is the externally visible sync state.
type Status struct {
	Loading         bool       `json:"loading"`
	Phase           Phase      `json:"phase"`
	Error           *SyncError `json:"-"`
	LastSyncTime    time.Time  `json:"lastSyncTime"`
	LastSyncedBlock uint64     `json:"lastSyncedBlock"`
	PendingRerun    bool       `json:"pendingRerun"`
	CachedEvents    int        `json:"cachedEvents"`
}

type state struct {
	lastSyncedBlock uint64
	inFlight        bool
	pendingRerun    bool
	lastSyncTime    time.Time
	lastError       *SyncError
	phase           Phase
}

type viewMemo struct {
	version uint64
	filter  ledger.Filter
	events  []ledger.Event
	ok      bool
}

// Engine keeps the event cache in step with the ledger. All cache and state
// mutation happens inside Synchronize, one cycle at a time.
type Engine struct {
	client  ledger.Client
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	nowFunc func() time.Time

	mu      sync.Mutex
	cache   *ledger.Cache
	st      state
	idle    chan struct{} // closed when the running cycle ends
	version uint64
	filter  ledger.Filter
	memo    viewMemo
	rerun   *time.Timer
	closed  bool

	listenersMu sync.RWMutex
	listeners   []func(context.Context, []ledger.Event)

	baseCtx  context.Context
	notifier *Notifier
	poller   *Poller
}

// New builds an engine over the given ledger client.
func New(client ledger.Client, cfg Config, log *slog.Logger, mtr *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		client:  client,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: mtr,
		nowFunc: time.Now,
		cache:   ledger.NewCache(),
		st:      state{phase: PhaseIdle},
		baseCtx: context.Background(),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// OnMerged registers fn to receive the events inserted by each cycle.
// Listeners run on the synchronizing goroutine after the cache is updated.
func (e *Engine) OnMerged(fn func(ctx context.Context, inserted []ledger.Event)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Start runs the initial synchronization and starts the notifier and poller.
// Subscription failures are logged; polling still covers the ledger.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	trigger := func() { e.Synchronize(ctx, e.cfg.MinResultCount, false) }

	e.Synchronize(ctx, e.cfg.MinResultCount, false)

	e.notifier = NewNotifier(e.client, e.cfg.Debounce, trigger, e.log, e.metrics)
	if err := e.notifier.Start(ctx); err != nil {
		e.log.Warn("push notifications unavailable, relying on polling", "error", err)
	}
	e.poller = NewPoller(e.cfg.PollInterval, trigger)
	e.poller.Start(ctx)
}

// Close stops the triggers and cancels a scheduled rerun.
func (e *Engine) Close() {
	if e.notifier != nil {
		e.notifier.Stop()
	}
	if e.poller != nil {
		e.poller.Stop()
	}
	e.mu.Lock()
	e.closed = true
	if e.rerun != nil {
		e.rerun.Stop()
		e.rerun = nil
	}
	e.mu.Unlock()
}

// Refresh triggers a synchronization without waiting for it. The outcome is
// reported through Status.
func (e *Engine) Refresh(force bool) {
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	go e.Synchronize(ctx, e.cfg.MinResultCount, force)
}

// Synchronize fetches the blocks after the last checkpoint and merges them
// into the cache. It never returns an error; failures land in Status. When a
// cycle is already running, a non-forced call only marks a rerun and a forced
// call waits for the engine to become idle.
func (e *Engine) Synchronize(ctx context.Context, minResultCount int, force bool) []ledger.Event {
	if !e.acquire(ctx, force) {
		return e.Snapshot()
	}
	e.cycle(ctx, minResultCount, force)
	e.release(minResultCount)
	return e.Snapshot()
}

func (e *Engine) acquire(ctx context.Context, force bool) bool {
	for {
		e.mu.Lock()
		if !e.st.inFlight {
			e.st.inFlight = true
			e.st.phase = PhaseFetchingHead
			e.idle = make(chan struct{})
			e.mu.Unlock()
			return true
		}
		if !force {
			e.st.pendingRerun = true
			e.mu.Unlock()
			e.metrics.SyncCycle("skipped")
			return false
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) release(minResultCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.inFlight = false
	e.st.phase = PhaseIdle
	close(e.idle)

	if !e.st.pendingRerun {
		return
	}
	e.st.pendingRerun = false
	if e.closed || e.rerun != nil {
		return
	}
	ctx := e.baseCtx
	e.metrics.Rerun()
	e.rerun = time.AfterFunc(e.cfg.RerunDelay, func() {
		e.mu.Lock()
		e.rerun = nil
		e.mu.Unlock()
		e.Synchronize(ctx, minResultCount, false)
	})
}

func (e *Engine) cycle(ctx context.Context, minResultCount int, force bool) {
	head, err := e.client.HeadBlock(ctx)
	if err != nil {
		e.fail(ConnectionError, fmt.Errorf("head block: %w", err))
		return
	}

	// A reachable head clears an earlier failure; this cycle records its own.
	e.mu.Lock()
	e.st.lastError = nil
	last := e.st.lastSyncedBlock
	prevSize := e.cache.Len()
	e.mu.Unlock()

	if head == last && prevSize > 0 && !force {
		e.metrics.SyncCycle("noop")
		return
	}

	from := e.fromBlock(last, head)
	if from > head {
		// An empty cache is rescanned only when the head moved backwards
		// or the caller forced it.
		if prevSize > 0 || (head == last && !force) {
			e.advance(head, nil)
			return
		}
		from = lookbackStart(head, e.cfg.Lookback)
	}

	e.setPhase(PhaseFetchingRanges)
	e.log.Debug("querying ledger events", "from", from, "to", head)
	batches, failed, queryErr := e.queryAll(ctx, from, head)
	if failed == len(ledger.Kinds) {
		e.fail(QueryError, queryErr)
		return
	}

	e.setPhase(PhaseMerging)
	inserted, total, dropped := e.merge(ctx, batches)

	e.mu.Lock()
	evicted := e.cache.EvictToLimit(e.cfg.RetentionLimit, max(minResultCount, prevSize))
	if len(inserted) > 0 || len(evicted) > 0 {
		e.version++
	}
	size := e.cache.Len()
	e.mu.Unlock()

	e.metrics.EventsMerged(len(inserted))
	e.metrics.EventsEvicted(len(evicted))
	e.metrics.EventsSkipped(dropped)

	var syncErr *SyncError
	switch {
	case queryErr != nil:
		syncErr = &SyncError{Kind: QueryError, Err: queryErr}
	case total > 0 && dropped == total:
		syncErr = &SyncError{Kind: NormalizationError, Err: fmt.Errorf("all %d events in blocks %d-%d were malformed", total, from, head)}
	}
	e.advance(head, syncErr)

	e.log.Info("ledger synchronized",
		"from", from,
		"to", head,
		"inserted", len(inserted),
		"evicted", len(evicted),
		"dropped", dropped,
		"cached", size,
	)
	if len(inserted) > 0 {
		e.notify(ctx, inserted)
	}
}

func (e *Engine) fromBlock(last, head uint64) uint64 {
	if last > 0 {
		return last + 1
	}
	return lookbackStart(head, e.cfg.Lookback)
}

func lookbackStart(head, lookback uint64) uint64 {
	if head < lookback {
		return 0
	}
	return head - lookback
}

type batch struct {
	kind   ledger.Kind
	events []ledger.RawEvent
}

// queryAll runs one ranged query per kind in parallel. A failing kind only
// loses its own batch.
func (e *Engine) queryAll(ctx context.Context, from, to uint64) ([]batch, int, error) {
	batches := make([]batch, len(ledger.Kinds))
	errs := make([]error, len(ledger.Kinds))

	var g errgroup.Group
	for i, kind := range ledger.Kinds {
		i, kind := i, kind
		g.Go(func() error {
			evs, err := e.client.QueryEvents(ctx, kind, from, to)
			if err != nil {
				errs[i] = fmt.Errorf("query %s: %w", kind, err)
				e.log.Warn("ledger query failed", "kind", kind, "from", from, "to", to, "error", err)
				return nil
			}
			batches[i] = batch{kind: kind, events: evs}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return batches, failed, errors.Join(errs...)
}

// merge normalizes and inserts raw events that are not cached yet.
// Timestamps are resolved once per block per cycle.
func (e *Engine) merge(ctx context.Context, batches []batch) (inserted []ledger.Event, total, dropped int) {
	timestamps := map[uint64]uint64{}
	for _, b := range batches {
		for _, raw := range b.events {
			total++
			id := raw.ID()

			e.mu.Lock()
			cached := e.cache.Has(id)
			e.mu.Unlock()
			if cached {
				continue
			}

			ts, ok := timestamps[raw.BlockNumber]
			if !ok {
				var err error
				ts, err = e.client.BlockTimestamp(ctx, raw.BlockNumber)
				if err != nil {
					dropped++
					e.log.Warn("skipping event, block timestamp unavailable", "id", id, "block", raw.BlockNumber, "error", err)
					continue
				}
				timestamps[raw.BlockNumber] = ts
			}

			ev, err := ledger.Normalize(raw, ts)
			if err != nil {
				dropped++
				e.log.Warn("skipping malformed event", "id", id, "error", err)
				continue
			}

			e.mu.Lock()
			ok = e.cache.Insert(ev)
			e.mu.Unlock()
			if ok {
				inserted = append(inserted, ev)
			}
		}
	}
	return inserted, total, dropped
}

func (e *Engine) advance(head uint64, syncErr *SyncError) {
	e.mu.Lock()
	e.st.lastSyncedBlock = head
	e.st.lastSyncTime = e.nowFunc()
	e.st.lastError = syncErr
	size := e.cache.Len()
	e.mu.Unlock()

	e.metrics.CacheState(size, head)
	if syncErr != nil {
		e.metrics.SyncError(string(syncErr.Kind))
		e.metrics.SyncCycle("degraded")
		return
	}
	e.metrics.SyncCycle("synced")
}

func (e *Engine) fail(kind ErrorKind, err error) {
	e.mu.Lock()
	e.st.lastError = &SyncError{Kind: kind, Err: err}
	e.mu.Unlock()

	e.metrics.SyncError(string(kind))
	e.metrics.SyncCycle("failed")
	e.log.Error("synchronization failed", "kind", kind, "error", err)
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.st.phase = p
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context, inserted []ledger.Event) {
	e.listenersMu.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenersMu.RUnlock()

	sorted := ledger.View(inserted, ledger.Filter{})
	for _, fn := range listeners {
		fn(ctx, sorted)
	}
}

// Status returns a copy of the sync state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Loading:         e.st.inFlight,
		Phase:           e.st.phase,
		Error:           e.st.lastError,
		LastSyncTime:    e.st.lastSyncTime,
		LastSyncedBlock: e.st.lastSyncedBlock,
		PendingRerun:    e.st.pendingRerun,
		CachedEvents:    e.cache.Len(),
	}
}

// Snapshot returns every cached event in tie-break order.
func (e *Engine) Snapshot() []ledger.Event {
	return e.GetView(ledger.Filter{})
}

// GetView returns the cached events matching f in tie-break order. Results
// are memoized per cache version and filter; callers get their own slice.
func (e *Engine) GetView(f ledger.Filter) []ledger.Event {
	f = normalizeFilter(f)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memo.ok && e.memo.version == e.version && e.memo.filter == f {
		return slices.Clone(e.memo.events)
	}
	events := ledger.View(e.cache.All(), f)
	e.memo = viewMemo{version: e.version, filter: f, events: events, ok: true}
	return slices.Clone(events)
}

// SetFilter sets the filter used by View.
func (e *Engine) SetFilter(kind ledger.Kind, actor string) {
	e.mu.Lock()
	e.filter = normalizeFilter(ledger.Filter{Kind: kind, Actor: actor})
	e.mu.Unlock()
}

// ClearFilter resets the filter to all kinds and actors.
func (e *Engine) ClearFilter() {
	e.SetFilter(ledger.KindAll, "")
}

// Filter returns the current filter.
func (e *Engine) Filter() ledger.Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// View returns the events matching the current filter.
func (e *Engine) View() []ledger.Event {
	return e.GetView(e.Filter())
}

func normalizeFilter(f ledger.Filter) ledger.Filter {
	if f.Kind == "" {
		f.Kind = ledger.KindAll
	}
	f.Actor = strings.ToLower(strings.TrimSpace(f.Actor))
	return f
}
