package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devblac/dex-history/internal/ledger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trader = "0x00000000000000000000000000000000000000aA"

type fakeLedger struct {
	mu          sync.Mutex
	head        uint64
	headErr     error
	events      map[ledger.Kind][]ledger.RawEvent
	queryErr    map[ledger.Kind]error
	ignoreRange bool
	ranges      [][2]uint64

	headCalls  int
	queryCalls int
	tsCalls    int

	gate    chan struct{}
	entered chan struct{}

	active    int
	maxActive int

	subs map[ledger.Kind]func()
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		head:     head,
		events:   map[ledger.Kind][]ledger.RawEvent{},
		queryErr: map[ledger.Kind]error{},
		subs:     map[ledger.Kind]func(){},
	}
}

func (f *fakeLedger) add(kind ledger.Kind, tx string, idx uint, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args := []any{trader, big.NewInt(10), big.NewInt(9), true}
	if kind != ledger.KindSwap {
		args = []any{trader, big.NewInt(1), big.NewInt(2), big.NewInt(3)}
	}
	f.events[kind] = append(f.events[kind], ledger.RawEvent{
		Kind: kind, TxHash: tx, LogIndex: idx, BlockNumber: block, Args: args,
	})
}

func (f *fakeLedger) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeLedger) counts() (head, query, ts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headCalls, f.queryCalls, f.tsCalls
}

func (f *fakeLedger) HeadBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	f.headCalls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeLedger) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tsCalls++
	return block * 10, nil
}

func (f *fakeLedger) QueryEvents(ctx context.Context, kind ledger.Kind, from, to uint64) ([]ledger.RawEvent, error) {
	f.mu.Lock()
	f.queryCalls++
	f.ranges = append(f.ranges, [2]uint64{from, to})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if err := f.queryErr[kind]; err != nil {
		return nil, err
	}
	var out []ledger.RawEvent
	for _, ev := range f.events[kind] {
		if f.ignoreRange || (ev.BlockNumber >= from && ev.BlockNumber <= to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) Subscribe(ctx context.Context, kind ledger.Kind, fn func()) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.subs[kind] = fn
	f.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (f *fakeLedger) push(kind ledger.Kind) {
	f.mu.Lock()
	fn := f.subs[kind]
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(client ledger.Client, cfg Config) *Engine {
	return New(client, cfg, testLogger(), nil)
}

func ids(events []ledger.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestFirstSyncScansLookbackWindow(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x10", 0, 10)
	fl.add(ledger.KindSwap, "0x50", 0, 50)
	fl.add(ledger.KindSwap, "0x90", 0, 90)

	e := newTestEngine(fl, Config{Lookback: 1000})
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 3)
	assert.Equal(t, []string{"0x90-0", "0x50-0", "0x10-0"}, ids(snap))
	st := e.Status()
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
	assert.Nil(t, st.Error)
	assert.False(t, st.Loading)
	assert.Equal(t, PhaseIdle, st.Phase)
	for _, r := range fl.ranges {
		assert.Equal(t, [2]uint64{0, 100}, r)
	}
}

func TestSecondSyncWithoutNewBlocksIsNoop(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x10", 0, 10)
	fl.add(ledger.KindSwap, "0x50", 0, 50)
	fl.add(ledger.KindSwap, "0x90", 0, 90)

	e := newTestEngine(fl, Config{})
	first := e.Synchronize(context.Background(), 10, false)
	_, queries, stamps := fl.counts()

	second := e.Synchronize(context.Background(), 10, false)
	_, queries2, stamps2 := fl.counts()

	assert.Equal(t, first, second)
	assert.Equal(t, queries, queries2, "fast path must not query ranges")
	assert.Equal(t, stamps, stamps2, "fast path must not resolve timestamps")
	assert.Equal(t, uint64(100), e.Status().LastSyncedBlock)
}

func TestIncrementalSyncStartsAfterCheckpoint(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x90", 0, 90)
	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	fl.add(ledger.KindAddLiquidity, "0x105", 1, 105)
	fl.setHead(110)
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 2)
	assert.Equal(t, "0x105-1", snap[0].ID)
	assert.Equal(t, [2]uint64{101, 110}, fl.ranges[len(fl.ranges)-1])
	assert.Equal(t, uint64(110), e.Status().LastSyncedBlock)
}

func TestOverlappingQueriesDeduplicate(t *testing.T) {
	fl := newFakeLedger(100)
	fl.ignoreRange = true
	fl.add(ledger.KindSwap, "0xabc", 2, 90)

	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)
	fl.setHead(120)
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 1)
	assert.Equal(t, "0xabc-2", snap[0].ID)
	assert.Equal(t, 1, e.Status().CachedEvents)
}

func TestPartialQueryFailureAdvances(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.add(ledger.KindAddLiquidity, "0x2", 0, 20)
	fl.add(ledger.KindRemoveLiquidity, "0x3", 0, 30)
	fl.queryErr[ledger.KindAddLiquidity] = errors.New("rpc timeout")

	e := newTestEngine(fl, Config{})
	snap := e.Synchronize(context.Background(), 10, false)

	assert.Equal(t, []string{"0x3-0", "0x1-0"}, ids(snap))
	st := e.Status()
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
	require.NotNil(t, st.Error)
	assert.Equal(t, QueryError, st.Error.Kind)
	assert.Empty(t, e.GetView(ledger.Filter{Kind: ledger.KindAddLiquidity}))
}

func TestAllQueriesFailingKeepsCheckpoint(t *testing.T) {
	fl := newFakeLedger(100)
	for _, k := range ledger.Kinds {
		fl.queryErr[k] = fmt.Errorf("%s down", k)
	}

	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	st := e.Status()
	assert.Equal(t, uint64(0), st.LastSyncedBlock)
	require.NotNil(t, st.Error)
	assert.Equal(t, QueryError, st.Error.Kind)

	fl.mu.Lock()
	fl.queryErr = map[ledger.Kind]error{}
	fl.mu.Unlock()
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	e.Synchronize(context.Background(), 10, false)

	st = e.Status()
	assert.Nil(t, st.Error)
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
	assert.Equal(t, 1, st.CachedEvents)
}

func TestHeadFailureIsConnectionError(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	fl.mu.Lock()
	fl.headErr = errors.New("dial tcp: connection refused")
	fl.head = 200
	fl.mu.Unlock()
	_, queries, _ := fl.counts()

	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 1)
	st := e.Status()
	require.NotNil(t, st.Error)
	assert.Equal(t, ConnectionError, st.Error.Kind)
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
	_, queries2, _ := fl.counts()
	assert.Equal(t, queries, queries2)
}

func TestRecoveredHeadClearsConnectionError(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	fl.mu.Lock()
	fl.headErr = errors.New("dial tcp: connection refused")
	fl.mu.Unlock()
	e.Synchronize(context.Background(), 10, false)
	require.NotNil(t, e.Status().Error)

	fl.mu.Lock()
	fl.headErr = nil
	fl.mu.Unlock()
	_, queries, _ := fl.counts()
	e.Synchronize(context.Background(), 10, false)

	st := e.Status()
	assert.Nil(t, st.Error, "a reachable head at the same block clears the failure")
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
	_, queries2, _ := fl.counts()
	assert.Equal(t, queries, queries2, "recovery at the same head stays on the fast path")
}

func TestHeadBehindCheckpointAdvancesWithoutQuerying(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(fl, Config{})
	e.nowFunc = func() time.Time { return now }
	e.Synchronize(context.Background(), 10, false)

	fl.setHead(90)
	now = now.Add(time.Minute)
	_, queries, stamps := fl.counts()
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 1)
	st := e.Status()
	assert.Equal(t, uint64(90), st.LastSyncedBlock)
	assert.Equal(t, now, st.LastSyncTime)
	assert.Nil(t, st.Error)
	_, queries2, stamps2 := fl.counts()
	assert.Equal(t, queries, queries2)
	assert.Equal(t, stamps, stamps2)
}

func TestEmptyCacheRescansWhenHeadMovesBack(t *testing.T) {
	fl := newFakeLedger(100)
	e := newTestEngine(fl, Config{Lookback: 1000})
	e.Synchronize(context.Background(), 10, false)
	require.Equal(t, 0, e.Status().CachedEvents)

	fl.add(ledger.KindRemoveLiquidity, "0x50", 0, 50)
	fl.setHead(90)
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 1)
	assert.Equal(t, "0x50-0", snap[0].ID)
	assert.Equal(t, [2]uint64{0, 90}, fl.ranges[len(fl.ranges)-1])
	assert.Equal(t, uint64(90), e.Status().LastSyncedBlock)
}

func TestEmptyCacheAtSameHeadSkipsRescan(t *testing.T) {
	fl := newFakeLedger(100)
	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)
	_, queries, _ := fl.counts()

	for i := 0; i < 3; i++ {
		e.Synchronize(context.Background(), 10, false)
	}
	_, queries2, _ := fl.counts()
	assert.Equal(t, queries, queries2, "an idle chain with an empty pool is not rescanned")
	assert.Equal(t, uint64(100), e.Status().LastSyncedBlock)

	e.Synchronize(context.Background(), 10, true)
	_, queries3, _ := fl.counts()
	assert.Equal(t, queries2+len(ledger.Kinds), queries3, "a forced sync still rescans")
}

func TestRetentionNeverDropsBelowMinResultCount(t *testing.T) {
	fl := newFakeLedger(100)
	for i := 0; i < 12; i++ {
		fl.add(ledger.KindSwap, fmt.Sprintf("0x%02d", i), 0, uint64(i+1))
	}

	e := newTestEngine(fl, Config{RetentionLimit: 5})
	snap := e.Synchronize(context.Background(), 10, false)

	require.Len(t, snap, 10)
	for _, ev := range snap {
		assert.Greater(t, ev.BlockNumber, uint64(2), "the two oldest events are evicted")
	}
}

func TestRetentionKeepsPreviouslyShownEvents(t *testing.T) {
	fl := newFakeLedger(100)
	for i := 0; i < 8; i++ {
		fl.add(ledger.KindSwap, fmt.Sprintf("0xa%d", i), 0, uint64(i+1))
	}
	e := newTestEngine(fl, Config{RetentionLimit: 2})
	require.Len(t, e.Synchronize(context.Background(), 8, false), 8)

	fl.add(ledger.KindSwap, "0xb0", 0, 150)
	fl.setHead(200)
	snap := e.Synchronize(context.Background(), 1, false)
	require.Len(t, snap, 8)
	assert.Equal(t, "0xb0-0", snap[0].ID)
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.events[ledger.KindSwap] = append(fl.events[ledger.KindSwap], ledger.RawEvent{
		Kind: ledger.KindSwap, TxHash: "0x2", BlockNumber: 20, Args: []any{"bogus"},
	})

	e := newTestEngine(fl, Config{})
	snap := e.Synchronize(context.Background(), 10, false)

	assert.Equal(t, []string{"0x1-0"}, ids(snap))
	assert.Nil(t, e.Status().Error)
}

func TestAllMalformedIsNormalizationError(t *testing.T) {
	fl := newFakeLedger(100)
	fl.events[ledger.KindSwap] = []ledger.RawEvent{
		{Kind: ledger.KindSwap, TxHash: "0x2", BlockNumber: 20, Args: []any{"bogus"}},
	}

	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	st := e.Status()
	require.NotNil(t, st.Error)
	assert.Equal(t, NormalizationError, st.Error.Kind)
	assert.Equal(t, uint64(100), st.LastSyncedBlock)
}

func TestBusyCallsQueueSingleRerun(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.gate = make(chan struct{})
	fl.entered = make(chan struct{}, 16)

	e := newTestEngine(fl, Config{RerunDelay: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		e.Synchronize(context.Background(), 10, false)
		close(done)
	}()
	<-fl.entered

	for i := 0; i < 5; i++ {
		snap := e.Synchronize(context.Background(), 10, false)
		assert.Empty(t, snap)
	}
	st := e.Status()
	assert.True(t, st.Loading)
	assert.True(t, st.PendingRerun)

	close(fl.gate)
	<-done

	require.Eventually(t, func() bool {
		heads, _, _ := fl.counts()
		return heads == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	heads, _, _ := fl.counts()
	assert.Equal(t, 2, heads, "burst collapses into exactly one rerun")
	assert.False(t, e.Status().PendingRerun)

	fl.mu.Lock()
	assert.LessOrEqual(t, fl.maxActive, len(ledger.Kinds), "queries of only one cycle may overlap")
	fl.mu.Unlock()
}

func TestForcedSyncWaitsForRunningCycle(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.gate = make(chan struct{})
	fl.entered = make(chan struct{}, 16)

	e := newTestEngine(fl, Config{RerunDelay: time.Hour})

	first := make(chan struct{})
	go func() {
		e.Synchronize(context.Background(), 10, false)
		close(first)
	}()
	<-fl.entered

	forced := make(chan []ledger.Event)
	go func() { forced <- e.Synchronize(context.Background(), 10, true) }()

	time.Sleep(20 * time.Millisecond)
	heads, _, _ := fl.counts()
	assert.Equal(t, 1, heads, "forced call must not start while busy")
	assert.False(t, e.Status().PendingRerun)

	close(fl.gate)
	<-first
	snap := <-forced
	require.Len(t, snap, 1)
	heads, _, _ = fl.counts()
	assert.Equal(t, 2, heads)
}

func TestForcedSyncGivesUpWhenContextEnds(t *testing.T) {
	fl := newFakeLedger(100)
	fl.gate = make(chan struct{})
	fl.entered = make(chan struct{}, 16)
	e := newTestEngine(fl, Config{})

	go e.Synchronize(context.Background(), 10, false)
	<-fl.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	e.Synchronize(ctx, 10, true)

	heads, _, _ := fl.counts()
	assert.Equal(t, 1, heads)
	close(fl.gate)
}

func TestGetViewFiltersAndMemoizes(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.add(ledger.KindAddLiquidity, "0x2", 0, 20)
	fl.events[ledger.KindSwap] = append(fl.events[ledger.KindSwap], ledger.RawEvent{
		Kind: ledger.KindSwap, TxHash: "0x3", BlockNumber: 30,
		Args: []any{"0x00000000000000000000000000000000000000cc", big.NewInt(1), big.NewInt(1), false},
	})

	e := newTestEngine(fl, Config{})
	e.Synchronize(context.Background(), 10, false)

	e.SetFilter(ledger.KindSwap, "0X00000000000000000000000000000000000000AA")
	got := e.View()
	require.Len(t, got, 1)
	assert.Equal(t, "0x1-0", got[0].ID)
	assert.Equal(t, got, e.View())

	e.ClearFilter()
	assert.Equal(t, ledger.KindAll, e.Filter().Kind)
	assert.Len(t, e.View(), 3)

	got[0].Actor = "mutated"
	assert.NotEqual(t, "mutated", e.GetView(ledger.Filter{Kind: ledger.KindSwap, Actor: trader})[0].Actor)
}

func TestOnMergedReceivesInsertedEvents(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	fl.add(ledger.KindSwap, "0x2", 0, 20)

	e := newTestEngine(fl, Config{})
	var got [][]string
	e.OnMerged(func(_ context.Context, inserted []ledger.Event) {
		got = append(got, ids(inserted))
	})
	e.Synchronize(context.Background(), 10, false)
	fl.setHead(101)
	e.Synchronize(context.Background(), 10, false)

	require.Len(t, got, 1)
	assert.Equal(t, []string{"0x2-0", "0x1-0"}, got[0])
}

func TestStartWiresNotifierAndPoller(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)

	e := newTestEngine(fl, Config{Debounce: 20 * time.Millisecond, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Close()

	require.Equal(t, 1, e.Status().CachedEvents)

	fl.add(ledger.KindSwap, "0x2", 0, 105)
	fl.setHead(110)
	for i := 0; i < 5; i++ {
		fl.push(ledger.KindSwap)
	}

	require.Eventually(t, func() bool {
		return e.Status().CachedEvents == 2
	}, time.Second, 5*time.Millisecond)
	heads, _, _ := fl.counts()
	assert.Equal(t, 2, heads)
}

func TestRefreshRunsInBackground(t *testing.T) {
	fl := newFakeLedger(100)
	fl.add(ledger.KindSwap, "0x1", 0, 10)
	e := newTestEngine(fl, Config{})

	e.Refresh(true)
	require.Eventually(t, func() bool {
		return e.Status().LastSyncedBlock == 100
	}, time.Second, 5*time.Millisecond)
}
