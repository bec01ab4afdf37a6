package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/dex-history/internal/ledger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var (
	dexAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	userAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type fakeClient struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	headerCalls atomic.Int32
	subCh       chan<- types.Log
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.headerCalls.Add(1)
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	if n > f.head {
		return nil, fmt.Errorf("header %d not found", n)
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000 + n*12}, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 0 && lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.subCh = ch
	f.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (f *fakeClient) push(lg types.Log) {
	f.mu.Lock()
	ch := f.subCh
	f.mu.Unlock()
	ch <- lg
}

func mustEvents(t *testing.T) map[ledger.Kind]*abi.Event {
	t.Helper()
	events, err := ResolveEvents(nil)
	if err != nil {
		t.Fatalf("resolve events: %v", err)
	}
	return events
}

func swapLog(t *testing.T, events map[ledger.Kind]*abi.Event, block uint64, index uint, in, out int64) types.Log {
	t.Helper()
	ev := events[ledger.KindSwap]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(in), big.NewInt(out), true)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	return types.Log{
		Address:     dexAddr,
		Topics:      []common.Hash{ev.ID, addrTopic(userAddr)},
		Data:        data,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		BlockNumber: block,
		Index:       index,
	}
}

func liquidityLog(t *testing.T, events map[ledger.Kind]*abi.Event, kind ledger.Kind, block uint64) types.Log {
	t.Helper()
	ev := events[kind]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(10), big.NewInt(20), big.NewInt(30))
	if err != nil {
		t.Fatalf("pack liquidity: %v", err)
	}
	return types.Log{
		Address:     dexAddr,
		Topics:      []common.Hash{ev.ID, addrTopic(userAddr)},
		Data:        data,
		TxHash:      common.HexToHash("0xbeef"),
		BlockNumber: block,
	}
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func newTestClient(t *testing.T, fc *fakeClient, confirmations uint64) *Client {
	t.Helper()
	c, err := NewClient(fc, Options{DEX: dexAddr, Events: mustEvents(t), Confirmations: confirmations, CacheSize: 8})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestResolveEventsDefaults(t *testing.T) {
	events := mustEvents(t)
	if len(events) != len(ledger.Kinds) {
		t.Fatalf("expected %d events, got %d", len(ledger.Kinds), len(events))
	}
	swap := events[ledger.KindSwap]
	if swap.Inputs[3].Name != "isAtoB" || !swap.Inputs[0].Indexed {
		t.Fatalf("unexpected swap inputs: %+v", swap.Inputs)
	}
}

func TestResolveEventsRejectsShortCustomABI(t *testing.T) {
	dir := t.TempDir()
	custom := `[{"type":"event","name":"Swap","inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]}]`
	if err := os.WriteFile(filepath.Join(dir, "dex.json"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	abis, err := LoadABIs([]string{dir, ""})
	if err != nil {
		t.Fatalf("load abis: %v", err)
	}
	if _, ok := FindEvent(abis, "Swap"); !ok {
		t.Fatalf("custom Swap not found")
	}
	if _, err := ResolveEvents(abis); err == nil {
		t.Fatalf("expected short Swap event to be rejected")
	}
}

func TestDecoderDecodesSwap(t *testing.T) {
	events := mustEvents(t)
	d := NewDecoder(dexAddr, events)

	raw, ok, err := d.Decode(swapLog(t, events, 7, 2, 1500, 900))
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if raw.Kind != ledger.KindSwap || raw.LogIndex != 2 || raw.BlockNumber != 7 {
		t.Fatalf("unexpected raw event: %+v", raw)
	}

	ev, err := ledger.Normalize(raw, 99)
	if err != nil {
		t.Fatalf("normalize decoded swap: %v", err)
	}
	if ev.Actor != userAddr.Hex() || ev.AmountIn.Int64() != 1500 || !ev.Forward {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecoderSkipsForeignLogs(t *testing.T) {
	events := mustEvents(t)
	d := NewDecoder(dexAddr, events)

	lg := swapLog(t, events, 1, 0, 1, 1)
	lg.Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if _, ok, _ := d.Decode(lg); ok {
		t.Fatalf("log from another contract should be skipped")
	}

	lg = swapLog(t, events, 1, 0, 1, 1)
	lg.Topics[0] = common.HexToHash("0x1234")
	if _, ok, _ := d.Decode(lg); ok {
		t.Fatalf("unknown topic should be skipped")
	}
}

func TestDecoderReportsTruncatedData(t *testing.T) {
	events := mustEvents(t)
	d := NewDecoder(dexAddr, events)

	lg := swapLog(t, events, 1, 0, 1, 1)
	lg.Data = lg.Data[:10]
	raw, ok, err := d.Decode(lg)
	if !ok || err == nil {
		t.Fatalf("expected match with error, ok=%v err=%v", ok, err)
	}
	if _, err := ledger.Normalize(raw, 1); !errors.Is(err, ledger.ErrMalformedEvent) {
		t.Fatalf("undecodable log should normalize as malformed, got %v", err)
	}
}

func TestClientHeadBlockSubtractsConfirmations(t *testing.T) {
	c := newTestClient(t, &fakeClient{head: 100}, 12)
	head, err := c.HeadBlock(context.Background())
	if err != nil || head != 88 {
		t.Fatalf("head = %d, err = %v", head, err)
	}

	shallow := newTestClient(t, &fakeClient{head: 5}, 12)
	head, err = shallow.HeadBlock(context.Background())
	if err != nil || head != 0 {
		t.Fatalf("head = %d, err = %v", head, err)
	}
}

func TestClientBlockTimestampIsCached(t *testing.T) {
	fc := &fakeClient{head: 50}
	c := newTestClient(t, fc, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ts, err := c.BlockTimestamp(ctx, 10)
		if err != nil || ts != 1_700_000_120 {
			t.Fatalf("timestamp = %d, err = %v", ts, err)
		}
	}
	if got := fc.headerCalls.Load(); got != 1 {
		t.Fatalf("expected 1 header call, got %d", got)
	}
	if _, err := c.BlockTimestamp(ctx, 51); err == nil {
		t.Fatalf("expected error for unknown block")
	}
}

func TestClientQueryEventsFiltersKindAndRange(t *testing.T) {
	events := mustEvents(t)
	removed := swapLog(t, events, 12, 5, 1, 1)
	removed.Removed = true
	fc := &fakeClient{head: 20, logs: []types.Log{
		swapLog(t, events, 5, 0, 1, 1),
		swapLog(t, events, 12, 1, 2, 2),
		removed,
		liquidityLog(t, events, ledger.KindAddLiquidity, 12),
		swapLog(t, events, 25, 0, 3, 3),
	}}
	c := newTestClient(t, fc, 0)
	ctx := context.Background()

	swaps, err := c.QueryEvents(ctx, ledger.KindSwap, 10, 20)
	if err != nil {
		t.Fatalf("query swaps: %v", err)
	}
	if len(swaps) != 1 || swaps[0].BlockNumber != 12 || swaps[0].LogIndex != 1 {
		t.Fatalf("unexpected swaps: %+v", swaps)
	}

	adds, err := c.QueryEvents(ctx, ledger.KindAddLiquidity, 0, 20)
	if err != nil || len(adds) != 1 || adds[0].Kind != ledger.KindAddLiquidity {
		t.Fatalf("unexpected adds: %+v err=%v", adds, err)
	}

	empty, err := c.QueryEvents(ctx, ledger.KindSwap, 30, 20)
	if err != nil || len(empty) != 0 {
		t.Fatalf("inverted range should be empty: %+v err=%v", empty, err)
	}

	if _, err := c.QueryEvents(ctx, ledger.KindAll, 0, 20); err == nil {
		t.Fatalf("KindAll has no topic and should be rejected")
	}
}

func TestClientSubscribeInvokesCallback(t *testing.T) {
	events := mustEvents(t)
	fc := &fakeClient{head: 1}
	c := newTestClient(t, fc, 0)

	var calls atomic.Int32
	sub, err := c.Subscribe(context.Background(), ledger.KindSwap, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	fc.push(swapLog(t, events, 1, 0, 1, 1))
	removed := swapLog(t, events, 1, 1, 1, 1)
	removed.Removed = true
	fc.push(removed)
	fc.push(swapLog(t, events, 2, 0, 1, 1))

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 callbacks, got %d", got)
	}
}
