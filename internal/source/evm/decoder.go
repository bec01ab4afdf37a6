package evm

import (
	"fmt"

	"github.com/devblac/dex-history/internal/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns DEX contract logs into positional raw events.
type Decoder struct {
	address common.Address
	events  map[ledger.Kind]*abi.Event
	byTopic map[common.Hash]ledger.Kind
}

// NewDecoder builds a decoder for the DEX contract at address.
func NewDecoder(address common.Address, events map[ledger.Kind]*abi.Event) *Decoder {
	byTopic := make(map[common.Hash]ledger.Kind, len(events))
	for k, ev := range events {
		byTopic[ev.ID] = k
	}
	return &Decoder{address: address, events: events, byTopic: byTopic}
}

// Topic returns the topic0 hash for kind.
func (d *Decoder) Topic(kind ledger.Kind) (common.Hash, bool) {
	ev, ok := d.events[kind]
	if !ok {
		return common.Hash{}, false
	}
	return ev.ID, true
}

// Decode reports ok=false for logs from other contracts or events. A log
// that matches but cannot be unpacked is returned with nil Args alongside
// the error so the caller can still account for it.
func (d *Decoder) Decode(lg types.Log) (ledger.RawEvent, bool, error) {
	if lg.Address != d.address || len(lg.Topics) == 0 {
		return ledger.RawEvent{}, false, nil
	}
	kind, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return ledger.RawEvent{}, false, nil
	}

	raw := ledger.RawEvent{
		Kind:        kind,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}

	ev := d.events[kind]
	fields := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return raw, true, fmt.Errorf("parse topics: %w", err)
	}
	if err := nonIndexed.UnpackIntoMap(fields, lg.Data); err != nil {
		return raw, true, fmt.Errorf("unpack data: %w", err)
	}

	args := make([]any, 0, len(ev.Inputs))
	for _, in := range ev.Inputs {
		args = append(args, fields[in.Name])
	}
	raw.Args = args
	return raw, true, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
