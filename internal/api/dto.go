package api

import (
	"time"

	"github.com/devblac/dex-history/internal/engine"
	"github.com/devblac/dex-history/internal/ledger"
)

// EventJSON is the presentation shape of an event. Amounts are rendered
// with the configured token decimals.
type EventJSON struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Actor       string `json:"actor"`
	TxHash      string `json:"txHash"`
	LogIndex    uint   `json:"logIndex"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   uint64 `json:"timestamp"`

	AmountIn  string `json:"amountIn,omitempty"`
	AmountOut string `json:"amountOut,omitempty"`
	IsAtoB    *bool  `json:"isAtoB,omitempty"`

	AmountA   string `json:"amountA,omitempty"`
	AmountB   string `json:"amountB,omitempty"`
	Liquidity string `json:"liquidity,omitempty"`
}

func toEventJSON(ev ledger.Event, decimals int32) EventJSON {
	out := EventJSON{
		ID:          ev.ID,
		Kind:        string(ev.Kind),
		Actor:       ev.Actor,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp,
	}
	if ev.Kind == ledger.KindSwap {
		forward := ev.Forward
		out.AmountIn = ledger.FormatAmount(ev.AmountIn, decimals)
		out.AmountOut = ledger.FormatAmount(ev.AmountOut, decimals)
		out.IsAtoB = &forward
		return out
	}
	out.AmountA = ledger.FormatAmount(ev.AmountA, decimals)
	out.AmountB = ledger.FormatAmount(ev.AmountB, decimals)
	out.Liquidity = ledger.FormatAmount(ev.Liquidity, decimals)
	return out
}

// EncodeEvents converts events to their presentation shape.
func EncodeEvents(events []ledger.Event, decimals int32) []EventJSON {
	out := make([]EventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventJSON(ev, decimals))
	}
	return out
}

// StatusJSON mirrors engine.Status with the error flattened.
type StatusJSON struct {
	engine.Status
	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func toStatusJSON(st engine.Status) StatusJSON {
	out := StatusJSON{Status: st}
	if st.Error != nil {
		out.ErrorKind = string(st.Error.Kind)
		out.Error = st.Error.Error()
	}
	return out
}

// ViewMessage is pushed to websocket clients after each merge.
type ViewMessage struct {
	Type     string        `json:"type"`
	Filter   ledger.Filter `json:"filter"`
	Events   []EventJSON   `json:"events"`
	SyncedAt time.Time     `json:"syncedAt"`
}
