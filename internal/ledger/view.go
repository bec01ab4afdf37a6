package ledger

import (
	"cmp"
	"slices"
	"strings"
)

// Filter selects events for presentation. The zero value matches everything.
type Filter struct {
	Kind  Kind   `json:"kind,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// Match reports whether ev passes the filter. Actors compare case-insensitively.
func (f Filter) Match(ev Event) bool {
	if f.Kind != "" && f.Kind != KindAll && ev.Kind != f.Kind {
		return false
	}
	if f.Actor != "" && !strings.EqualFold(ev.Actor, f.Actor) {
		return false
	}
	return true
}

// Compare orders events newest first: timestamp desc, block desc, log index
// desc, then ID so the order is total.
func Compare(a, b Event) int {
	if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(b.BlockNumber, a.BlockNumber); c != 0 {
		return c
	}
	if c := cmp.Compare(b.LogIndex, a.LogIndex); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// View returns the events matching f in tie-break order. The input is not modified.
func View(events []Event, f Filter) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, Compare)
	return out
}
