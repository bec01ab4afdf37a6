package ledger

import "slices"

// Cache stores normalized events keyed by ID. It is not safe for concurrent
// use; the sync engine owns it and serializes access.
type Cache struct {
	events map[string]Event
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{events: map[string]Event{}}
}

// Insert adds ev unless its ID is already present. Existing records are never
// overwritten. It reports whether an insertion happened.
func (c *Cache) Insert(ev Event) bool {
	if _, ok := c.events[ev.ID]; ok {
		return false
	}
	c.events[ev.ID] = ev
	return true
}

// Has reports whether an event with the given ID is cached.
func (c *Cache) Has(id string) bool {
	_, ok := c.events[id]
	return ok
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	return len(c.events)
}

// All returns the cached events in no particular order.
func (c *Cache) All() []Event {
	out := make([]Event, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev)
	}
	return out
}

// EvictToLimit keeps the newest max(limit, minKeep) events in tie-break order
// and returns the discarded ones.
func (c *Cache) EvictToLimit(limit, minKeep int) []Event {
	keep := max(limit, minKeep)
	if keep < 0 {
		keep = 0
	}
	if len(c.events) <= keep {
		return nil
	}
	all := c.All()
	slices.SortFunc(all, Compare)
	evicted := all[keep:]
	for _, ev := range evicted {
		delete(c.events, ev.ID)
	}
	return evicted
}
