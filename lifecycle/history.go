package lifecycle

import (
	"sync"
)

// History keeps a bounded in-memory record of recent lifecycle events.
type History struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
}

// Filter selects events from the history. Zero-valued fields match
// everything.
type Filter struct {
	PluginID  string
	EventType EventType
	Since     int64 // milliseconds since the Unix epoch; 0 matches all
}

func (f Filter) matches(ev Event) bool {
	if f.PluginID != "" && f.PluginID != ev.PluginID {
		return false
	}
	if f.EventType != 0 && f.EventType != ev.EventType {
		return false
	}
	if f.Since != 0 && ev.Timestamp < f.Since {
		return false
	}
	return true
}

// NewHistory creates a history keeping at most maxSize events.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &History{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add records an event, evicting the oldest entries beyond capacity.
func (h *History) Add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.events) > h.maxSize {
		trim := len(h.events) - h.maxSize
		h.events = append(h.events[:0], h.events[trim:]...)
	}
}

// Query returns events matching the filter, oldest first.
func (h *History) Query(filter Filter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.events {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}
