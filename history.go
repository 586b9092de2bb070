package agentstream

import (
	"iter"
	"sort"
	"sync"
)

// History is the append-only, decode-ordered record of accepted agent events.
// Reads may run concurrently with the session's read loop.
type History struct {
	mu     sync.RWMutex
	events []AgentEvent
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds an event. Events must arrive in increasing sequence order.
func (h *History) Append(e AgentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

// Len returns the number of recorded events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Snapshot returns a copy of the recorded events.
func (h *History) Snapshot() []AgentEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]AgentEvent, len(h.events))
	copy(out, h.events)
	return out
}

// All iterates over a snapshot taken when iteration starts, so each call
// restarts from the first event.
func (h *History) All() iter.Seq[AgentEvent] {
	return func(yield func(AgentEvent) bool) {
		for _, e := range h.Snapshot() {
			if !yield(e) {
				return
			}
		}
	}
}

// Since returns the events with a sequence number greater than seq.
func (h *History) Since(seq int64) []AgentEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lo := sort.Search(len(h.events), func(i int) bool {
		return h.events[i].Seq() > seq
	})
	out := make([]AgentEvent, len(h.events)-lo)
	copy(out, h.events[lo:])
	return out
}
