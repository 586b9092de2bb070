package agentstream

import "sync"

// EventFilter is the set of enabled agent event kinds. It gates which events
// enter History; it never hides what was already recorded.
// All methods are safe for concurrent use.
type EventFilter struct {
	mu      sync.RWMutex
	enabled [6]bool
}

// NewEventFilter creates a filter with the given kinds enabled.
// With no arguments every kind is enabled.
func NewEventFilter(kinds ...Kind) *EventFilter {
	f := &EventFilter{}
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	for _, k := range kinds {
		if i := k.index(); i >= 0 {
			f.enabled[i] = true
		}
	}
	return f
}

// Enabled reports whether kind is enabled. Unknown kinds are never enabled.
func (f *EventFilter) Enabled(kind Kind) bool {
	i := kind.index()
	if i < 0 {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled[i]
}

// Enable turns kind on.
func (f *EventFilter) Enable(kind Kind) {
	f.setKind(kind, true)
}

// Disable turns kind off.
func (f *EventFilter) Disable(kind Kind) {
	f.setKind(kind, false)
}

// Toggle flips kind and returns its new state.
func (f *EventFilter) Toggle(kind Kind) bool {
	i := kind.index()
	if i < 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[i] = !f.enabled[i]
	return f.enabled[i]
}

// Set replaces the enabled set with exactly kinds.
func (f *EventFilter) Set(kinds ...Kind) {
	var next [6]bool
	for _, k := range kinds {
		if i := k.index(); i >= 0 {
			next[i] = true
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = next
}

// Kinds returns the enabled kinds in declaration order.
func (f *EventFilter) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]Kind, 0, len(AllKinds))
	for i, k := range AllKinds {
		if f.enabled[i] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (f *EventFilter) setKind(kind Kind, on bool) {
	i := kind.index()
	if i < 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[i] = on
}
