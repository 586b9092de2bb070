package agentstream

import (
	"log/slog"
	"time"
)

// DefaultDoneDrainTimeout is how long a session keeps reading after Done
// while waiting for the terminal result.
const DefaultDoneDrainTimeout = 5 * time.Second

// Update is delivered to observers for every accepted record and every
// lifecycle transition, in decode order, from the session's read loop.
type Update struct {
	// SessionID identifies the session that produced the update
	SessionID string

	// Record is the stamped record (nil for a state-only update)
	Record Record

	// Recorded is true when Record is an AgentEvent that passed the filter
	Recorded bool

	// State is the session state after the update
	State State

	// Status is the projected status after the update
	Status string

	// Err is set on the transition to StateFailed
	Err error
}

// Observer receives session updates. It runs on the read loop, so a slow
// observer delays the next chunk request. The Connecting update (and Stopped,
// for a session stopped before Start) is delivered on the caller's goroutine
// before the read loop exists, so calls never overlap.
type Observer func(Update)

type sessionOptions struct {
	logger           *slog.Logger
	observers        []Observer
	maxLineSize      int
	doneDrainTimeout time.Duration
	markers          *MarkerVocabulary
	filter           *EventFilter
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		logger:           slog.Default(),
		maxLineSize:      DefaultMaxLineSize,
		doneDrainTimeout: DefaultDoneDrainTimeout,
	}
}

// Option configures a StreamSession or Controller.
type Option func(*sessionOptions)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(fn Observer) Option {
	return func(o *sessionOptions) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// WithMaxLineSize bounds the decoder's carry buffer.
func WithMaxLineSize(n int) Option {
	return func(o *sessionOptions) {
		o.maxLineSize = n
	}
}

// WithDoneDrainTimeout bounds how long the session waits for the terminal
// result after Done. Zero completes the session as soon as Done arrives.
func WithDoneDrainTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.doneDrainTimeout = d
	}
}

// WithMarkers overrides the marker vocabulary. Defaults to DefaultMarkers().
func WithMarkers(vocab *MarkerVocabulary) Option {
	return func(o *sessionOptions) {
		o.markers = vocab
	}
}

// WithFilter shares an existing filter with the session instead of a fresh
// all-enabled one.
func WithFilter(f *EventFilter) Option {
	return func(o *sessionOptions) {
		o.filter = f
	}
}
