package agentstream

import (
	"context"
	"sync"
)

// Controller is the control surface for a sequence of sessions. It owns the
// sticky EventFilter, so filter choices survive from one request to the next,
// and it replaces the session (and with it the history) on every Start.
type Controller struct {
	opener Opener
	opts   []Option
	filter *EventFilter

	mu      sync.Mutex
	current *StreamSession
}

// NewController creates a controller that opens sources with opener.
// opts are applied to every session it starts.
func NewController(opener Opener, opts ...Option) *Controller {
	return &Controller{
		opener: opener,
		opts:   opts,
		filter: NewEventFilter(),
	}
}

// Filter returns the sticky filter shared by all sessions.
func (c *Controller) Filter() *EventFilter {
	return c.filter
}

// Current returns the most recent session, or nil before the first Start.
func (c *Controller) Current() *StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start begins a new session for req. It is rejected while the current
// session is still active.
func (c *Controller) Start(ctx context.Context, req Request) (*StreamSession, error) {
	c.mu.Lock()
	if c.current != nil {
		// An idle current session is one another Start is about to run
		if state := c.current.State(); !state.IsTerminal() {
			c.mu.Unlock()
			return nil, &StateError{Op: "start", State: state}
		}
	}

	opts := append([]Option{}, c.opts...)
	opts = append(opts, WithFilter(c.filter))
	sess := NewSession(c.opener, req, opts...)
	c.current = sess
	c.mu.Unlock()

	// Observers may call back into the controller, so start outside the lock
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Pause pauses the current session.
func (c *Controller) Pause() error {
	sess := c.Current()
	if sess == nil {
		return &StateError{Op: "pause", State: StateIdle}
	}
	return sess.Pause()
}

// Resume resumes the current session.
func (c *Controller) Resume() error {
	sess := c.Current()
	if sess == nil {
		return &StateError{Op: "resume", State: StateIdle}
	}
	return sess.Resume()
}

// Stop stops the current session. With no session it is a no-op.
func (c *Controller) Stop() error {
	sess := c.Current()
	if sess == nil {
		return nil
	}
	return sess.Stop()
}
