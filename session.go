package agentstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamSession owns the lifecycle of one streaming generation request:
// Idle → Connecting → Streaming → {Paused ⇄ Streaming} → {Completed | Stopped | Failed}.
//
// There is a single read loop goroutine per session. Pause, Resume and Stop
// may be called from any goroutine.
type StreamSession struct {
	id      string
	req     Request
	opener  Opener
	opts    sessionOptions
	log     *slog.Logger
	filter  *EventFilter
	history *History
	dropped atomic.Int64

	mu       sync.Mutex
	state    State
	status   *StatusProjector
	result   *TerminalResult
	err      error
	cancel   context.CancelFunc
	resume   chan struct{} // non-nil while paused, closed by Resume
	source   Source
	released bool
	done     chan struct{}

	// Read loop only
	decoder    *Decoder
	classifier *Classifier
	seq        int64
	doneAt     time.Time
	pending    *TerminalResult // result still gathering continuation lines
	pendingAt  time.Time
}

// NewSession creates an idle session for req. Nothing is opened until Start.
func NewSession(opener Opener, req Request, opts ...Option) *StreamSession {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}

	filter := o.filter
	if filter == nil {
		filter = NewEventFilter()
	}

	id := uuid.NewString()
	return &StreamSession{
		id:         id,
		req:        req,
		opener:     opener,
		opts:       o,
		log:        o.logger.With("session_id", id),
		filter:     filter,
		history:    NewHistory(),
		state:      StateIdle,
		status:     NewStatusProjector(StatusIdle),
		done:       make(chan struct{}),
		decoder:    NewDecoder(o.maxLineSize),
		classifier: NewClassifier(o.markers),
	}
}

// ID returns the session identifier.
func (s *StreamSession) ID() string {
	return s.id
}

// Request returns the request the session was created for.
func (s *StreamSession) Request() Request {
	return s.req
}

// Filter returns the session's event filter.
func (s *StreamSession) Filter() *EventFilter {
	return s.filter
}

// History returns the session's event history.
func (s *StreamSession) History() *History {
	return s.history
}

// State returns the current lifecycle state.
func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current projected status text.
func (s *StreamSession) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Current()
}

// Result returns the terminal result, if one arrived.
func (s *StreamSession) Result() (TerminalResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return TerminalResult{}, false
	}
	return *s.result, true
}

// Err returns the stream-level error that failed the session, if any.
func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many malformed events were discarded.
func (s *StreamSession) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed once the session reaches a terminal state and its source is released.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx is done, and returns the
// stream-level error, if any. A stopped or completed session returns nil.
func (s *StreamSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start opens the source and begins streaming. Valid only from Idle.
// The session stays bound to ctx: cancelling it is equivalent to Stop.
func (s *StreamSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "start", State: state}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateConnecting
	s.status.Set(StatusConnecting)
	s.mu.Unlock()

	s.log.Debug("session starting", "codebase_path", s.req.CodebasePath)
	s.emit(Update{State: StateConnecting, Status: StatusConnecting})

	go s.run(runCtx)
	return nil
}

// Pause parks the read loop before its next chunk request. The source stays
// open and the carry buffer is kept. Valid only from Streaming.
func (s *StreamSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return &StateError{Op: "pause", State: s.state}
	}
	s.state = StatePaused
	s.resume = make(chan struct{})
	return nil
}

// Resume releases a paused read loop. Valid only from Paused.
func (s *StreamSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return &StateError{Op: "resume", State: s.state}
	}
	s.state = StateStreaming
	close(s.resume)
	s.resume = nil
	return nil
}

// Stop cancels the session and releases the source. It is idempotent and
// safe from any state: a terminal session is left as is, an idle one
// becomes Stopped without ever opening a source.
func (s *StreamSession) Stop() error {
	s.mu.Lock()
	switch {
	case s.state.IsTerminal():
		s.mu.Unlock()
		return nil
	case s.state == StateIdle:
		// Never started: there is no source to release, so the session
		// simply becomes Stopped rather than rejecting the call.
		s.state = StateStopped
		s.status.Set(StatusStopped)
		s.mu.Unlock()
		close(s.done)
		s.emit(Update{State: StateStopped, Status: StatusStopped})
		return nil
	}

	s.state = StateStopped
	s.status.Set(StatusStopped)
	s.cancel()
	src := s.takeSourceLocked()
	s.mu.Unlock()

	s.closeSource(src)
	s.log.Debug("session stop requested")
	return nil
}

// ===== Read loop =====

func (s *StreamSession) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	src, err := s.opener.Open(ctx, s.req)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		if src != nil {
			s.closeSource(src)
		}
		s.finishStopped()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(wrapSourceError("open failed", err))
		return
	}
	s.source = src
	s.mu.Unlock()

	for {
		if err := s.waitIfPaused(ctx); err != nil {
			s.finishStopped()
			return
		}

		chunk, err := s.nextChunk(ctx, src)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.finishStopped()
			case s.pending != nil && (errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded)):
				s.commitResult()
				s.complete()
			case !s.doneAt.IsZero() && errors.Is(err, context.DeadlineExceeded):
				s.log.Debug("no terminal result after done, completing")
				s.complete()
			case errors.Is(err, io.EOF):
				if tail := s.decoder.Flush(); tail != "" {
					s.log.Debug("dropping unterminated tail at end of stream", "bytes", len(tail))
				}
				s.complete()
			default:
				s.fail(wrapSourceError("read failed", err))
			}
			return
		}

		s.markStreaming()

		lines, ferr := s.decoder.Feed(chunk)
		for _, line := range lines {
			if ctx.Err() != nil {
				s.finishStopped()
				return
			}
			if s.handleLine(line) {
				s.complete()
				return
			}
		}
		if ferr != nil {
			s.fail(ferr)
			return
		}
		if s.pending != nil && s.opts.doneDrainTimeout <= 0 {
			s.commitResult()
			s.complete()
			return
		}
	}
}

// nextChunk requests one chunk. Once Done was seen, or while a result is
// pending, the request is bounded by the drain timeout.
func (s *StreamSession) nextChunk(ctx context.Context, src Source) ([]byte, error) {
	var since time.Time
	switch {
	case s.pending != nil:
		since = s.pendingAt
	case !s.doneAt.IsZero():
		since = s.doneAt
	default:
		return src.Next(ctx)
	}
	drainCtx, cancel := context.WithDeadline(ctx, since.Add(s.opts.doneDrainTimeout))
	defer cancel()
	return src.Next(drainCtx)
}

// waitIfPaused blocks while the session is paused. It returns an error only
// when the session was stopped.
func (s *StreamSession) waitIfPaused(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return ctx.Err()
	}
	resume := s.resume
	status := s.status.Current()
	s.mu.Unlock()

	s.log.Debug("read loop paused", "pending_bytes", s.decoder.Pending())
	s.emit(Update{State: StatePaused, Status: status})

	select {
	case <-resume:
		s.log.Debug("read loop resumed")
		s.emit(Update{State: StateStreaming, Status: s.Status()})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markStreaming moves Connecting to Streaming on the first chunk.
func (s *StreamSession) markStreaming() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	status := s.status.Current()
	s.mu.Unlock()

	s.emit(Update{State: StateStreaming, Status: status})
}

// handleLine classifies, stamps, filters and projects one line. It returns
// true when the line ends the session.
//
// A terminal result is held back until its event ends: further data lines
// are joined to it with "\n", and the blank event terminator (or any other
// non-data line) publishes it.
func (s *StreamSession) handleLine(line string) bool {
	if s.pending != nil {
		if text, ok := Continuation(line); ok {
			s.pending.Text += "\n" + text
			s.pendingAt = time.Now()
			return false
		}
		return s.commitResult()
	}

	rec, err := s.classifier.Classify(line)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("dropping malformed event", "error", err)
		return false
	}
	if rec == nil {
		return false
	}

	s.mu.Lock()
	if s.state.IsTerminal() {
		// Stop won the race with this line
		s.mu.Unlock()
		return true
	}
	s.seq++
	rec = stamp(rec, s.seq)
	if result, ok := rec.(TerminalResult); ok {
		s.mu.Unlock()
		s.pending = &result
		s.pendingAt = time.Now()
		return false
	}
	status, _ := s.status.Apply(rec)
	state := s.state
	s.mu.Unlock()

	recorded := false
	if ev, ok := rec.(AgentEvent); ok && s.filter.Enabled(ev.Kind()) {
		s.history.Append(ev)
		recorded = true
	}

	s.emit(Update{Record: rec, Recorded: recorded, State: state, Status: status})

	if _, ok := rec.(Done); ok && s.doneAt.IsZero() {
		if s.opts.doneDrainTimeout <= 0 {
			return true
		}
		s.doneAt = time.Now()
	}
	return false
}

// commitResult publishes the pending terminal result. It always ends the session.
func (s *StreamSession) commitResult() bool {
	result := *s.pending
	s.pending = nil

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return true
	}
	status, _ := s.status.Apply(result)
	s.result = &result
	state := s.state
	s.mu.Unlock()

	s.emit(Update{Record: result, State: state, Status: status})
	return true
}

func (s *StreamSession) complete() {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		s.finishStopped()
		return
	}
	s.state = StateCompleted
	status := s.status.Current()
	src := s.takeSourceLocked()
	s.mu.Unlock()

	s.closeSource(src)
	s.log.Debug("session completed", "events", s.history.Len(), "dropped", s.dropped.Load())
	s.emit(Update{State: StateCompleted, Status: status})
}

func (s *StreamSession) fail(err error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		s.finishStopped()
		return
	}
	s.state = StateFailed
	s.err = err
	status := failedStatus(err)
	s.status.Set(status)
	src := s.takeSourceLocked()
	s.mu.Unlock()

	s.closeSource(src)
	s.log.Error("session failed", "error", err)
	s.emit(Update{State: StateFailed, Status: status, Err: err})
}

// finishStopped runs on the read loop once its context is done. Usually Stop
// already moved the state and released the source; if the caller's context
// was cancelled instead, the transition happens here.
func (s *StreamSession) finishStopped() {
	s.mu.Lock()
	if !s.state.IsTerminal() {
		s.state = StateStopped
		s.status.Set(StatusStopped)
	}
	src := s.takeSourceLocked()
	status := s.status.Current()
	s.mu.Unlock()

	s.closeSource(src)
	s.pending = nil
	s.decoder.Reset()
	s.classifier.Reset()
	s.emit(Update{State: StateStopped, Status: status})
}

// takeSourceLocked hands out the source for closing at most once. s.mu must be held.
func (s *StreamSession) takeSourceLocked() Source {
	if s.source == nil || s.released {
		return nil
	}
	s.released = true
	return s.source
}

func (s *StreamSession) closeSource(src Source) {
	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		s.log.Debug("source close returned error", "error", err)
	}
}

func (s *StreamSession) emit(u Update) {
	u.SessionID = s.id
	for _, fn := range s.opts.observers {
		fn(u)
	}
}

func wrapSourceError(msg string, err error) error {
	var sourceErr *SourceError
	if errors.As(err, &sourceErr) {
		return err
	}
	return &SourceError{Message: msg, Err: fmt.Errorf("%w: %w", ErrBackendUnavailable, err)}
}
