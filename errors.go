package agentstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrInvalidState indicates a control operation was invoked from a state that does not allow it.
	ErrInvalidState = errors.New("agentstream: invalid session state")

	// ErrMalformedEvent indicates a JSON event payload could not be decoded.
	ErrMalformedEvent = errors.New("agentstream: malformed event")

	// ErrUnknownEventType indicates a JSON event carried a type outside the agent vocabulary.
	ErrUnknownEventType = errors.New("agentstream: unknown event type")

	// ErrLineTooLong indicates the carry buffer outgrew the maximum line size without a terminator.
	// Unlike a single malformed event this is not recoverable: framing is lost.
	ErrLineTooLong = errors.New("agentstream: line exceeds maximum size")

	// ErrSourceClosed indicates the source was read after it was released.
	ErrSourceClosed = errors.New("agentstream: source closed")

	// ErrBackendUnavailable indicates the backend could not be reached or answered with an error.
	ErrBackendUnavailable = errors.New("agentstream: backend unavailable")
)

// FramingError represents a single event that could not be decoded.
// The offending line is dropped and the session continues.
type FramingError struct {
	Line   string // The payload that failed to decode
	Reason string // Human-readable explanation
	Err    error  // Wrapped error (ErrMalformedEvent or ErrUnknownEventType)
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error for %q: %s (%v)", truncate(e.Line, 80), e.Reason, e.Err)
	}
	return fmt.Sprintf("framing error for %q: %s", truncate(e.Line, 80), e.Reason)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// SourceError represents a failure of the underlying stream connection.
type SourceError struct {
	StatusCode int    // HTTP status code (if applicable)
	Message    string // Error message
	Err        error  // Wrapped cause
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source error (status %d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("source error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("source error: %s", e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// StateError is returned when a control operation is rejected.
// The session is left untouched.
type StateError struct {
	Op    string // The rejected operation (start, pause, resume, stop)
	State State  // The state the session was in
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s session in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// IsFramingError checks if an error is an isolated per-event decode failure.
func IsFramingError(err error) bool {
	if err == nil {
		return false
	}

	var framingErr *FramingError
	return errors.As(err, &framingErr)
}

// IsSourceError checks if an error came from the underlying connection.
func IsSourceError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}

	var sourceErr *SourceError
	return errors.As(err, &sourceErr)
}

// IsStateError checks if an error is a rejected control operation.
func IsStateError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidState)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
