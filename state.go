package agentstream

// State is the lifecycle state of a StreamSession.
type State int

const (
	// StateIdle is a session that has not been started.
	StateIdle State = iota
	// StateConnecting means the source is being opened or no chunk has arrived yet.
	StateConnecting
	// StateStreaming means the read loop is requesting chunks.
	StateStreaming
	// StatePaused means the read loop is parked until resume or stop.
	StatePaused
	// StateCompleted means the stream ended naturally.
	StateCompleted
	// StateStopped means the session was cancelled by stop.
	StateStopped
	// StateFailed means the source failed or framing was lost.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for Completed, Stopped and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// IsActive returns true while the session holds (or is acquiring) its source.
func (s State) IsActive() bool {
	return s == StateConnecting || s == StateStreaming || s == StatePaused
}
