package agentstream

import "fmt"

// Fixed status texts
const (
	StatusIdle       = "Idle"
	StatusConnecting = "Connecting..."
	StatusAgentDone  = "Agent finished"
	StatusComplete   = "Complete"
	StatusStopped    = "Stopped"
)

// StatusProjector derives the single current-status string from the most
// recently classified record. It sees every record, filtered or not.
type StatusProjector struct {
	current string
}

// NewStatusProjector creates a projector starting at initial.
func NewStatusProjector(initial string) *StatusProjector {
	return &StatusProjector{current: initial}
}

// Current returns the projected status.
func (p *StatusProjector) Current() string {
	return p.current
}

// Apply projects r and returns the (possibly unchanged) status and whether it changed.
// ToolOutput and Error leave the previous status in place.
func (p *StatusProjector) Apply(r Record) (string, bool) {
	next, ok := Project(r)
	if !ok || next == p.current {
		return p.current, false
	}
	p.current = next
	return p.current, true
}

// Set overrides the status, used for lifecycle transitions.
func (p *StatusProjector) Set(status string) {
	p.current = status
}

// Project maps a record to its status text. ok is false when the record
// defines no status override.
func Project(r Record) (status string, ok bool) {
	switch v := r.(type) {
	case StatusMarker:
		return v.Text, true
	case Step:
		return fmt.Sprintf("Step %d/%d", v.Step, v.MaxSteps), true
	case Thought:
		return v.Content, true
	case ToolCall:
		return "Executing: " + v.Tool, true
	case Done:
		return StatusAgentDone, true
	case TerminalResult:
		return StatusComplete, true
	default:
		return "", false
	}
}

// failedStatus renders the status shown after a stream-level failure.
func failedStatus(err error) string {
	return "Failed: " + err.Error()
}
