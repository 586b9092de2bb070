package agentstream

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the six agent event variants.
// The values match the "type" discriminator used on the wire.
type Kind string

// Agent event kinds
const (
	KindStep       Kind = "Step"
	KindThought    Kind = "Thought"
	KindToolCall   Kind = "ToolCall"
	KindToolOutput Kind = "ToolOutput"
	KindError      Kind = "Error"
	KindDone       Kind = "Done"
)

// AllKinds lists every agent event kind in declaration order.
var AllKinds = []Kind{KindStep, KindThought, KindToolCall, KindToolOutput, KindError, KindDone}

// String returns the string representation of the kind
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if the kind is part of the agent vocabulary
func (k Kind) IsValid() bool {
	return k.index() >= 0
}

func (k Kind) index() int {
	switch k {
	case KindStep:
		return 0
	case KindThought:
		return 1
	case KindToolCall:
		return 2
	case KindToolOutput:
		return 3
	case KindError:
		return 4
	case KindDone:
		return 5
	default:
		return -1
	}
}

// ParseKind parses a kind name, case-sensitively, as it appears on the wire.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return k, nil
}

// Record is anything the classifier hands onward: a StatusMarker, an
// AgentEvent, or a TerminalResult. Seq is the decode-time sequence number.
type Record interface {
	Seq() int64
	isRecord()
}

// AgentEvent is the tagged union over the six agent event variants.
type AgentEvent interface {
	Record
	Kind() Kind
}

// Step reports agent loop progress.
type Step struct {
	Sequence int64
	Step     int
	MaxSteps int
}

// Thought carries the agent's reasoning text.
type Thought struct {
	Sequence int64
	Content  string
}

// ToolCall announces a tool invocation. Args is the tool's open-ended argument object.
type ToolCall struct {
	Sequence int64
	Tool     string
	Args     map[string]any
}

// ToolOutput carries the text a tool produced.
type ToolOutput struct {
	Sequence int64
	Output   string
}

// Error is an agent-reported error. It is narration, not a stream failure.
type Error struct {
	Sequence int64
	Message  string
}

// Done marks the end of the agent loop. The terminal result usually follows.
type Done struct {
	Sequence int64
}

// StatusMarker is a plain-text progress line that is not an agent event.
type StatusMarker struct {
	Sequence int64
	Text     string
}

// TerminalResult is the final unstructured payload of the stream.
type TerminalResult struct {
	Sequence int64
	Text     string

	// Event is the name from the most recent "event:" framing line, if any
	// (e.g. "result" or "error"). Informational only.
	Event string
}

func (e Step) Seq() int64 { return e.Sequence }
func (e Thought) Seq() int64 { return e.Sequence }
func (e ToolCall) Seq() int64 { return e.Sequence }
func (e ToolOutput) Seq() int64 { return e.Sequence }
func (e Error) Seq() int64 { return e.Sequence }
func (e Done) Seq() int64 { return e.Sequence }
func (m StatusMarker) Seq() int64 { return m.Sequence }
func (r TerminalResult) Seq() int64 { return r.Sequence }

func (Step) isRecord() {}
func (Thought) isRecord() {}
func (ToolCall) isRecord() {}
func (ToolOutput) isRecord() {}
func (Error) isRecord() {}
func (Done) isRecord() {}
func (StatusMarker) isRecord() {}
func (TerminalResult) isRecord() {}

func (Step) Kind() Kind { return KindStep }
func (Thought) Kind() Kind { return KindThought }
func (ToolCall) Kind() Kind { return KindToolCall }
func (ToolOutput) Kind() Kind { return KindToolOutput }
func (Error) Kind() Kind { return KindError }
func (Done) Kind() Kind { return KindDone }

// stamp returns a copy of r carrying sequence number seq.
func stamp(r Record, seq int64) Record {
	switch v := r.(type) {
	case Step:
		v.Sequence = seq
		return v
	case Thought:
		v.Sequence = seq
		return v
	case ToolCall:
		v.Sequence = seq
		return v
	case ToolOutput:
		v.Sequence = seq
		return v
	case Error:
		v.Sequence = seq
		return v
	case Done:
		v.Sequence = seq
		return v
	case StatusMarker:
		v.Sequence = seq
		return v
	case TerminalResult:
		v.Sequence = seq
		return v
	default:
		return r
	}
}

// ===== Wire format =====

// wireEvent is the envelope the producing service emits: {"type": ..., "data": {...}}.
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type stepData struct {
	Step     int `json:"step"`
	MaxSteps int `json:"max_steps"`
}

type thoughtData struct {
	Content string `json:"content"`
}

type toolCallData struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type toolOutputData struct {
	Output string `json:"output"`
}

type errorData struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeEvent decodes a JSON payload into one of the six agent event
// variants. Failures are returned as *FramingError.
func DecodeEvent(payload []byte) (AgentEvent, error) {
	var env wireEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &FramingError{Line: string(payload), Reason: err.Error(), Err: ErrMalformedEvent}
	}

	kind, err := ParseKind(env.Type)
	if err != nil {
		return nil, &FramingError{Line: string(payload), Reason: fmt.Sprintf("type %q", env.Type), Err: ErrUnknownEventType}
	}

	// Done is the only variant without a data object
	if kind == KindDone {
		return Done{}, nil
	}

	if len(env.Data) == 0 {
		return nil, &FramingError{Line: string(payload), Reason: "missing data for " + kind.String(), Err: ErrMalformedEvent}
	}

	var event AgentEvent
	switch kind {
	case KindStep:
		var d stepData
		err = json.Unmarshal(env.Data, &d)
		event = Step{Step: d.Step, MaxSteps: d.MaxSteps}
	case KindThought:
		var d thoughtData
		err = json.Unmarshal(env.Data, &d)
		event = Thought{Content: d.Content}
	case KindToolCall:
		var d toolCallData
		err = json.Unmarshal(env.Data, &d)
		event = ToolCall{Tool: d.Tool, Args: d.Args}
	case KindToolOutput:
		var d toolOutputData
		err = json.Unmarshal(env.Data, &d)
		event = ToolOutput{Output: d.Output}
	case KindError:
		var d errorData
		err = json.Unmarshal(env.Data, &d)
		msg := d.Error
		if msg == "" {
			msg = d.Message
		}
		event = Error{Message: msg}
	}
	if err != nil {
		return nil, &FramingError{Line: string(payload), Reason: err.Error(), Err: ErrMalformedEvent}
	}

	return event, nil
}

// EncodeEvent renders an agent event in the producing service's wire format.
// The sequence number is not part of the wire format.
func EncodeEvent(e AgentEvent) ([]byte, error) {
	var data any
	switch v := e.(type) {
	case Step:
		data = stepData{Step: v.Step, MaxSteps: v.MaxSteps}
	case Thought:
		data = thoughtData{Content: v.Content}
	case ToolCall:
		data = toolCallData{Tool: v.Tool, Args: v.Args}
	case ToolOutput:
		data = toolOutputData{Output: v.Output}
	case Error:
		data = errorData{Error: v.Message}
	case Done:
		return json.Marshal(wireEvent{Type: KindDone.String()})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, e)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", e.Kind(), err)
	}
	return json.Marshal(wireEvent{Type: e.Kind().String(), Data: raw})
}
