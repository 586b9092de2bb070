package agentstream

import (
	"strings"
)

// SSE field prefixes recognized by the classifier.
const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

// Classifier turns complete lines into records.
//
// Rules, in order:
//  1. "event:" lines are framing metadata and yield no record.
//  2. "data:" lines have the prefix stripped and the rest trimmed; an empty payload yields no record.
//     Lines with neither prefix (blank separators, ":" comments, id/retry fields) yield no record.
//  3. The payload is a StatusMarker if it matches the marker vocabulary, an
//     AgentEvent if it starts with "{", and a TerminalResult otherwise.
//
// Returned records are unstamped (Seq() == 0). Classifier is not safe for concurrent use.
type Classifier struct {
	markers   *MarkerVocabulary
	lastEvent string
}

// NewClassifier creates a classifier using the given marker vocabulary.
// A nil vocabulary selects DefaultMarkers().
func NewClassifier(markers *MarkerVocabulary) *Classifier {
	if markers == nil {
		markers = DefaultMarkers()
	}
	return &Classifier{markers: markers}
}

// Classify classifies one complete line. It returns (nil, nil) for ignored
// lines and (nil, *FramingError) for a JSON payload that is not a valid agent event.
func (c *Classifier) Classify(line string) (Record, error) {
	if name, ok := strings.CutPrefix(line, eventPrefix); ok {
		c.lastEvent = strings.TrimSpace(name)
		return nil, nil
	}

	rest, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return nil, nil
	}

	payload := strings.TrimSpace(rest)
	if payload == "" {
		return nil, nil
	}

	return c.classifyPayload(payload)
}

func (c *Classifier) classifyPayload(payload string) (Record, error) {
	if _, ok := c.markers.Match(payload); ok {
		return StatusMarker{Text: payload}, nil
	}

	if strings.HasPrefix(payload, "{") {
		event, err := DecodeEvent([]byte(payload))
		if err != nil {
			return nil, err
		}
		return event, nil
	}

	// Anything else is the agent's final artifact. Unknown shapes fail open here.
	return TerminalResult{Text: payload, Event: c.lastEvent}, nil
}

// Continuation returns the payload of a data line that continues a
// multi-line event. Only the single space after the colon is removed, so the
// line keeps its own indentation and blank lines stay blank.
func Continuation(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}

// Reset forgets the remembered event name.
func (c *Classifier) Reset() {
	c.lastEvent = ""
}
