package agentstream

import (
	"bytes"
	"fmt"
)

// DefaultMaxLineSize bounds how much unterminated data the decoder will carry.
const DefaultMaxLineSize = 1 << 20

// Decoder reconstructs newline-terminated lines from arbitrarily split chunks.
// A chunk boundary may fall anywhere, including inside a multi-byte rune or
// between "\r" and "\n"; the partial tail is carried to the next Feed.
//
// Decoder is not safe for concurrent use. The session's read loop is its only caller.
type Decoder struct {
	carry       []byte
	maxLineSize int
}

// NewDecoder creates a decoder that rejects lines longer than maxLineSize bytes.
// A non-positive maxLineSize selects DefaultMaxLineSize.
func NewDecoder(maxLineSize int) *Decoder {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &Decoder{maxLineSize: maxLineSize}
}

// Feed appends chunk to the carry buffer and returns every complete line it
// now holds, without terminators. The last unterminated fragment stays buffered.
// ErrLineTooLong means framing is lost and the stream cannot continue.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	d.carry = append(d.carry, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := d.carry[:i]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, string(line))
		d.carry = d.carry[i+1:]
	}

	if len(d.carry) > d.maxLineSize {
		return lines, fmt.Errorf("%w: %d bytes buffered without terminator (limit %d)", ErrLineTooLong, len(d.carry), d.maxLineSize)
	}

	// Compact so the backing array does not grow without bound across a long stream
	if len(d.carry) == 0 {
		d.carry = nil
	} else if cap(d.carry) > 2*len(d.carry)+4096 {
		d.carry = append([]byte(nil), d.carry...)
	}

	return lines, nil
}

// Pending returns the number of buffered bytes that have not formed a line yet.
func (d *Decoder) Pending() int {
	return len(d.carry)
}

// Flush returns and discards the unterminated tail. It is called at end of
// stream; the tail carries no reliable framing and is never classified.
func (d *Decoder) Flush() string {
	tail := string(d.carry)
	d.carry = nil
	return tail
}

// Reset discards the carry buffer.
func (d *Decoder) Reset() {
	d.carry = nil
}
