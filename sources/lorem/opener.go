// Package lorem is a mock agent stream for running sessions without a backend.
// It produces the same framing the miow backend does on /api/generate-stream,
// filled with lorem ipsum, split into uneven chunks and delivered at a chosen pace.
package lorem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	loremgen "github.com/bozaro/golorem"

	agentstream "github.com/haowjy/miow-stream-go"
)

// Opener implements agentstream.Opener with a scripted agent run.
type Opener struct {
	generator *loremgen.Lorem
	genMu     sync.Mutex

	steps      int
	pace       string
	maxChunk   int
	seed       uint64
	indexing   bool
	malformed  bool
	skipResult bool
	logger     *slog.Logger
}

// Option configures an Opener.
type Option func(*Opener)

// WithSteps sets how many agent steps the script contains.
func WithSteps(n int) Option {
	return func(o *Opener) {
		if n > 0 {
			o.steps = n
		}
	}
}

// WithPace selects the delay between chunks: "fast", "medium", "slow" or "instant".
func WithPace(pace string) Option {
	return func(o *Opener) {
		o.pace = pace
	}
}

// WithMaxChunk sets the largest chunk size in bytes. Chunks are cut at random
// points, so lines routinely straddle chunk boundaries.
func WithMaxChunk(n int) Option {
	return func(o *Opener) {
		if n > 0 {
			o.maxChunk = n
		}
	}
}

// WithSeed fixes the chunk-splitting randomness.
func WithSeed(seed uint64) Option {
	return func(o *Opener) {
		o.seed = seed
	}
}

// WithIndexing prefixes the run with the backend's auto-index markers.
func WithIndexing(on bool) Option {
	return func(o *Opener) {
		o.indexing = on
	}
}

// WithMalformedEvent injects one undecodable agent event after the first step.
func WithMalformedEvent(on bool) Option {
	return func(o *Opener) {
		o.malformed = on
	}
}

// WithoutResult ends the script after Done with no terminal result.
func WithoutResult() Option {
	return func(o *Opener) {
		o.skipResult = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpener creates a lorem opener.
func NewOpener(opts ...Option) *Opener {
	o := &Opener{
		generator: loremgen.New(),
		steps:     3,
		pace:      "medium",
		maxChunk:  64,
		seed:      1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// getChunkDelay returns the delay between chunks for a pace name.
// - slow: 300ms per chunk
// - medium: 50ms per chunk
// - fast: 5ms per chunk
// - instant: no delay
func getChunkDelay(pace string) time.Duration {
	switch pace {
	case "slow":
		return 300 * time.Millisecond
	case "fast":
		return 5 * time.Millisecond
	case "instant":
		return 0
	default:
		return 50 * time.Millisecond
	}
}

// Open builds a script for req and returns it as a chunked source.
func (o *Opener) Open(ctx context.Context, req agentstream.Request) (agentstream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script, err := o.Script(req)
	if err != nil {
		return nil, err
	}
	chunks := Split(script, o.maxChunk, o.seed)

	o.logger.Debug("lorem stream opened",
		"component", "lorem",
		"bytes", len(script),
		"chunks", len(chunks),
		"pace", o.pace)

	return newSource(chunks, getChunkDelay(o.pace)), nil
}

// Script renders the full transcript of a scripted run.
func (o *Opener) Script(req agentstream.Request) ([]byte, error) {
	w := &transcript{}

	w.status("Starting autonomous agent...")
	if o.indexing {
		w.status("No index found. Indexing codebase...")
		w.status("Indexing completed successfully")
	}

	tools := []string{"list_dir", "view_file", "run_command", "write_file"}
	for step := 1; step <= o.steps; step++ {
		tool := tools[(step-1)%len(tools)]
		events := []agentstream.AgentEvent{
			agentstream.Step{Step: step, MaxSteps: o.steps},
			agentstream.Thought{Content: fmt.Sprintf("Decided to use tool '%s' because: %s", tool, o.sentence(6, 12))},
			agentstream.ToolCall{Tool: tool, Args: o.toolArgs(tool, req)},
			agentstream.ToolOutput{Output: o.sentence(8, 20)},
		}
		for _, e := range events {
			if err := w.agent(e); err != nil {
				return nil, err
			}
		}
		if o.malformed && step == 1 {
			w.raw("agent", `{"type":"Unknown","data":{}}`)
		}
	}
	if err := w.agent(agentstream.Done{}); err != nil {
		return nil, err
	}

	if !o.skipResult {
		w.raw("result", o.artifact(req))
	}
	return []byte(w.String()), nil
}

func (o *Opener) toolArgs(tool string, req agentstream.Request) map[string]any {
	root := req.CodebasePath
	if root == "" {
		root = "."
	}
	switch tool {
	case "list_dir":
		return map[string]any{"path": root}
	case "view_file":
		return map[string]any{"path": root + "/" + strings.ToLower(o.word()) + ".go"}
	case "run_command":
		return map[string]any{"command": "echo '" + o.word() + "'"}
	default:
		return map[string]any{"path": root + "/PROMPT.md", "content": o.sentence(4, 8)}
	}
}

// golorem keeps internal state, so generator access is serialized.
func (o *Opener) sentence(min, max int) string {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return o.generator.Sentence(min, max)
}

// artifact renders a small markdown meta-prompt spanning several lines.
func (o *Opener) artifact(req agentstream.Request) string {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	root := req.CodebasePath
	if root == "" {
		root = "."
	}
	return strings.Join([]string{
		"# Prompt for " + root,
		"",
		strings.Join(strings.Fields(o.generator.Paragraph(2, 4)), " "),
		"",
		"- " + o.generator.Sentence(4, 8),
		"- " + o.generator.Sentence(4, 8),
	}, "\n")
}

func (o *Opener) word() string {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return o.generator.Word(4, 8)
}

// transcript writes frames the way the backend's SSE encoder does.
type transcript struct {
	strings.Builder
}

func (t *transcript) status(text string) {
	t.raw("status", text)
}

func (t *transcript) agent(e agentstream.AgentEvent) error {
	payload, err := agentstream.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Kind(), err)
	}
	t.raw("agent", string(payload))
	return nil
}

// raw writes one event, with a data line per line of data.
func (t *transcript) raw(event, data string) {
	fmt.Fprintf(t, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(t, "data: %s\n", line)
	}
	t.WriteString("\n")
}

// Split cuts data into chunks of 1..maxChunk bytes at pseudo-random points.
// A maxChunk of zero or less passes data through as a single chunk.
func Split(data []byte, maxChunk int, seed uint64) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxChunk <= 0 {
		return [][]byte{data}
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var chunks [][]byte
	for len(data) > 0 {
		n := 1 + rng.IntN(maxChunk)
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// source delivers prepared chunks with a fixed delay.
type source struct {
	chunks [][]byte
	next   int
	delay  time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newSource(chunks [][]byte, delay time.Duration) *source {
	return &source{chunks: chunks, delay: delay, closed: make(chan struct{})}
}

func (s *source) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, agentstream.ErrSourceClosed
	default:
	}

	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, agentstream.ErrSourceClosed
		}
	}

	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
