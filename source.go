package agentstream

import (
	"context"
	"io"
)

// DefaultChunkSize is the read size used by reader-backed sources.
const DefaultChunkSize = 4096

// Request identifies one generation request.
type Request struct {
	// CodebasePath is the root of the project the agent works on
	CodebasePath string

	// Prompt is the natural-language task
	Prompt string
}

// Source is an opened, server-driven byte stream. A session owns its source
// exclusively and closes it exactly once.
type Source interface {
	// Next returns the next chunk of the stream. It blocks until data arrives,
	// the stream ends (io.EOF), or ctx is done. Next is never called concurrently.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection and unblocks a pending Next.
	Close() error
}

// Opener opens the source for a request.
type Opener interface {
	Open(ctx context.Context, req Request) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req Request) (Source, error)

// Open calls f(ctx, req).
func (f OpenerFunc) Open(ctx context.Context, req Request) (Source, error) {
	return f(ctx, req)
}

type readResult struct {
	data []byte
	err  error
}

// readerSource adapts a blocking io.ReadCloser, such as an HTTP response body,
// to Source. Each Next issues at most one Read; if ctx ends first the Read
// stays pending and its result is delivered by the following Next, so no
// bytes are lost or read twice.
type readerSource struct {
	rc        io.ReadCloser
	chunkSize int
	pending   chan readResult
	err       error
}

// NewReaderSource wraps rc as a Source reading up to chunkSize bytes per chunk.
// A non-positive chunkSize selects DefaultChunkSize.
func NewReaderSource(rc io.ReadCloser, chunkSize int) Source {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &readerSource{rc: rc, chunkSize: chunkSize}
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}

		if s.pending == nil {
			ch := make(chan readResult, 1)
			buf := make([]byte, s.chunkSize)
			go func() {
				n, err := s.rc.Read(buf)
				ch <- readResult{data: buf[:n], err: err}
			}()
			s.pending = ch
		}

		select {
		case res := <-s.pending:
			s.pending = nil
			// io.Reader may return data together with an error; deliver data first
			if res.err != nil {
				s.err = res.err
			}
			if len(res.data) > 0 {
				return res.data, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *readerSource) Close() error {
	return s.rc.Close()
}
