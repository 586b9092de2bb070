package agentstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out chunks sent by the test. Closing chunks ends the
// stream with io.EOF; a value on fail ends it with that error.
type fakeSource struct {
	chunks chan []byte
	fail   chan error

	closeOnce  sync.Once
	closed     chan struct{}
	closeCount atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chunks: make(chan []byte),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	case err := <-s.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSourceClosed
	}
}

func (s *fakeSource) Close() error {
	s.closeCount.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// send delivers chunks one at a time, each taken by a separate Next call.
// It gives up quietly once the source is closed.
func (s *fakeSource) send(t *testing.T, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		select {
		case s.chunks <- []byte(c):
		case <-s.closed:
			return
		case <-time.After(5 * time.Second):
			t.Fatalf("chunk %q was never requested", c)
		}
	}
}

func openerFor(src Source) Opener {
	return OpenerFunc(func(ctx context.Context, req Request) (Source, error) {
		return src, nil
	})
}

// recorder collects every update a session emits.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, u := range r.updates {
		if u.Record != nil {
			out = append(out, u.Record)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		if u.Record != nil {
			out = append(out, u.Status)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, u := range r.updates {
		if u.Record == nil {
			out = append(out, u.State)
		}
	}
	return out
}

func waitDone(t *testing.T, s *StreamSession) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return err
}

func waitState(t *testing.T, s *StreamSession, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 5*time.Second, time.Millisecond,
		"state %s never reached (now %s)", want, s.State())
}

func kinds(events []AgentEvent) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}

func TestSession_StepDoneResult(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	s := NewSession(openerFor(src), Request{CodebasePath: "."},
		WithFilter(NewEventFilter(KindStep)),
		WithObserver(rec.observe),
	)

	require.NoError(t, s.Start(context.Background()))
	src.send(t,
		"data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":5}}\n",
		"data: {\"type\":\"Done\"}\n",
		"data: final artifact text\n\n",
	)
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, []AgentEvent{Step{Step: 1, MaxSteps: 5, Sequence: 1}}, s.History().Snapshot())
	assert.Equal(t, []string{"Step 1/5", StatusAgentDone, StatusComplete}, rec.statuses())

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "final artifact text", result.Text)
	assert.Equal(t, int64(3), result.Seq())

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, StatusComplete, s.Status())
	assert.Equal(t, int32(1), src.closeCount.Load())
	assert.Equal(t, []State{StateConnecting, StateStreaming, StateCompleted}, rec.states())
}

func TestSession_ChunkSplitInsideEvent(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{}, WithDoneDrainTimeout(time.Minute))

	require.NoError(t, s.Start(context.Background()))
	src.send(t, `data: {"typ`, "e\":\"Done\"}\n")
	close(src.chunks)
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, []Kind{KindDone}, kinds(s.History().Snapshot()))
	assert.Equal(t, int64(0), s.Dropped())
	assert.Equal(t, StateCompleted, s.State())
}

func TestSession_MalformedEventDropped(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})

	require.NoError(t, s.Start(context.Background()))
	src.send(t,
		"data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":2}}\n",
		"data: {\"type\":\"Unknown\"}\n",
		"data: {\"type\":\"Thought\",\"data\":{\"content\":\"still here\"}}\n",
	)
	close(src.chunks)
	require.NoError(t, waitDone(t, s))

	events := s.History().Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq())
	assert.Equal(t, Thought{Content: "still here", Sequence: 2}, events[1])
	assert.Equal(t, int64(1), s.Dropped())
	assert.Equal(t, StateCompleted, s.State())
}

func TestSession_SplitInvariance(t *testing.T) {
	run := func(chunks []string) ([]Record, string) {
		src := newFakeSource()
		rec := &recorder{}
		s := NewSession(openerFor(src), Request{}, WithObserver(rec.observe))
		require.NoError(t, s.Start(context.Background()))
		src.send(t, chunks...)
		require.NoError(t, waitDone(t, s))
		return rec.records(), s.Status()
	}

	wantRecords, wantStatus := run([]string{fixtureStream})
	require.Len(t, wantRecords, 6)

	for i := 1; i < len(fixtureStream); i += 7 {
		records, status := run([]string{fixtureStream[:i], fixtureStream[i:]})
		assert.Equal(t, wantRecords, records, "split at %d", i)
		assert.Equal(t, wantStatus, status)
	}
}

func TestSession_FilterChangesNeverReorder(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":2}}\n")
	s.Filter().Disable(KindThought)
	src.send(t,
		"data: {\"type\":\"Thought\",\"data\":{\"content\":\"hidden\"}}\n",
		"data: {\"type\":\"ToolOutput\",\"data\":{\"output\":\"kept\"}}\n",
	)
	require.Eventually(t, func() bool { return s.History().Len() == 2 }, 5*time.Second, time.Millisecond)
	before := s.History().Snapshot()
	s.Filter().Set()
	s.Filter().Enable(KindThought)
	src.send(t,
		"data: {\"type\":\"Thought\",\"data\":{\"content\":\"shown\"}}\n",
		"data: done\n\n",
	)
	require.NoError(t, waitDone(t, s))

	events := s.History().Snapshot()
	assert.Equal(t, before, events[:len(before)], "recorded history is untouched")
	assert.Equal(t, []Kind{KindStep, KindToolOutput, KindThought}, kinds(events))

	var last int64
	for _, e := range events {
		assert.Greater(t, e.Seq(), last)
		last = e.Seq()
	}
}

func TestSession_PauseResumeEquivalence(t *testing.T) {
	chunks := []string{
		"data: Starting autonomous agent...\n",
		"data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":1}}\ndata: {\"type\":\"Thou",
		"ght\",\"data\":{\"content\":\"plan\"}}\n",
		"data: {\"type\":\"Done\"}\n",
		"data: the result\n\n",
	}

	run := func(pause bool) ([]AgentEvent, string) {
		src := newFakeSource()
		s := NewSession(openerFor(src), Request{})
		require.NoError(t, s.Start(context.Background()))

		src.send(t, chunks[:2]...)
		if pause {
			waitState(t, s, StateStreaming)
			require.NoError(t, s.Pause())
			assert.Equal(t, StatePaused, s.State())
			require.NoError(t, s.Resume())
		}
		src.send(t, chunks[2:]...)
		require.NoError(t, waitDone(t, s))
		return s.History().Snapshot(), s.Status()
	}

	wantEvents, wantStatus := run(false)
	gotEvents, gotStatus := run(true)
	assert.Equal(t, wantEvents, gotEvents)
	assert.Equal(t, wantStatus, gotStatus)
}

// trySend offers one chunk for at most wait.
func (s *fakeSource) trySend(chunk string, wait time.Duration) bool {
	select {
	case s.chunks <- []byte(chunk):
		return true
	case <-time.After(wait):
		return false
	}
}

func TestSession_PauseBlocksChunkRequests(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	s := NewSession(openerFor(src), Request{}, WithObserver(rec.observe))
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":2}}\ndata: {\"type\":\"Th")
	waitState(t, s, StateStreaming)
	require.NoError(t, s.Pause())

	// A Next already in flight may still take one chunk; nothing after it is requested
	const rest = "ought\",\"data\":{\"content\":\"x\"}}\n"
	tookRest := src.trySend(rest, 50*time.Millisecond)
	assert.False(t, src.trySend("data: late\n", 50*time.Millisecond), "paused session requested another chunk")
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume())
	if !tookRest {
		src.send(t, rest)
	}
	src.send(t, "data: late\n\n")
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "late", result.Text)
	assert.Equal(t, []Kind{KindStep, KindThought}, kinds(s.History().Snapshot()))
	assert.Contains(t, rec.states(), StatePaused)
}

func TestSession_InvalidControlCalls(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})

	assert.True(t, IsStateError(s.Pause()))
	assert.True(t, IsStateError(s.Resume()))
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	var stateErr *StateError
	require.ErrorAs(t, s.Start(context.Background()), &stateErr)
	assert.Equal(t, "start", stateErr.Op)

	src.send(t, "data: Indexing\n")
	waitState(t, s, StateStreaming)
	assert.True(t, IsStateError(s.Resume()))
	require.NoError(t, s.Pause())
	assert.True(t, IsStateError(s.Pause()))

	require.NoError(t, s.Stop())
	assert.True(t, IsStateError(s.Resume()))
	assert.True(t, IsStateError(s.Start(context.Background())))
}

func TestSession_StopIdempotent(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	s := NewSession(openerFor(src), Request{}, WithObserver(rec.observe))
	require.NoError(t, s.Start(context.Background()))
	src.send(t, "data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":3}}\ndata: {\"partial")
	waitState(t, s, StateStreaming)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop())
		}()
	}
	wg.Wait()
	require.NoError(t, waitDone(t, s))
	require.NoError(t, s.Stop())

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, StatusStopped, s.Status())
	assert.Equal(t, int32(1), src.closeCount.Load())
	assert.Equal(t, 1, s.History().Len(), "history survives stop")

	var stopped int
	for _, st := range rec.states() {
		if st == StateStopped {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)
}

func TestSession_StopWhilePaused(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(context.Background()))
	src.send(t, "data: Indexing\n")
	waitState(t, s, StateStreaming)
	require.NoError(t, s.Pause())

	require.NoError(t, s.Stop())
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(1), src.closeCount.Load())
	assert.True(t, IsStateError(s.Resume()))
}

func TestSession_StopWhileConnecting(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	opener := OpenerFunc(func(ctx context.Context, req Request) (Source, error) {
		<-release
		return src, nil
	})

	s := NewSession(opener, Request{})
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	close(release)
	require.NoError(t, waitDone(t, s))

	// The late source is released even though the session was already stopped
	assert.Equal(t, int32(1), src.closeCount.Load())
}

func TestSession_StopFromIdle(t *testing.T) {
	opened := false
	s := NewSession(OpenerFunc(func(ctx context.Context, req Request) (Source, error) {
		opened = true
		return newFakeSource(), nil
	}), Request{})

	require.NoError(t, s.Stop())
	require.NoError(t, waitDone(t, s))
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, opened)
	assert.NoError(t, s.Stop())
}

func TestSession_ParentContextCancel(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(ctx))
	src.send(t, "data: Indexing\n")

	cancel()
	require.NoError(t, waitDone(t, s))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(1), src.closeCount.Load())
}

func TestSession_ReadErrorFails(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	s := NewSession(openerFor(src), Request{}, WithObserver(rec.observe))
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":3}}\n")
	src.fail <- errors.New("connection reset by peer")

	err := waitDone(t, s)
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
	assert.Contains(t, err.Error(), "read failed")

	assert.Equal(t, StateFailed, s.State())
	assert.True(t, strings.HasPrefix(s.Status(), "Failed: "))
	assert.Equal(t, err, s.Err())
	assert.Equal(t, 1, s.History().Len(), "history survives failure")
	assert.Equal(t, int32(1), src.closeCount.Load())

	rec.mu.Lock()
	last := rec.updates[len(rec.updates)-1]
	rec.mu.Unlock()
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, err, last.Err)
}

func TestSession_OpenErrorFails(t *testing.T) {
	s := NewSession(OpenerFunc(func(ctx context.Context, req Request) (Source, error) {
		return nil, &SourceError{StatusCode: 503, Message: "no workers", Err: ErrBackendUnavailable}
	}), Request{})
	require.NoError(t, s.Start(context.Background()))

	err := waitDone(t, s)
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, 503, srcErr.StatusCode)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_LineTooLongFails(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{}, WithMaxLineSize(16))
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: Indexing\n"+strings.Repeat("x", 32))
	err := waitDone(t, s)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int32(1), src.closeCount.Load())
}

func TestSession_EOFCompletes(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":3}}\ndata: unterminated")
	close(src.chunks)
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, StateCompleted, s.State())
	_, ok := s.Result()
	assert.False(t, ok, "the unterminated tail is never classified")
	assert.Equal(t, "Step 1/3", s.Status())
}

func TestSession_DoneDrainTimeout(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{}, WithDoneDrainTimeout(30*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Done\"}\n")
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, StatusAgentDone, s.Status())
	assert.Equal(t, int32(1), src.closeCount.Load())
}

func TestSession_DoneWithoutDrain(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{}, WithDoneDrainTimeout(0))
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: {\"type\":\"Done\"}\ndata: ignored result\n")
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, StateCompleted, s.State())
	_, ok := s.Result()
	assert.False(t, ok)
}

func TestSession_TerminalResultDiscardsRest(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "event: result\ndata: first\n\ndata: {\"type\":\"Done\"}\n")
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, TerminalResult{Text: "first", Event: "result", Sequence: 1}, result)
	assert.Equal(t, 0, s.History().Len())
}

func TestSession_MultiLineResult(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	s := NewSession(openerFor(src), Request{}, WithObserver(rec.observe))
	require.NoError(t, s.Start(context.Background()))

	src.send(t,
		"event: agent\ndata: {\"type\":\"Done\"}\n\n",
		"event: result\ndata: # Prompt\ndata: \n",
		"data:   - Implement the health endpoint.\ndata: {\"type\":\"Done\"}\n",
		"\ndata: trailing\n",
	)
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "# Prompt\n\n  - Implement the health endpoint.\n{\"type\":\"Done\"}", result.Text)
	assert.Equal(t, "result", result.Event)
	assert.Equal(t, int64(2), result.Seq())
	assert.Equal(t, []Kind{KindDone}, kinds(s.History().Snapshot()))

	// Observers see the result once, whole
	records := rec.records()
	require.Len(t, records, 2)
	assert.Equal(t, result, records[1])
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, StatusComplete, s.Status())
}

func TestSession_MultiLineResultAtEOF(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{})
	require.NoError(t, s.Start(context.Background()))

	src.send(t, "data: line one\ndata: line two\n")
	close(src.chunks)
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", result.Text)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSession_PendingResultSettles(t *testing.T) {
	src := newFakeSource()
	s := NewSession(openerFor(src), Request{}, WithDoneDrainTimeout(30*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	// No terminator and the source stays open
	src.send(t, "data: only line\n")
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "only line", result.Text)
	assert.Equal(t, int32(1), src.closeCount.Load())
}

func TestSession_CustomMarkers(t *testing.T) {
	vocab := &MarkerVocabulary{
		Version: "test",
		Markers: []MarkerRule{{Name: "warming", Match: MatchPrefix, Text: "Warming"}},
	}
	req := Request{CodebasePath: "/repo", Prompt: "p"}

	src := newFakeSource()
	s := NewSession(openerFor(src), req, WithMarkers(vocab))
	assert.Equal(t, req, s.Request())
	assert.False(t, s.State().IsActive())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.State().IsActive())
	src.send(t, "data: Warming up caches\n")
	require.Eventually(t, func() bool { return s.Status() == "Warming up caches" }, 5*time.Second, time.Millisecond)

	// The default vocabulary is replaced, not extended
	src.send(t, "data: Starting autonomous agent...\n\n")
	require.NoError(t, waitDone(t, s))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "Starting autonomous agent...", result.Text)
	assert.False(t, s.State().IsActive())
}
