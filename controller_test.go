package agentstream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueOpener hands out prepared sources in order.
type queueOpener struct {
	mu      sync.Mutex
	sources []*fakeSource
	reqs    []Request
}

func (o *queueOpener) Open(ctx context.Context, req Request) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := o.sources[0]
	o.sources = o.sources[1:]
	o.reqs = append(o.reqs, req)
	return src, nil
}

func TestController_NoSession(t *testing.T) {
	c := NewController(&queueOpener{})

	assert.Nil(t, c.Current())
	assert.True(t, IsStateError(c.Pause()))
	assert.True(t, IsStateError(c.Resume()))
	assert.NoError(t, c.Stop())
}

func TestController_StickyFilterAndFreshHistory(t *testing.T) {
	first, second := newFakeSource(), newFakeSource()
	opener := &queueOpener{sources: []*fakeSource{first, second}}
	c := NewController(opener, WithDoneDrainTimeout(0))

	c.Filter().Disable(KindThought)

	s1, err := c.Start(context.Background(), Request{CodebasePath: "/a", Prompt: "one"})
	require.NoError(t, err)
	assert.Same(t, s1, c.Current())
	assert.Same(t, c.Filter(), s1.Filter())

	first.send(t,
		"data: {\"type\":\"Step\",\"data\":{\"step\":1,\"max_steps\":1}}\n",
		"data: {\"type\":\"Thought\",\"data\":{\"content\":\"hidden\"}}\n",
		"data: first result\n",
	)
	require.NoError(t, waitDone(t, s1))
	assert.Equal(t, []Kind{KindStep}, kinds(s1.History().Snapshot()))

	s2, err := c.Start(context.Background(), Request{CodebasePath: "/b", Prompt: "two"})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 0, s2.History().Len(), "a new session starts with empty history")

	second.send(t,
		"data: {\"type\":\"Thought\",\"data\":{\"content\":\"still hidden\"}}\n",
		"data: {\"type\":\"Done\"}\n",
	)
	require.NoError(t, waitDone(t, s2))
	assert.Equal(t, []Kind{KindDone}, kinds(s2.History().Snapshot()))

	// The finished session keeps its own history
	assert.Equal(t, 1, s1.History().Len())
	assert.Equal(t, []Request{{CodebasePath: "/a", Prompt: "one"}, {CodebasePath: "/b", Prompt: "two"}}, opener.reqs)
}

func TestController_RejectsStartWhileActive(t *testing.T) {
	src := newFakeSource()
	c := NewController(&queueOpener{sources: []*fakeSource{src, newFakeSource()}})

	s1, err := c.Start(context.Background(), Request{})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), Request{})
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "start", stateErr.Op)
	assert.Same(t, s1, c.Current())

	src.send(t, "data: Indexing\n")
	waitState(t, s1, StateStreaming)
	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, s1.State())
	require.NoError(t, c.Resume())
	require.NoError(t, c.Stop())
	require.NoError(t, waitDone(t, s1))
	assert.Equal(t, int32(1), src.closeCount.Load())

	s2, err := c.Start(context.Background(), Request{})
	require.NoError(t, err)
	assert.Same(t, s2, c.Current())
	require.NoError(t, c.Stop())
}

func TestController_ObserverMayCallBack(t *testing.T) {
	src := newFakeSource()
	var c *Controller
	var mu sync.Mutex
	var seen []string
	c = NewController(&queueOpener{sources: []*fakeSource{src}}, WithObserver(func(u Update) {
		if cur := c.Current(); cur != nil {
			mu.Lock()
			seen = append(seen, cur.ID())
			mu.Unlock()
		}
	}))

	sess, err := c.Start(context.Background(), Request{})
	require.NoError(t, err)
	src.send(t, "data: done\n\n")
	require.NoError(t, waitDone(t, sess))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, id := range seen {
		assert.Equal(t, sess.ID(), id)
	}
}
