package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/internal/hosttest"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/session"
	"github.com/m4xw311/conductor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(t *testing.T, p llm.Provider, host worker.Host, opts ...session.Option) *session.Session {
	t.Helper()
	opts = append([]session.Option{session.WithLogger(zaptest.NewLogger(t))}, opts...)
	s := session.New(context.Background(), p, host, opts...)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestSubmitEndToEnd(t *testing.T) {
	host := hosttest.NewRecorder()
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.TextChunk("Hello"), llm.TextChunk(" world")}}
	s := newSession(t, p, host)

	w := s.BuildWorker("main", nil)
	req, err := s.Submit(w.ID(), "greet")
	require.NoError(t, err)
	assert.Equal(t, w.ID(), req.WorkerID)
	waitIdle(t, s)

	assert.Equal(t, []string{"Hello", " world"}, host.Texts(w.ID()))
	assert.Equal(t, []worker.State{worker.Working, worker.Requesting, worker.Receiving, worker.Inactive}, host.States(w.ID()))
	completions := host.Completions()
	require.Len(t, completions, 1)
	assert.Equal(t, req.ID, completions[0].Request.ID)
	assert.Equal(t, agent.OutcomeSucceeded, completions[0].Outcome)
}

func TestWorkersAreIndependent(t *testing.T) {
	shared := hosttest.NewRecorder()
	own := hosttest.NewRecorder()
	s := newSession(t, &llm.MockProvider{}, shared)

	a := s.BuildWorker("a", nil)
	b := s.BuildWorker("b", own)

	for _, p := range []string{"one", "two", "three"} {
		_, err := s.Submit(a.ID(), p)
		require.NoError(t, err)
	}
	_, err := s.Submit(b.ID(), "solo")
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, []string{"one", "two", "three"}, shared.Texts(a.ID()))
	assert.Empty(t, shared.Texts(b.ID()))
	assert.Equal(t, []string{"solo"}, own.Texts(b.ID()))

	snaps := s.Workers()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, "b", snaps[1].Name)

	active, idle := s.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 2, idle)
}

func TestSubmitUnknownWorker(t *testing.T) {
	s := newSession(t, &llm.MockProvider{}, hosttest.NewRecorder())
	_, err := s.Submit(uuid.New(), "hi")
	assert.ErrorIs(t, err, errors.ErrUnknownWorker)

	_, ok := s.Worker(uuid.New())
	assert.False(t, ok)
}

func TestQueueCapacity(t *testing.T) {
	host := hosttest.NewRecorder()
	host.Decide = hosttest.Block()
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "execute_command"})}}
	s := newSession(t, p, host, session.WithQueueCapacity(1))
	w := s.BuildWorker("main", nil)

	_, err := s.Submit(w.ID(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == worker.Waiting }, time.Second, time.Millisecond)

	_, err = s.Submit(w.ID(), "second")
	require.NoError(t, err)
	_, err = s.Submit(w.ID(), "third")
	assert.ErrorIs(t, err, errors.ErrQueueFull)

	s.CancelAll()
	require.Eventually(t, func() bool { return w.State() == worker.Waiting && len(host.Completions()) == 1 }, time.Second, time.Millisecond)
	s.CancelAll()
	waitIdle(t, s)
	assert.Len(t, host.Completions(), 2)
}

func TestCancelWorker(t *testing.T) {
	host := hosttest.NewRecorder()
	s := newSession(t, &llm.MockProvider{Hang: true}, host)
	w := s.BuildWorker("main", nil)

	assert.False(t, s.Cancel(w.ID()))
	assert.False(t, s.Cancel(uuid.New()))

	_, err := s.Submit(w.ID(), "hang around")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == worker.Receiving }, time.Second, time.Millisecond)

	active, _ := s.Counts()
	assert.Equal(t, 1, active)

	started := time.Now()
	require.True(t, s.Cancel(w.ID()))
	waitIdle(t, s)
	assert.Less(t, time.Since(started), 100*time.Millisecond)

	assert.Equal(t, worker.InactiveFailed, w.State())
	assert.Equal(t, "request cancelled", w.Failure())
}

func TestWaitIdleHonoursContext(t *testing.T) {
	s := newSession(t, &llm.MockProvider{Hang: true}, hosttest.NewRecorder())
	w := s.BuildWorker("main", nil)
	_, err := s.Submit(w.ID(), "hang")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.IsCancelled(s.WaitIdle(ctx)))
}

func TestCloseStopsLoops(t *testing.T) {
	host := hosttest.NewRecorder()
	s := session.New(context.Background(), &llm.MockProvider{Hang: true}, host)
	w := s.BuildWorker("main", nil)
	_, err := s.Submit(w.ID(), "hang")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == worker.Receiving }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, worker.InactiveFailed, w.State())

	_, err = s.Submit(w.ID(), "late")
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}

func TestDiscardDropsQueuedRequests(t *testing.T) {
	host := hosttest.NewRecorder()
	host.Decide = hosttest.Block()
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "execute_command"})}}
	s := newSession(t, p, host)
	w := s.BuildWorker("main", nil)

	_, err := s.Submit(w.ID(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == worker.Waiting }, time.Second, time.Millisecond)
	_, err = s.Submit(w.ID(), "second")
	require.NoError(t, err)
	_, err = s.Submit(w.ID(), "third")
	require.NoError(t, err)

	assert.Equal(t, 2, s.Discard(w.ID()))
	assert.Equal(t, 0, s.Discard(uuid.New()))
	completions := host.Completions()
	require.Len(t, completions, 2)
	assert.Equal(t, "second", completions[0].Request.Prompt)
	assert.Equal(t, agent.OutcomeCancelled, completions[0].Outcome)
	assert.True(t, errors.IsCancelled(completions[0].Err))
	assert.Equal(t, "third", completions[1].Request.Prompt)

	require.True(t, s.Cancel(w.ID()))
	waitIdle(t, s)
	assert.Len(t, host.Completions(), 3)
	assert.Len(t, p.Requests(), 1)
}

func TestWaitIdleAfterClose(t *testing.T) {
	host := hosttest.NewRecorder()
	host.Decide = hosttest.Block()
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "execute_command"})}}
	s := session.New(context.Background(), p, host)
	w := s.BuildWorker("main", nil)

	_, err := s.Submit(w.ID(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == worker.Waiting }, time.Second, time.Millisecond)
	_, err = s.Submit(w.ID(), "never runs")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	done := make(chan error, 1)
	go func() { done <- s.WaitIdle(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIdle blocked after Close")
	}
}

func TestSubscribe(t *testing.T) {
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.TextChunk("Hello"), llm.TextChunk(" world")}}
	s := newSession(t, p, hosttest.NewRecorder())

	events, unsubscribe := s.Subscribe(32)
	lagging, _ := s.Subscribe(1)

	w := s.BuildWorker("main", nil)
	_, err := s.Submit(w.ID(), "greet")
	require.NoError(t, err)
	waitIdle(t, s)

	var kinds []session.EventKind
	var states []worker.State
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, w.ID(), ev.WorkerID)
		assert.False(t, ev.At.IsZero())
		kinds = append(kinds, ev.Kind)
		if ev.Kind == session.StateChanged {
			states = append(states, ev.State)
		}
		if ev.Kind == session.RequestCompleted {
			assert.Equal(t, agent.OutcomeSucceeded, ev.Outcome)
			assert.Equal(t, "greet", ev.Request.Prompt)
		}
	}
	assert.Equal(t, []session.EventKind{
		session.WorkerBuilt,
		session.StateChanged, session.StateChanged, session.StateChanged,
		session.ChunkReceived, session.ChunkReceived,
		session.StateChanged,
		session.RequestCompleted,
	}, kinds)
	assert.Equal(t, []worker.State{worker.Working, worker.Requesting, worker.Receiving, worker.Inactive}, states)

	// The full subscriber kept the first event and missed the rest.
	require.Len(t, lagging, 1)
	assert.Equal(t, session.WorkerBuilt, (<-lagging).Kind)

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)

	require.NoError(t, s.Close())
	_, open = <-lagging
	assert.False(t, open)

	late, _ := s.Subscribe(4)
	_, open = <-late
	assert.False(t, open)
}
