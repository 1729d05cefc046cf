package worker_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/internal/hosttest"
	"github.com/m4xw311/conductor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorker(t *testing.T) {
	a := worker.New("alpha")
	b := worker.New("beta")

	assert.Equal(t, "alpha", a.Name())
	assert.Equal(t, worker.Inactive, a.State())
	assert.Empty(t, a.Failure())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSetStateNotifiesHost(t *testing.T) {
	w := worker.New("alpha")
	host := hosttest.NewRecorder()

	w.SetState(worker.Working, host)
	w.SetState(worker.Requesting, host)
	w.SetState(worker.Inactive, nil)

	assert.Equal(t, worker.Inactive, w.State())
	assert.Equal(t, []worker.State{worker.Working, worker.Requesting}, host.States(w.ID()))
}

// readingHost reads the worker back from inside the notification, which
// would deadlock if SetState held its lock while calling the host.
type readingHost struct {
	*hosttest.Recorder
	read func()
}

func (h *readingHost) WorkerStateChanged(id uuid.UUID, s worker.State) {
	h.read()
	h.Recorder.WorkerStateChanged(id, s)
}

func TestSetStateHostMayReadWorker(t *testing.T) {
	w := worker.New("alpha")
	var seen []worker.State
	host := &readingHost{Recorder: hosttest.NewRecorder(), read: func() { seen = append(seen, w.State()) }}

	w.SetState(worker.Receiving, host)

	require.Len(t, seen, 1)
	assert.Equal(t, worker.Receiving, seen[0])
}

func TestFailure(t *testing.T) {
	w := worker.New("alpha")
	w.SetFailure("model request failed: boom")
	assert.Equal(t, "model request failed: boom", w.Failure())

	snap := w.Snapshot()
	assert.Equal(t, w.ID(), snap.ID)
	assert.Equal(t, "model request failed: boom", snap.Failure)
	assert.Contains(t, snap.String(), "boom")

	w.ClearFailure()
	assert.Empty(t, w.Failure())
	assert.NotContains(t, w.Snapshot().String(), "boom")
}

func TestConcurrentAccess(t *testing.T) {
	w := worker.New("alpha")
	host := hosttest.NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.SetState(worker.Receiving, host)
				w.SetFailure("x")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = w.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, host.States(w.ID()), 800)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "InactiveFailed", worker.InactiveFailed.String())
	assert.Equal(t, "UsingTool", worker.UsingTool.String())
	assert.Equal(t, "State(42)", worker.State(42).String())
}

func TestStateActive(t *testing.T) {
	assert.False(t, worker.Inactive.Active())
	assert.False(t, worker.InactiveFailed.Active())
	for _, s := range []worker.State{worker.Working, worker.Requesting, worker.Receiving, worker.Waiting, worker.UsingTool} {
		assert.True(t, s.Active(), s.String())
	}
}

func TestIsApproval(t *testing.T) {
	for _, d := range []string{"y", "YES", " approved ", "allow", "ok", "Approve"} {
		assert.True(t, worker.IsApproval(d), d)
	}
	for _, d := range []string{"", "n", "no", "deny", "maybe", "yes please"} {
		assert.False(t, worker.IsApproval(d), d)
	}
}
