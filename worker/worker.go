// Package worker holds the conversational worker: its identity, the state it
// is in, the last failure it reported, the conversation so far, and the
// contract it uses to talk to the host UI.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/llm"
)

// State is the lifecycle position of a worker.
type State int

const (
	// Inactive is the idle state a worker starts in and returns to after a
	// successful request.
	Inactive State = iota
	// Working means a request has been picked up.
	Working
	// Requesting means the request was sent and the stream is not open yet.
	Requesting
	// Receiving means the response stream is open.
	Receiving
	// Waiting means the worker is blocked on a host decision.
	Waiting
	// UsingTool means a tool request is being handled.
	UsingTool
	// InactiveFailed is idle after a failed or cancelled request.
	InactiveFailed
)

var stateNames = [...]string{
	Inactive:       "Inactive",
	Working:        "Working",
	Requesting:     "Requesting",
	Receiving:      "Receiving",
	Waiting:        "Waiting",
	UsingTool:      "UsingTool",
	InactiveFailed: "InactiveFailed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether a request is in flight.
func (s State) Active() bool {
	return s != Inactive && s != InactiveFailed
}

// Host is implemented by the UI that observes workers and answers their
// tool confirmation requests.
//
// WorkerStateChanged and ResponseChunkReceived must return quickly.
// ToolConfirmation blocks until the host decides or ctx is done; when ctx is
// done it must return promptly with an error satisfying errors.IsCancelled.
type Host interface {
	WorkerStateChanged(workerID uuid.UUID, state State)
	ResponseChunkReceived(workerID uuid.UUID, chunk llm.Chunk)
	ToolConfirmation(ctx context.Context, workerID uuid.UUID, request string) (string, error)
}

// IsApproval reports whether a host's confirmation answer approves the tool.
func IsApproval(decision string) bool {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "y", "yes", "approve", "approved", "allow", "ok":
		return true
	}
	return false
}

// Worker is a single conversational agent. It is shared by pointer between
// the loop that drives it and the hosts that observe it.
type Worker struct {
	id   uuid.UUID
	name string

	stateMu sync.Mutex
	state   State

	failureMu sync.Mutex
	failure   string

	historyMu sync.Mutex
	history   []llm.Message
}

// New creates an Inactive worker with a fresh ID.
func New(name string) *Worker {
	return &Worker{id: uuid.New(), name: name}
}

func (w *Worker) ID() uuid.UUID { return w.id }

func (w *Worker) Name() string { return w.name }

// SetState records s and then tells host about it. The host is called after
// the lock is released, so it may read the worker freely.
func (w *Worker) SetState(s State, host Host) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()

	if host != nil {
		host.WorkerStateChanged(w.id, s)
	}
}

func (w *Worker) State() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// SetFailure records the message of the last failed request.
func (w *Worker) SetFailure(msg string) {
	w.failureMu.Lock()
	w.failure = msg
	w.failureMu.Unlock()
}

// ClearFailure forgets the last failure.
func (w *Worker) ClearFailure() { w.SetFailure("") }

// Failure returns the last failure message, or "" if there is none.
func (w *Worker) Failure() string {
	w.failureMu.Lock()
	defer w.failureMu.Unlock()
	return w.failure
}

// History returns a copy of the conversation the worker has had so far.
func (w *Worker) History() []llm.Message {
	w.historyMu.Lock()
	defer w.historyMu.Unlock()
	return append([]llm.Message(nil), w.history...)
}

// AppendHistory adds the messages of a completed exchange.
func (w *Worker) AppendHistory(msgs ...llm.Message) {
	w.historyMu.Lock()
	w.history = append(w.history, msgs...)
	w.historyMu.Unlock()
}

// ClearHistory starts a fresh conversation.
func (w *Worker) ClearHistory() {
	w.historyMu.Lock()
	w.history = nil
	w.historyMu.Unlock()
}

// Snapshot is a point-in-time copy of a worker for listing.
type Snapshot struct {
	ID      uuid.UUID
	Name    string
	State   State
	Failure string
}

func (w *Worker) Snapshot() Snapshot {
	return Snapshot{ID: w.id, Name: w.name, State: w.State(), Failure: w.Failure()}
}

func (s Snapshot) String() string {
	if s.Failure != "" {
		return fmt.Sprintf("%s (%s): %s - %s", s.Name, s.ID, s.State, s.Failure)
	}
	return fmt.Sprintf("%s (%s): %s", s.Name, s.ID, s.State)
}
