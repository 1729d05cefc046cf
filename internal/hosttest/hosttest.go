// Package hosttest provides a recording worker.Host for tests.
package hosttest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/queue"
	"github.com/m4xw311/conductor/worker"
)

// Completion is one RequestCompleted call.
type Completion struct {
	Request queue.PromptRequest
	Outcome agent.Outcome
	Err     error
}

// Recorder records every notification it receives. Confirmations are
// answered by Decide; a nil Decide approves everything.
type Recorder struct {
	Decide func(ctx context.Context, workerID uuid.UUID, request string) (string, error)

	mu            sync.Mutex
	states        map[uuid.UUID][]worker.State
	chunks        map[uuid.UUID][]llm.Chunk
	confirmations []string
	completions   []Completion
}

func NewRecorder() *Recorder {
	return &Recorder{
		states: make(map[uuid.UUID][]worker.State),
		chunks: make(map[uuid.UUID][]llm.Chunk),
	}
}

// Reject returns a Decide func that always answers decision.
func Reject(decision string) func(context.Context, uuid.UUID, string) (string, error) {
	return func(context.Context, uuid.UUID, string) (string, error) { return decision, nil }
}

// Block returns a Decide func that never answers and honours ctx.
func Block() func(context.Context, uuid.UUID, string) (string, error) {
	return func(ctx context.Context, _ uuid.UUID, _ string) (string, error) {
		<-ctx.Done()
		return "", errors.Cancelled(ctx.Err())
	}
}

func (r *Recorder) WorkerStateChanged(workerID uuid.UUID, state worker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[workerID] = append(r.states[workerID], state)
}

func (r *Recorder) ResponseChunkReceived(workerID uuid.UUID, chunk llm.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[workerID] = append(r.chunks[workerID], chunk)
}

func (r *Recorder) ToolConfirmation(ctx context.Context, workerID uuid.UUID, request string) (string, error) {
	r.mu.Lock()
	r.confirmations = append(r.confirmations, request)
	decide := r.Decide
	r.mu.Unlock()

	if decide == nil {
		return "approved", nil
	}
	return decide(ctx, workerID, request)
}

func (r *Recorder) RequestCompleted(req queue.PromptRequest, outcome agent.Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, Completion{Request: req, Outcome: outcome, Err: err})
}

// States returns the states reported for workerID, in order.
func (r *Recorder) States(workerID uuid.UUID) []worker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.State(nil), r.states[workerID]...)
}

// Chunks returns the chunks delivered for workerID, in order.
func (r *Recorder) Chunks(workerID uuid.UUID) []llm.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Chunk(nil), r.chunks[workerID]...)
}

// Texts returns the text of the ChunkText chunks delivered for workerID.
func (r *Recorder) Texts(workerID uuid.UUID) []string {
	var out []string
	for _, c := range r.Chunks(workerID) {
		if c.Kind == llm.ChunkText {
			out = append(out, c.Text)
		}
	}
	return out
}

func (r *Recorder) Confirmations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.confirmations...)
}

func (r *Recorder) Completions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.completions...)
}
