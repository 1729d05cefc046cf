// Package queue provides the FIFO of prompt requests a worker loop drains.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/errors"
)

// PromptRequest asks the worker identified by WorkerID to run Prompt.
type PromptRequest struct {
	ID          uuid.UUID
	WorkerID    uuid.UUID
	Prompt      string
	SubmittedAt time.Time
}

// NewPromptRequest stamps a request with a fresh ID and the current time.
func NewPromptRequest(workerID uuid.UUID, prompt string) PromptRequest {
	return PromptRequest{
		ID:          uuid.New(),
		WorkerID:    workerID,
		Prompt:      prompt,
		SubmittedAt: time.Now(),
	}
}

// PromptQueue is a FIFO of PromptRequests safe for many producers and
// consumers. Consumers block in WaitForItems until there is work.
type PromptQueue struct {
	mu       sync.Mutex
	items    []PromptRequest
	capacity int
	// ready is closed, and replaced, when the queue goes from empty to non-empty.
	ready chan struct{}
}

// Option configures a PromptQueue.
type Option func(*PromptQueue)

// WithCapacity bounds the queue. Enqueue on a full queue fails with
// errors.ErrQueueFull. Zero or less keeps the queue unbounded.
func WithCapacity(n int) Option {
	return func(q *PromptQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

func New(opts ...Option) *PromptQueue {
	q := &PromptQueue{ready: make(chan struct{})}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends req. It only blocks on the queue lock.
func (q *PromptQueue) Enqueue(req PromptRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return errors.Wrapf(errors.ErrQueueFull, "capacity %d reached", q.capacity)
	}
	q.items = append(q.items, req)
	if len(q.items) == 1 {
		close(q.ready)
		q.ready = make(chan struct{})
	}
	return nil
}

// Dequeue removes and returns the head of the queue. ok is false when the
// queue is empty.
func (q *PromptQueue) Dequeue() (req PromptRequest, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PromptRequest{}, false
	}
	req = q.items[0]
	q.items[0] = PromptRequest{}
	q.items = q.items[1:]
	return req, true
}

// Drain removes and returns every queued request, oldest first.
func (q *PromptQueue) Drain() []PromptRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// WaitForItems blocks until the queue is non-empty or ctx is done. A nil
// return does not reserve an item: another consumer may dequeue it first.
func (q *PromptQueue) WaitForItems(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return errors.Cancelled(ctx.Err())
		}
	}
}

func (q *PromptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PromptQueue) IsEmpty() bool { return q.Len() == 0 }
