package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/queue"
	"github.com/m4xw311/conductor/worker"
	"go.uber.org/zap"
)

// EventKind says what an Event reports.
type EventKind int

const (
	WorkerBuilt EventKind = iota
	StateChanged
	ChunkReceived
	RequestCompleted
)

func (k EventKind) String() string {
	switch k {
	case WorkerBuilt:
		return "worker_built"
	case StateChanged:
		return "state_changed"
	case ChunkReceived:
		return "chunk_received"
	case RequestCompleted:
		return "request_completed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a notification about one of the session's workers. Only the
// fields that belong to Kind are set.
type Event struct {
	Kind     EventKind
	WorkerID uuid.UUID
	At       time.Time

	State   worker.State
	Chunk   llm.Chunk
	Request queue.PromptRequest
	Outcome agent.Outcome
	Err     error
}

// bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newBus(logger *zap.Logger) *bus {
	return &bus{logger: logger, subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *bus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber lagging, event dropped", zap.Int("subscriber", id), zap.Stringer("event", ev.Kind))
		}
	}
}

// close ends every subscription.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
