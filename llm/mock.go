package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/conductor/errors"
)

// MockProvider replays a scripted stream. With no script it echoes the prompt
// back word by word, which is what the "mock" provider setting uses.
type MockProvider struct {
	// Chunks are emitted in order after onBegin.
	Chunks []Chunk
	// OpenErr is returned before the stream opens; onBegin is not called.
	OpenErr error
	// Err is returned after all chunks were delivered.
	Err error
	// Delay is slept before each chunk.
	Delay time.Duration
	// Hang keeps the stream open after the last chunk until ctx is done.
	Hang bool

	mu       sync.Mutex
	requests []Request
}

func (m *MockProvider) Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	if m.OpenErr != nil {
		return nil, errors.Wrapf(m.OpenErr, "mock stream failed to open")
	}

	c := newCollector(onBegin, onChunk)
	c.begin()
	for _, ch := range m.script(req) {
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Cancelled(ctx.Err())
			case <-time.After(m.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled(err)
		}
		var err error
		switch ch.Kind {
		case ChunkToolUse:
			err = c.toolUse(ch.Tool)
		default:
			err = c.text(ch.Text)
		}
		if err != nil {
			return nil, streamError(ctx, err, "mock stream aborted")
		}
	}
	if m.Hang {
		<-ctx.Done()
		return nil, errors.Cancelled(ctx.Err())
	}
	if m.Err != nil {
		return nil, errors.Wrapf(m.Err, "mock stream failed")
	}
	return c.response(), nil
}

// Requests returns every request the mock has received.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockProvider) script(req Request) []Chunk {
	if len(m.Chunks) > 0 {
		return m.Chunks
	}
	words := strings.Fields(req.Prompt)
	chunks := make([]Chunk, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, TextChunk(w))
	}
	return chunks
}
