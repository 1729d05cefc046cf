package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorBeginsOnce(t *testing.T) {
	begins := 0
	var chunks []Chunk
	c := newCollector(func() { begins++ }, func(ch Chunk) error {
		// onBegin must have fired before any chunk.
		assert.Equal(t, 1, begins)
		chunks = append(chunks, ch)
		return nil
	})

	require.NoError(t, c.text("Hello"))
	require.NoError(t, c.text(""))
	require.NoError(t, c.text(" world"))
	require.NoError(t, c.toolUse(ToolRequest{ID: "1", Name: "read_file"}))
	resp := c.response()

	assert.Equal(t, 1, begins)
	assert.Len(t, chunks, 3)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Len(t, resp.ToolRequests, 1)
}

func TestCollectorEmptyResponseStillBegins(t *testing.T) {
	begins := 0
	resp := newCollector(func() { begins++ }, nil).response()
	assert.Equal(t, 1, begins)
	assert.Equal(t, "", resp.Content)
}

func TestStreamError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.IsCancelled(streamError(ctx, fmt.Errorf("connection reset"), "x")))

	live := context.Background()
	err := streamError(live, fmt.Errorf("throttled"), "request to %s", "model")
	assert.False(t, errors.IsCancelled(err))
	assert.Contains(t, err.Error(), "request to model: throttled")

	assert.True(t, errors.IsCancelled(streamError(live, errors.Cancelled(nil), "x")))
}

func TestMockProviderEcho(t *testing.T) {
	p := &MockProvider{}
	var got []string
	resp, err := p.Request(context.Background(), Request{Prompt: "Hello world"}, nil, func(ch Chunk) error {
		got = append(got, ch.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, got)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, []Request{{Prompt: "Hello world"}}, p.Requests())
}

func TestMockProviderOpenError(t *testing.T) {
	began := false
	p := &MockProvider{OpenErr: fmt.Errorf("no credentials")}
	_, err := p.Request(context.Background(), Request{}, func() { began = true }, nil)
	assert.ErrorContains(t, err, "no credentials")
	assert.False(t, began)
}

func TestMockProviderCancelledWhileHanging(t *testing.T) {
	p := &MockProvider{Chunks: []Chunk{TextChunk("partial")}, Hang: true}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Request(ctx, Request{}, nil, nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.IsCancelled(err))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("mock provider did not return after cancellation")
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), &config.Config{LLMClient: "mock"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, p)

	_, err = NewProvider(context.Background(), &config.Config{LLMClient: "telepathy"}, nil)
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "")
	_, err = NewProvider(context.Background(), &config.Config{LLMClient: "openai"}, nil)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestChunkKindString(t *testing.T) {
	assert.Equal(t, "text", ChunkText.String())
	assert.Equal(t, "tool_use", ChunkToolUse.String())
	assert.Equal(t, "tool_result", ChunkToolResult.String())
	assert.Equal(t, "ChunkKind(9)", ChunkKind(9).String())
	assert.Equal(t, `read_file {"path":"a"}`, ToolRequest{Name: "read_file", Parameters: `{"path":"a"}`}.Describe())
	assert.Equal(t, "ls {}", ToolRequest{Name: "ls"}.Describe())
}
