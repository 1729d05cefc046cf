package terminal

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/conductor/agent"
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

// syncBuffer is written by worker loops and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingTools struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTools) Execute(_ context.Context, name, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return "ran " + name, nil
}

func (r *recordingTools) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestSession(t *testing.T, p llm.Provider, opts ...session.Option) *session.Session {
	t.Helper()
	opts = append([]session.Option{session.WithLogger(zaptest.NewLogger(t))}, opts...)
	s := session.New(context.Background(), p, nil, opts...)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func run(t *testing.T, term *Terminal, initialPrompt string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- term.Run(context.Background(), initialPrompt) }()
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish")
	}
}

func TestTerminalEchoesReply(t *testing.T) {
	s := newTestSession(t, &llm.MockProvider{})
	out := &syncBuffer{}
	term := New(s, WithIO(strings.NewReader("hello world\n"), out))

	wait(t, run(t, term, ""))

	assert.Contains(t, out.String(), "Conductor: hello world")
	assert.Equal(t, worker.Inactive, term.Worker().State())
}

func TestTerminalInitialPrompt(t *testing.T) {
	p := &llm.MockProvider{}
	s := newTestSession(t, p)
	out := &syncBuffer{}
	term := New(s, WithIO(strings.NewReader(""), out))

	wait(t, run(t, term, "from the command line"))

	require.Len(t, p.Requests(), 1)
	assert.Equal(t, "from the command line", p.Requests()[0].Prompt)
	assert.Contains(t, out.String(), "Conductor: from the command line")
}

func TestTerminalQuitSkipsLaterInput(t *testing.T) {
	p := &llm.MockProvider{}
	s := newTestSession(t, p)
	out := &syncBuffer{}
	term := New(s, WithIO(strings.NewReader("/quit\nnever sent\n"), out))

	wait(t, run(t, term, ""))
	assert.Empty(t, p.Requests())
}

func TestTerminalWorkersCommand(t *testing.T) {
	s := newTestSession(t, &llm.MockProvider{})
	out := &syncBuffer{}
	term := New(s, WithIO(strings.NewReader("/workers\n"), out))

	wait(t, run(t, term, ""))
	assert.Contains(t, out.String(), "terminal (")
	assert.Contains(t, out.String(), "Inactive")
}

func TestTerminalConfirmsToolFromInput(t *testing.T) {
	p := &llm.MockProvider{Chunks: []llm.Chunk{
		llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "execute_command", Parameters: `{"command":"ls"}`}),
		llm.TextChunk("listed"),
	}}
	tools := &recordingTools{}
	s := newTestSession(t, p, session.WithTools(tools))
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out), WithVerbose(true))

	done := run(t, term, "")
	_, err := io.WriteString(w, "list files\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(y/n)") }, time.Second, time.Millisecond)

	_, err = io.WriteString(w, "y\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	wait(t, done)

	assert.Equal(t, []string{"execute_command"}, tools.Calls())
	text := out.String()
	assert.Contains(t, text, `[tool] execute_command {"command":"ls"}`)
	assert.Contains(t, text, "[execute_command result] ran execute_command")
	assert.Contains(t, text, "[Waiting]")
	assert.Contains(t, text, "listed")
	require.Len(t, p.Requests(), 1)
}

func TestTerminalRejectsPendingToolAtEOF(t *testing.T) {
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "write_file"})}}
	tools := &recordingTools{}
	s := newTestSession(t, p, session.WithTools(tools))
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out))

	done := run(t, term, "")
	_, err := io.WriteString(w, "write something\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(y/n)") }, time.Second, time.Millisecond)
	require.NoError(t, w.Close())
	wait(t, done)

	assert.Empty(t, tools.Calls())
	assert.Contains(t, out.String(), "rejected")
}

func TestTerminalCancelCommand(t *testing.T) {
	s := newTestSession(t, &llm.MockProvider{Hang: true})
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out))

	done := run(t, term, "")
	_, err := io.WriteString(w, "take forever\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return term.Worker().State() == worker.Receiving
	}, time.Second, time.Millisecond)

	_, err = io.WriteString(w, "/cancel\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Request cancelled") }, time.Second, time.Millisecond)
	require.NoError(t, w.Close())
	wait(t, done)

	assert.Equal(t, worker.InactiveFailed, term.Worker().State())
}

func TestTerminalReportsFailure(t *testing.T) {
	s := newTestSession(t, &llm.MockProvider{OpenErr: assert.AnError}, session.WithMode(agent.ModeAuto))
	out := &syncBuffer{}
	term := New(s, WithIO(strings.NewReader("hi\n"), out))

	wait(t, run(t, term, ""))
	assert.Contains(t, out.String(), "Error: model request failed")
}

func TestTerminalQuitDropsQueuedToolRequest(t *testing.T) {
	p := &llm.MockProvider{
		Delay:  50 * time.Millisecond,
		Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "write_file"})},
	}
	tools := &recordingTools{}
	s := newTestSession(t, p, session.WithTools(tools))
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out))

	done := run(t, term, "")
	_, err := io.WriteString(w, "first\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return term.Worker().State() == worker.Receiving }, time.Second, time.Millisecond)
	_, err = io.WriteString(w, "second\n/quit\n")
	require.NoError(t, err)
	wait(t, done)
	require.NoError(t, w.Close())

	assert.Empty(t, tools.Calls())
	assert.Len(t, p.Requests(), 1)
	assert.NotContains(t, out.String(), "(y/n)")
	assert.Equal(t, worker.InactiveFailed, term.Worker().State())
}

func TestTerminalQuitWhileConfirming(t *testing.T) {
	p := &llm.MockProvider{Chunks: []llm.Chunk{llm.ToolUseChunk(llm.ToolRequest{ID: "1", Name: "write_file"})}}
	tools := &recordingTools{}
	s := newTestSession(t, p, session.WithTools(tools))
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out))

	done := run(t, term, "")
	_, err := io.WriteString(w, "write something\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(y/n)") }, time.Second, time.Millisecond)

	_, err = io.WriteString(w, "/quit\n")
	require.NoError(t, err)
	wait(t, done)
	require.NoError(t, w.Close())

	assert.Empty(t, tools.Calls())
	assert.NotEqual(t, worker.Waiting, term.Worker().State())
}

func TestTerminalClearForgetsConversation(t *testing.T) {
	p := &llm.MockProvider{}
	s := newTestSession(t, p)
	in, w := io.Pipe()
	out := &syncBuffer{}
	term := New(s, WithIO(in, out))

	done := run(t, term, "")
	send := func(line string) {
		_, err := io.WriteString(w, line+"\n")
		require.NoError(t, err)
	}
	send("my name is Ada")
	require.Eventually(t, func() bool { return len(term.Worker().History()) == 2 }, time.Second, time.Millisecond)
	send("who am I")
	require.Eventually(t, func() bool { return len(term.Worker().History()) == 4 }, time.Second, time.Millisecond)
	send("/clear")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "conversation cleared") }, time.Second, time.Millisecond)
	send("hello again")
	require.NoError(t, w.Close())
	wait(t, done)

	reqs := p.Requests()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[1].History, 2)
	assert.Equal(t, "my name is Ada", reqs[1].History[0].Content)
	assert.Empty(t, reqs[2].History)
}
