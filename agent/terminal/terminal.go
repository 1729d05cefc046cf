package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/logging"
	"github.com/m4xw311/conductor/queue"
	"github.com/m4xw311/conductor/session"
	"github.com/m4xw311/conductor/worker"
	"go.uber.org/zap"
)

type Option func(*Terminal)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Terminal) {
		t.in = in
		t.out = out
	}
}

// WithVerbose prints every worker state change.
func WithVerbose(v bool) Option {
	return func(t *Terminal) { t.verbose = v }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Terminal) { t.logger = logging.OrNop(logger) }
}

// Terminal is the interactive host. It owns one worker in the session and
// reads prompts, commands and confirmation answers from a single input.
type Terminal struct {
	session *session.Session
	in      io.Reader
	out     io.Writer
	verbose bool
	logger  *zap.Logger
	styles  styles
	worker  *worker.Worker

	outMu sync.Mutex
	// labelled is set once the reply label has been printed for the current request.
	labelled bool

	mu          sync.Mutex
	pending     chan string
	inputClosed bool

	completed chan struct{}
}

type styles struct {
	label  lipgloss.Style
	prompt lipgloss.Style
	tool   lipgloss.Style
	result lipgloss.Style
	state  lipgloss.Style
	err    lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		label:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		prompt: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		tool:   r.NewStyle().Foreground(lipgloss.Color("11")),
		result: r.NewStyle().Faint(true),
		state:  r.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
		err:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

// New creates a Terminal and builds its worker in s.
func New(s *session.Session, opts ...Option) *Terminal {
	t := &Terminal{
		session:   s,
		in:        os.Stdin,
		out:       os.Stdout,
		logger:    zap.NewNop(),
		completed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.styles = newStyles(t.out)
	t.worker = s.BuildWorker("terminal", t)
	return t
}

// Worker returns the worker driven by this terminal.
func (t *Terminal) Worker() *worker.Worker { return t.worker }

// Run starts the interactive terminal session. It returns when the input
// ends and the last request has finished, on /quit, or when ctx is done.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go t.pump(lines, scanErr, done)

	if initialPrompt != "" {
		t.submit(initialPrompt)
	} else {
		t.printPrompt()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.completed:
			t.printPrompt()
		case line, ok := <-lines:
			if !ok {
				t.closeInput()
				if err := t.session.WaitIdle(ctx); err != nil && !errors.IsCancelled(err) {
					return err
				}
				return <-scanErr
			}
			if !isCommand(line) && t.answer(line) {
				continue
			}
			if quit := t.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// pump is the only reader of the input.
func (t *Terminal) pump(lines chan<- string, scanErr chan<- error, done <-chan struct{}) {
	defer close(lines)
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-done:
			scanErr <- nil
			return
		}
	}
	scanErr <- scanner.Err()
}

func (t *Terminal) handleLine(ctx context.Context, line string) (quit bool) {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "/quit", "/exit":
		// Nothing reads input from here on, so no confirmation may wait for it.
		t.closeInput()
		t.session.Discard(t.worker.ID())
		t.session.Cancel(t.worker.ID())
		if err := t.session.WaitIdle(ctx); err != nil && !errors.IsCancelled(err) {
			t.logger.Warn("waiting for worker on quit", zap.Error(err))
		}
		return true
	case "/cancel":
		if t.session.Cancel(t.worker.ID()) {
			t.println(t.styles.state.Render("cancelling current request"))
		} else {
			t.println(t.styles.state.Render("nothing to cancel"))
		}
	case "/clear":
		t.worker.ClearHistory()
		t.println(t.styles.state.Render("conversation cleared"))
	case "/workers":
		for _, snap := range t.session.Workers() {
			t.println(snap.String())
		}
	default:
		t.submit(input)
	}
	return false
}

// isCommand reports whether line is a terminal command. Commands are
// handled even while a tool confirmation waits for an answer.
func isCommand(line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit", "/cancel", "/clear", "/workers":
		return true
	}
	return false
}

func (t *Terminal) submit(prompt string) {
	if _, err := t.session.Submit(t.worker.ID(), prompt); err != nil {
		t.println(t.styles.err.Render(fmt.Sprintf("Error: %v", err)))
	}
}

// answer hands line to a pending tool confirmation, if there is one.
func (t *Terminal) answer(line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return false
	}
	t.pending <- line
	t.pending = nil
	return true
}

// closeInput rejects the pending confirmation and every later one.
func (t *Terminal) closeInput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputClosed = true
	if t.pending != nil {
		t.pending <- ""
		t.pending = nil
	}
}

func (t *Terminal) WorkerStateChanged(_ uuid.UUID, state worker.State) {
	if state == worker.Working {
		t.outMu.Lock()
		t.labelled = false
		t.outMu.Unlock()
	}
	if t.verbose {
		t.println(t.styles.state.Render(fmt.Sprintf("[%s]", state)))
	}
}

func (t *Terminal) ResponseChunkReceived(_ uuid.UUID, chunk llm.Chunk) {
	switch chunk.Kind {
	case llm.ChunkText:
		t.outMu.Lock()
		defer t.outMu.Unlock()
		if !t.labelled {
			t.labelled = true
			fmt.Fprint(t.out, t.styles.label.Render("Conductor:")+" ")
		}
		fmt.Fprint(t.out, chunk.Text)
	case llm.ChunkToolUse:
		t.println("\n" + t.styles.tool.Render("[tool] "+chunk.Tool.Describe()))
	case llm.ChunkToolResult:
		t.println(t.styles.result.Render(fmt.Sprintf("[%s result] %s", chunk.Tool.Name, chunk.Text)))
		t.outMu.Lock()
		t.labelled = false
		t.outMu.Unlock()
	}
}

// ToolConfirmation asks on the terminal and waits for the next input line.
func (t *Terminal) ToolConfirmation(ctx context.Context, _ uuid.UUID, request string) (string, error) {
	ch := make(chan string, 1)
	t.mu.Lock()
	if t.inputClosed {
		t.mu.Unlock()
		return "n", nil
	}
	t.pending = ch
	t.mu.Unlock()

	t.print(t.styles.tool.Render(fmt.Sprintf("Allow %s? (y/n): ", request)))
	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.pending == ch {
			t.pending = nil
		}
		t.mu.Unlock()
		t.println("")
		return "", errors.Cancelled(ctx.Err())
	}
}

func (t *Terminal) RequestCompleted(_ queue.PromptRequest, outcome agent.Outcome, err error) {
	switch outcome {
	case agent.OutcomeSucceeded:
		t.println("")
	case agent.OutcomeCancelled:
		t.println("\n" + t.styles.state.Render("Request cancelled"))
	default:
		t.println("\n" + t.styles.err.Render(fmt.Sprintf("Error: %s", t.worker.Failure())))
	}
	select {
	case t.completed <- struct{}{}:
	default:
	}
}

func (t *Terminal) printPrompt() {
	t.print(t.styles.prompt.Render("You:") + " ")
}

func (t *Terminal) print(s string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprint(t.out, s)
}

func (t *Terminal) println(s string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintln(t.out, s)
}
