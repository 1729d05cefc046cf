package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/logging"
	"github.com/m4xw311/conductor/queue"
	"github.com/m4xw311/conductor/worker"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ParseMode maps a config or flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModePrompt:
		return Mode(s), nil
	case "":
		return ModePrompt, nil
	}
	return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
}

// ToolExecutor runs an approved tool request.
type ToolExecutor interface {
	Execute(ctx context.Context, name, params string) (string, error)
}

// Outcome is how a request ended.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// CompletionReporter may be implemented by a worker.Host that wants to know
// how each request ended. err is nil on success.
type CompletionReporter interface {
	RequestCompleted(req queue.PromptRequest, outcome Outcome, err error)
}

const cancelledFailure = "request cancelled"

// Option configures a Loop.
type Option func(*Loop)

// WithTools sets the executor used for approved tool requests. Without one,
// approved requests report that no tool can run.
func WithTools(e ToolExecutor) Option {
	return func(l *Loop) { l.tools = e }
}

func WithMode(m Mode) Option {
	return func(l *Loop) { l.mode = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logging.OrNop(logger) }
}

// WithConfirmationTimeout bounds how long a tool request waits for the host.
// A timed out confirmation counts as a rejection. Zero waits indefinitely.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(l *Loop) { l.confirmTimeout = d }
}

// Loop drains one queue on behalf of one worker.
type Loop struct {
	worker         *worker.Worker
	queue          *queue.PromptQueue
	provider       llm.Provider
	host           worker.Host
	tools          ToolExecutor
	mode           Mode
	confirmTimeout time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewLoop returns a Loop for w reading from q. A nil host drops
// notifications and rejects every tool request.
func NewLoop(w *worker.Worker, q *queue.PromptQueue, provider llm.Provider, host worker.Host, opts ...Option) *Loop {
	if host == nil {
		host = nopHost{}
	}
	l := &Loop{
		worker:   w,
		queue:    q,
		provider: provider,
		host:     host,
		mode:     ModePrompt,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("worker_id", w.ID().String()), zap.String("worker", w.Name()))
	return l
}

func (l *Loop) Worker() *worker.Worker { return l.worker }

// Run processes requests until ctx is done. Request failures are recorded on
// the worker and do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("worker loop started")
	defer l.logger.Debug("worker loop stopped")
	for {
		err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.logger.Debug("request ended with error", zap.Error(err))
		}
	}
}

// RunOnce waits for a request and processes it. It returns nil without doing
// anything if another consumer took the request first.
func (l *Loop) RunOnce(ctx context.Context) error {
	if err := l.queue.WaitForItems(ctx); err != nil {
		return err
	}
	req, ok := l.queue.Dequeue()
	if !ok {
		return nil
	}
	return l.Process(ctx, req)
}

// CancelCurrent cancels the request in flight, if any.
func (l *Loop) CancelCurrent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return false
	}
	l.cancel()
	return true
}

// Process runs req to completion and leaves the worker Inactive on success or
// InactiveFailed otherwise.
func (l *Loop) Process(ctx context.Context, req queue.PromptRequest) error {
	if req.WorkerID != l.worker.ID() {
		l.logger.Warn("dropping request for another worker", zap.String("request_id", req.ID.String()), zap.String("target", req.WorkerID.String()))
		return errors.Wrapf(errors.ErrUnknownWorker, "request %s targets worker %s", req.ID, req.WorkerID)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
		cancel()
	}()

	log := l.logger.With(zap.String("request_id", req.ID.String()))
	log.Info("processing request")
	started := time.Now()

	l.worker.ClearFailure()
	l.setState(worker.Working)
	resp, err := l.request(reqCtx, req)

	outcome := OutcomeSucceeded
	switch {
	case err == nil:
		l.setState(worker.Inactive)
	case errors.IsCancelled(err):
		outcome = OutcomeCancelled
		l.worker.SetFailure(cancelledFailure)
		l.setState(worker.InactiveFailed)
	default:
		outcome = OutcomeFailed
		l.worker.SetFailure(fmt.Sprintf("model request failed: %v", err))
		l.setState(worker.InactiveFailed)
	}

	fields := []zap.Field{zap.Stringer("outcome", outcome), zap.Duration("elapsed", time.Since(started))}
	if resp != nil {
		fields = append(fields, zap.Int("tool_requests", len(resp.ToolRequests)))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	log.Info("request completed", fields...)

	if r, ok := l.host.(CompletionReporter); ok {
		r.RequestCompleted(req, outcome, err)
	}
	return err
}

func (l *Loop) request(ctx context.Context, req queue.PromptRequest) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	l.setState(worker.Requesting)

	results := map[string]string{}
	resp, err := l.provider.Request(ctx, llm.Request{Prompt: req.Prompt, History: l.worker.History()},
		func() { l.setState(worker.Receiving) },
		func(ch llm.Chunk) error {
			if ch.Kind != llm.ChunkToolUse {
				l.host.ResponseChunkReceived(l.worker.ID(), ch)
				return nil
			}
			result, err := l.handleToolUse(ctx, ch.Tool)
			results[ch.Tool.ID] = result
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	// Only completed exchanges are remembered.
	l.worker.AppendHistory(llm.Exchange(req.Prompt, resp, results)...)
	return resp, nil
}

// handleToolUse runs the confirmation round-trip for one tool request and
// reports its result. Only cancellation of the request itself is returned.
func (l *Loop) handleToolUse(ctx context.Context, tr llm.ToolRequest) (string, error) {
	l.host.ResponseChunkReceived(l.worker.ID(), llm.ToolUseChunk(tr))
	l.setState(worker.UsingTool)

	approved, result, err := l.confirm(ctx, tr)
	if err != nil {
		return "", err
	}
	if approved {
		l.setState(worker.UsingTool)
		result = l.execute(ctx, tr)
		if ctx.Err() != nil {
			return "", errors.Cancelled(ctx.Err())
		}
	}

	l.host.ResponseChunkReceived(l.worker.ID(), llm.ToolResultChunk(tr, result))
	l.setState(worker.Receiving)
	return result, nil
}

func (l *Loop) confirm(ctx context.Context, tr llm.ToolRequest) (approved bool, reason string, err error) {
	log := l.logger.With(zap.String("tool", tr.Name), zap.String("tool_id", tr.ID))
	if l.mode == ModeAuto {
		log.Debug("tool approved automatically")
		return true, "", nil
	}

	confirmCtx := ctx
	if l.confirmTimeout > 0 {
		var cancel context.CancelFunc
		confirmCtx, cancel = context.WithTimeout(ctx, l.confirmTimeout)
		defer cancel()
	}

	l.setState(worker.Waiting)
	decision, err := l.host.ToolConfirmation(confirmCtx, l.worker.ID(), tr.Describe())
	switch {
	case ctx.Err() != nil:
		return false, "", errors.Cancelled(ctx.Err())
	case err != nil && errors.IsCancelled(err):
		log.Info("tool confirmation timed out")
		return false, "tool request was not confirmed in time", nil
	case err != nil:
		log.Warn("tool confirmation failed", zap.Error(err))
		return false, fmt.Sprintf("tool request could not be confirmed: %v", err), nil
	case !worker.IsApproval(decision):
		log.Info("tool rejected", zap.String("decision", decision))
		return false, fmt.Sprintf("tool request rejected: %s", decision), nil
	}
	log.Debug("tool approved")
	return true, "", nil
}

func (l *Loop) execute(ctx context.Context, tr llm.ToolRequest) string {
	if l.tools == nil {
		return fmt.Sprintf("tool %s approved but no tools are available", tr.Name)
	}
	out, err := l.tools.Execute(ctx, tr.Name, tr.Parameters)
	if err != nil {
		l.logger.Warn("tool failed", zap.String("tool", tr.Name), zap.Error(err))
		return fmt.Sprintf("tool %s failed: %v", tr.Name, err)
	}
	return out
}

func (l *Loop) setState(s worker.State) {
	l.worker.SetState(s, l.host)
	l.logger.Debug("state changed", zap.Stringer("state", s))
}

type nopHost struct{}

func (nopHost) WorkerStateChanged(uuid.UUID, worker.State) {}
func (nopHost) ResponseChunkReceived(uuid.UUID, llm.Chunk) {}
func (nopHost) ToolConfirmation(context.Context, uuid.UUID, string) (string, error) {
	return "no host", nil
}
