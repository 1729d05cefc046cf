// Package session owns a set of workers and the loops that drive them.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/logging"
	"github.com/m4xw311/conductor/queue"
	"github.com/m4xw311/conductor/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Option func(*Session)

func WithTools(e agent.ToolExecutor) Option {
	return func(s *Session) { s.tools = e }
}

func WithMode(m agent.Mode) Option {
	return func(s *Session) { s.mode = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logging.OrNop(logger) }
}

// WithQueueCapacity bounds every worker queue built by the session.
func WithQueueCapacity(n int) Option {
	return func(s *Session) { s.queueCapacity = n }
}

func WithConfirmationTimeout(d time.Duration) Option {
	return func(s *Session) { s.confirmTimeout = d }
}

// Session is an arena of workers sharing one provider. Each worker gets its
// own queue and loop; the loops live until Close.
type Session struct {
	provider       llm.Provider
	host           worker.Host
	tools          agent.ToolExecutor
	mode           agent.Mode
	queueCapacity  int
	confirmTimeout time.Duration
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
	closed  bool
	// changed is closed, and replaced, whenever a request completes.
	changed chan struct{}

	events *bus
}

type entry struct {
	worker  *worker.Worker
	queue   *queue.PromptQueue
	loop    *agent.Loop
	host    *trackingHost
	pending int
}

// New starts an empty session. host is used by workers built without one of
// their own. The session stops when ctx is done or Close is called.
func New(ctx context.Context, provider llm.Provider, host worker.Host, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		host:     host,
		mode:     agent.ModePrompt,
		logger:   zap.NewNop(),
		entries:  make(map[uuid.UUID]*entry),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = newBus(s.logger)
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(ctx)
	return s
}

// BuildWorker creates a worker and starts its loop.
func (s *Session) BuildWorker(name string, host worker.Host) *worker.Worker {
	if host == nil {
		host = s.host
	}
	w := worker.New(name)
	q := queue.New(queue.WithCapacity(s.queueCapacity))
	e := &entry{worker: w, queue: q}

	opts := []agent.Option{
		agent.WithMode(s.mode),
		agent.WithLogger(s.logger),
		agent.WithConfirmationTimeout(s.confirmTimeout),
	}
	if s.tools != nil {
		opts = append(opts, agent.WithTools(s.tools))
	}
	e.host = &trackingHost{Host: host, done: s.completed, publish: s.events.publish}
	e.loop = agent.NewLoop(w, q, s.provider, e.host, opts...)

	s.mu.Lock()
	s.entries[w.ID()] = e
	s.order = append(s.order, w.ID())
	s.mu.Unlock()

	s.logger.Info("worker built", zap.String("worker_id", w.ID().String()), zap.String("worker", name))
	s.events.publish(Event{Kind: WorkerBuilt, WorkerID: w.ID()})
	s.group.Go(func() error { return e.loop.Run(s.ctx) })
	return w
}

// Submit queues prompt for the worker identified by workerID.
func (s *Session) Submit(workerID uuid.UUID, prompt string) (queue.PromptRequest, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return queue.PromptRequest{}, errors.New("session is closed")
	}
	e, ok := s.entries[workerID]
	if !ok {
		s.mu.Unlock()
		return queue.PromptRequest{}, errors.Wrapf(errors.ErrUnknownWorker, "submit to %s", workerID)
	}
	e.pending++
	s.mu.Unlock()

	req := queue.NewPromptRequest(workerID, prompt)
	if err := e.queue.Enqueue(req); err != nil {
		s.mu.Lock()
		e.pending--
		s.mu.Unlock()
		return queue.PromptRequest{}, errors.Wrapf(err, "submit to worker %s", e.worker.Name())
	}
	s.logger.Debug("prompt submitted", zap.String("worker_id", workerID.String()), zap.String("request_id", req.ID.String()))
	return req, nil
}

// Worker returns the worker with the given ID.
func (s *Session) Worker(id uuid.UUID) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// Workers lists the session's workers in the order they were built.
func (s *Session) Workers() []worker.Snapshot {
	s.mu.Lock()
	ws := make([]*worker.Worker, 0, len(s.order))
	for _, id := range s.order {
		ws = append(ws, s.entries[id].worker)
	}
	s.mu.Unlock()

	out := make([]worker.Snapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Snapshot())
	}
	return out
}

// Counts returns how many workers have a request in flight and how many are idle.
func (s *Session) Counts() (active, idle int) {
	for _, snap := range s.Workers() {
		if snap.State.Active() {
			active++
		} else {
			idle++
		}
	}
	return active, idle
}

// Cancel cancels the request the worker is running. Queued requests are kept.
// It reports whether there was anything to cancel.
func (s *Session) Cancel(workerID uuid.UUID) bool {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return e.loop.CancelCurrent()
}

// Discard drops the requests waiting in the worker's queue and reports each
// to the host as cancelled. The request in flight is left alone. It returns
// how many requests were dropped.
func (s *Session) Discard(workerID uuid.UUID) int {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	dropped := e.queue.Drain()
	for _, req := range dropped {
		e.host.RequestCompleted(req, agent.OutcomeCancelled, errors.Cancelled(errors.New("request %s discarded before it started", req.ID)))
	}
	if len(dropped) > 0 {
		s.logger.Info("discarded queued requests", zap.String("worker_id", workerID.String()), zap.Int("discarded", len(dropped)))
	}
	return len(dropped)
}

// Subscribe returns a channel of events about every worker in the session
// and a func that ends the subscription. Events are never waited for: once
// buffer events are unread, further ones are dropped for this subscriber.
// The channel is closed by the returned func or by Close.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// CancelAll cancels every request in flight.
func (s *Session) CancelAll() {
	s.mu.Lock()
	loops := make([]*agent.Loop, 0, len(s.entries))
	for _, e := range s.entries {
		loops = append(loops, e.loop)
	}
	s.mu.Unlock()

	n := 0
	for _, l := range loops {
		if l.CancelCurrent() {
			n++
		}
	}
	s.logger.Info("cancelled all requests", zap.Int("cancelled", n))
}

// WaitIdle blocks until every submitted request has completed or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		busy := false
		for _, e := range s.entries {
			if e.pending > 0 {
				busy = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Cancelled(ctx.Err())
		}
	}
}

// Close stops every loop, cancelling whatever they are running, and waits
// for them to return. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()

	// Requests still queued will never run.
	s.mu.Lock()
	for _, e := range s.entries {
		e.pending = 0
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.events.close()
	s.logger.Debug("session closed")
	return err
}

func (s *Session) completed(req queue.PromptRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[req.WorkerID]; ok && e.pending > 0 {
		e.pending--
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// trackingHost forwards to the worker's host and tells the session when a
// request is done.
type trackingHost struct {
	worker.Host
	done    func(queue.PromptRequest)
	publish func(Event)
}

func (h *trackingHost) WorkerStateChanged(id uuid.UUID, state worker.State) {
	if h.Host != nil {
		h.Host.WorkerStateChanged(id, state)
	}
	h.publish(Event{Kind: StateChanged, WorkerID: id, State: state})
}

func (h *trackingHost) ResponseChunkReceived(id uuid.UUID, chunk llm.Chunk) {
	if h.Host != nil {
		h.Host.ResponseChunkReceived(id, chunk)
	}
	h.publish(Event{Kind: ChunkReceived, WorkerID: id, Chunk: chunk})
}

func (h *trackingHost) ToolConfirmation(ctx context.Context, id uuid.UUID, request string) (string, error) {
	if h.Host == nil {
		return "no host", nil
	}
	return h.Host.ToolConfirmation(ctx, id, request)
}

func (h *trackingHost) RequestCompleted(req queue.PromptRequest, outcome agent.Outcome, err error) {
	if r, ok := h.Host.(agent.CompletionReporter); ok {
		r.RequestCompleted(req, outcome, err)
	}
	h.publish(Event{Kind: RequestCompleted, WorkerID: req.WorkerID, Request: req, Outcome: outcome, Err: err})
	h.done(req)
}
