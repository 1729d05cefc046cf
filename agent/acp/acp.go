package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

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

const protocolVersion = 1

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const (
	optionAllow  = "allow"
	optionReject = "reject"
)

// jsonrpcMessage is any JSON-RPC 2.0 message: a request has Method and ID, a
// notification has Method only and a response has ID with Result or Error.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// Server speaks the Agent Client Protocol over a pair of streams and is the
// worker.Host of every worker it creates. Each ACP session maps to one worker.
type Server struct {
	session *session.Session
	in      *bufio.Reader
	out     *bufio.Writer
	writeMu sync.Mutex
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*acpSession
	workers  map[uuid.UUID]*acpSession
	// permissions maps outgoing request ids to the confirmation waiting on them.
	permissions map[int64]chan string
	nextID      int64
	closed      bool
}

type acpSession struct {
	id     string
	worker *worker.Worker
	// prompts maps queued prompt requests to the JSON-RPC id to answer.
	prompts map[uuid.UUID]json.RawMessage
	// lastToolCall is the id of the most recent tool_call, used to tie the
	// permission request to it.
	lastToolCall string
}

// New creates a Server reading newline-delimited JSON-RPC from in and
// writing to out. Nothing but JSON-RPC is ever written to out.
func New(sess *session.Session, in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		session:     sess,
		in:          bufio.NewReader(in),
		out:         bufio.NewWriter(out),
		logger:      zap.NewNop(),
		sessions:    make(map[string]*acpSession),
		workers:     make(map[uuid.UUID]*acpSession),
		permissions: make(map[int64]chan string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until the input ends or ctx is done. At end of input, pending
// permission requests are rejected and Run waits for running prompts to be
// answered.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Debug("acp server starting")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		payload, err := s.readMessage()
		if err != nil {
			if err == io.EOF {
				s.logger.Debug("acp input closed")
				s.shutdown()
				if err := s.session.WaitIdle(ctx); err != nil && !errors.IsCancelled(err) {
					return err
				}
				return nil
			}
			return errors.Wrapf(err, "ACP: read error")
		}
		if len(payload) == 0 {
			continue
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("acp parse error", zap.Error(err))
			_ = s.writeError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *Server) dispatch(msg *jsonrpcMessage) {
	s.logger.Debug("acp message", zap.String("method", msg.Method), zap.ByteString("id", msg.ID))
	switch msg.Method {
	case "":
		if len(msg.ID) > 0 {
			s.handleResponse(msg)
		}
	case "initialize":
		s.handleInitialize(msg)
	case "session/new":
		s.handleSessionNew(msg)
	case "session/prompt":
		s.handleSessionPrompt(msg)
	case "session/cancel":
		s.handleSessionCancel(msg)
	default:
		if len(msg.ID) > 0 {
			_ = s.writeError(msg.ID, codeMethodNotFound, "Method not found", msg.Method)
		}
	}
}

func (s *Server) readMessage() ([]byte, error) {
	line, err := s.in.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (s *Server) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResult(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize result")
	}
	return s.writeJSON(jsonrpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) writeError(id json.RawMessage, code int, msg string, data any) error {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return s.writeJSON(jsonrpcMessage{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) writeNotification(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize params")
	}
	return s.writeJSON(jsonrpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
}

func (s *Server) writeUpdate(sessionID string, update map[string]any) {
	err := s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
	if err != nil {
		s.logger.Warn("failed to send session update", zap.Error(err))
	}
}

func (s *Server) handleInitialize(msg *jsonrpcMessage) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}
	s.logger.Info("acp client initialized", zap.Int("client_protocol", p.ProtocolVersion))

	_ = s.writeResult(msg.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(msg *jsonrpcMessage) {
	var p struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}

	sid := "sess_" + uuid.NewString()
	as := &acpSession{id: sid, prompts: make(map[uuid.UUID]json.RawMessage)}

	// Registered before the worker exists so its first notification finds it.
	s.mu.Lock()
	s.sessions[sid] = as
	s.mu.Unlock()

	w := s.session.BuildWorker(sid, s)

	s.mu.Lock()
	as.worker = w
	s.workers[w.ID()] = as
	s.mu.Unlock()

	s.logger.Info("acp session created", zap.String("session_id", sid), zap.String("worker_id", w.ID().String()), zap.String("cwd", p.Cwd))
	_ = s.writeResult(msg.ID, map[string]any{"sessionId": sid})
}

func (s *Server) handleSessionPrompt(msg *jsonrpcMessage) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	s.mu.Lock()
	as, ok := s.sessions[p.SessionID]
	s.mu.Unlock()
	if !ok || as.worker == nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	// Registration and submission happen under the lock so a request that
	// completes immediately still finds its JSON-RPC id.
	s.mu.Lock()
	req, err := s.session.Submit(as.worker.ID(), extractUserText(p.Prompt))
	if err == nil {
		as.prompts[req.ID] = msg.ID
	}
	s.mu.Unlock()
	if err != nil {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	s.logger.Debug("acp prompt queued", zap.String("session_id", as.id), zap.String("request_id", req.ID.String()))
}

func (s *Server) handleSessionCancel(msg *jsonrpcMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.logger.Debug("bad session/cancel params", zap.Error(err))
		return
	}
	s.mu.Lock()
	as, ok := s.sessions[p.SessionID]
	s.mu.Unlock()
	if !ok || as.worker == nil {
		return
	}
	cancelled := s.session.Cancel(as.worker.ID())
	s.logger.Info("acp session cancel", zap.String("session_id", p.SessionID), zap.Bool("cancelled", cancelled))
}

// handleResponse resolves a pending session/request_permission call.
func (s *Server) handleResponse(msg *jsonrpcMessage) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		s.logger.Debug("response with unexpected id", zap.ByteString("id", msg.ID))
		return
	}
	s.mu.Lock()
	ch, ok := s.permissions[id]
	delete(s.permissions, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response to unknown request", zap.Int64("id", id))
		return
	}

	decision := optionReject
	if msg.Error == nil {
		var r struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		}
		if err := json.Unmarshal(msg.Result, &r); err == nil && r.Outcome.Outcome == "selected" {
			decision = r.Outcome.OptionID
		}
	}
	ch <- decision
}

// shutdown rejects every outstanding and future permission request.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.permissions {
		ch <- optionReject
		delete(s.permissions, id)
	}
}

func (s *Server) lookup(workerID uuid.UUID) (*acpSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.workers[workerID]
	return as, ok
}

func (s *Server) WorkerStateChanged(workerID uuid.UUID, state worker.State) {
	s.logger.Debug("worker state", zap.String("worker_id", workerID.String()), zap.Stringer("state", state))
}

func (s *Server) ResponseChunkReceived(workerID uuid.UUID, chunk llm.Chunk) {
	as, ok := s.lookup(workerID)
	if !ok {
		return
	}
	switch chunk.Kind {
	case llm.ChunkText:
		s.writeUpdate(as.id, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": chunk.Text},
		})
	case llm.ChunkToolUse:
		s.mu.Lock()
		as.lastToolCall = chunk.Tool.ID
		s.mu.Unlock()
		s.writeUpdate(as.id, map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    chunk.Tool.ID,
			"title":         chunk.Tool.Name,
			"kind":          "other",
			"status":        "pending",
			"rawInput":      rawInput(chunk.Tool.Parameters),
		})
	case llm.ChunkToolResult:
		s.writeUpdate(as.id, map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    chunk.Tool.ID,
			"status":        "completed",
			"content": []any{map[string]any{
				"type":    "content",
				"content": map[string]any{"type": "text", "text": chunk.Text},
			}},
		})
	}
}

// ToolConfirmation sends session/request_permission to the client and waits
// for its answer.
func (s *Server) ToolConfirmation(ctx context.Context, workerID uuid.UUID, request string) (string, error) {
	as, ok := s.lookup(workerID)
	if !ok {
		return optionReject, nil
	}

	ch := make(chan string, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return optionReject, nil
	}
	s.nextID++
	id := s.nextID
	s.permissions[id] = ch
	toolCallID := as.lastToolCall
	s.mu.Unlock()

	params := map[string]any{
		"sessionId": as.id,
		"toolCall":  map[string]any{"toolCallId": toolCallID, "title": request},
		"options": []any{
			map[string]any{"optionId": optionAllow, "name": "Allow", "kind": "allow_once"},
			map[string]any{"optionId": optionReject, "name": "Reject", "kind": "reject_once"},
		},
	}
	raw, err := json.Marshal(params)
	if err != nil {
		s.forget(id)
		return "", errors.Wrapf(err, "failed to serialize permission request")
	}
	if err := s.writeJSON(jsonrpcMessage{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: "session/request_permission", Params: raw}); err != nil {
		s.forget(id)
		return "", errors.Wrapf(err, "failed to send permission request")
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		s.forget(id)
		return "", errors.Cancelled(ctx.Err())
	}
}

func (s *Server) forget(id int64) {
	s.mu.Lock()
	delete(s.permissions, id)
	s.mu.Unlock()
}

// RequestCompleted answers the session/prompt call that queued req.
func (s *Server) RequestCompleted(req queue.PromptRequest, outcome agent.Outcome, err error) {
	s.mu.Lock()
	as, ok := s.workers[req.WorkerID]
	var id json.RawMessage
	if ok {
		id, ok = as.prompts[req.ID]
		delete(as.prompts, req.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("completed request has no pending prompt", zap.String("request_id", req.ID.String()))
		return
	}

	switch outcome {
	case agent.OutcomeSucceeded:
		_ = s.writeResult(id, map[string]any{"stopReason": "end_turn"})
	case agent.OutcomeCancelled:
		_ = s.writeResult(id, map[string]any{"stopReason": "cancelled"})
	default:
		_ = s.writeError(id, codeInternalError, "Internal error", fmt.Sprintf("error processing prompt: %s", as.worker.Failure()))
	}
}

// rawInput passes the tool parameters through as JSON when they are valid.
func rawInput(params string) any {
	if params != "" && json.Valid([]byte(params)) {
		return json.RawMessage(params)
	}
	return map[string]any{}
}
