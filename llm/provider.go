package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
)

// ChunkKind identifies what a streamed Chunk carries.
type ChunkKind int

const (
	// ChunkText is a fragment of assistant text.
	ChunkText ChunkKind = iota
	// ChunkToolUse is a complete request from the model to run a tool.
	ChunkToolUse
	// ChunkToolResult reports what happened to a tool request. Providers
	// never emit it; the orchestrator does after the host has decided.
	ChunkToolResult
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkToolUse:
		return "tool_use"
	case ChunkToolResult:
		return "tool_result"
	default:
		return fmt.Sprintf("ChunkKind(%d)", int(k))
	}
}

// ToolRequest is a tool invocation requested by the model. Parameters is the
// raw JSON object the model produced.
type ToolRequest struct {
	ID         string
	Name       string
	Parameters string
}

// Describe renders the request the way it is shown to a host for confirmation.
func (t ToolRequest) Describe() string {
	params := strings.TrimSpace(t.Parameters)
	if params == "" {
		params = "{}"
	}
	return fmt.Sprintf("%s %s", t.Name, params)
}

// Chunk is one element of a streamed model response.
type Chunk struct {
	Kind ChunkKind
	Text string
	Tool ToolRequest
}

func TextChunk(text string) Chunk { return Chunk{Kind: ChunkText, Text: text} }

func ToolUseChunk(t ToolRequest) Chunk { return Chunk{Kind: ChunkToolUse, Tool: t} }

// ToolResultChunk carries the output (or rejection message) for a tool request.
func ToolResultChunk(t ToolRequest, result string) Chunk {
	return Chunk{Kind: ChunkToolResult, Text: result, Tool: t}
}

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool messages carry the outcome of one tool request.
	RoleTool Role = "tool"
)

// Message is one turn of an earlier exchange.
type Message struct {
	Role    Role
	Content string
	// ToolCalls are the tool requests made by an assistant message.
	ToolCalls []ToolRequest
	// ToolCall is the request a tool message answers.
	ToolCall ToolRequest
}

// Request is a prompt sent to a model. History holds the earlier turns of
// the conversation, oldest first.
type Request struct {
	Prompt  string
	History []Message
}

// Messages returns the history followed by the prompt as a user message.
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.History)+1)
	out = append(out, r.History...)
	return append(out, Message{Role: RoleUser, Content: r.Prompt})
}

// Exchange returns the messages that record a completed request: the prompt,
// the reply and one tool message per entry of results, which is keyed by
// tool request ID.
func Exchange(prompt string, resp *Response, results map[string]string) []Message {
	msgs := []Message{{Role: RoleUser, Content: prompt}}
	if resp == nil {
		return msgs
	}
	msgs = append(msgs, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolRequests})
	for _, tr := range resp.ToolRequests {
		msgs = append(msgs, Message{Role: RoleTool, Content: results[tr.ID], ToolCall: tr})
	}
	return msgs
}

// toolInput decodes tool parameters for SDKs that want a structured value.
// Parameters that are not a JSON object decode to an empty one.
func toolInput(params string) map[string]interface{} {
	input := map[string]interface{}{}
	if strings.TrimSpace(params) != "" {
		_ = json.Unmarshal([]byte(params), &input)
	}
	if input == nil {
		return map[string]interface{}{}
	}
	return input
}

// Response is the fully accumulated result of a successful request.
type Response struct {
	Content      string
	ToolRequests []ToolRequest
}

// Provider streams a model response.
//
// onBegin is called exactly once, after the stream is open and before the
// first chunk. onChunk is called in stream order and never concurrently; an
// error from it stops the stream and is returned. When ctx is cancelled the
// provider stops consuming and returns an error for which
// errors.IsCancelled is true; any partial content is dropped.
type Provider interface {
	Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error)
}

// Options carries the settings shared by every remote provider.
type Options struct {
	Model     string
	Region    string
	MaxTokens int
	Tools     []tools.Tool
}

func (o Options) maxTokens() int64 {
	if o.MaxTokens <= 0 {
		return 4096
	}
	return int64(o.MaxTokens)
}

// collector enforces the callback contract for a single request and
// accumulates the response.
type collector struct {
	onBegin func()
	onChunk func(Chunk) error
	begun   bool
	content strings.Builder
	tools   []ToolRequest
}

func newCollector(onBegin func(), onChunk func(Chunk) error) *collector {
	return &collector{onBegin: onBegin, onChunk: onChunk}
}

func (c *collector) begin() {
	if c.begun {
		return
	}
	c.begun = true
	if c.onBegin != nil {
		c.onBegin()
	}
}

func (c *collector) text(s string) error {
	if s == "" {
		return nil
	}
	c.begin()
	c.content.WriteString(s)
	return c.emit(TextChunk(s))
}

func (c *collector) toolUse(t ToolRequest) error {
	c.begin()
	c.tools = append(c.tools, t)
	return c.emit(ToolUseChunk(t))
}

func (c *collector) emit(ch Chunk) error {
	if c.onChunk == nil {
		return nil
	}
	return c.onChunk(ch)
}

func (c *collector) response() *Response {
	c.begin()
	return &Response{Content: c.content.String(), ToolRequests: c.tools}
}

// streamError classifies an error that ended a stream. Cancellation wins over
// whatever transport error the cancelled request produced.
func streamError(ctx context.Context, err error, format string, a ...interface{}) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.IsCancelled(err) {
			return err
		}
		return errors.Cancelled(ctxErr)
	}
	if errors.IsCancelled(err) {
		return err
	}
	return errors.Wrapf(err, format, a...)
}
