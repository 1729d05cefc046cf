package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
)

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	tools     []tools.Tool
}

// NewAnthropicProvider creates a new AnthropicProvider.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicProvider(ctx context.Context, opts Options, extra ...option.RequestOption) (*AnthropicProvider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, extra...)...)
	return &AnthropicProvider{
		client:    &client,
		model:     opts.Model,
		maxTokens: opts.maxTokens(),
		tools:     opts.Tools,
	}, nil
}

// Request streams one message. Tool-use blocks are reported once their input
// JSON is complete, at content_block_stop.
func (a *AnthropicProvider) Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  convertMessagesToAnthropicMessages(req.Messages()),
	}
	if ts := convertToolsToAnthropicTools(a.tools); len(ts) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, len(ts))
		for i := range ts {
			params.Tools[i] = anthropic.ToolUnionParam{OfTool: &ts[i]}
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	c := newCollector(onBegin, onChunk)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		c.begin()
		if err := message.Accumulate(event); err != nil {
			return nil, streamError(ctx, err, "failed to accumulate Anthropic stream")
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				if err := c.text(d.Text); err != nil {
					return nil, streamError(ctx, err, "Anthropic stream aborted")
				}
			}
		case anthropic.ContentBlockStopEvent:
			if int(ev.Index) >= len(message.Content) {
				continue
			}
			block := message.Content[ev.Index]
			if block.Type != "tool_use" {
				continue
			}
			tu := block.AsToolUse()
			tr := ToolRequest{ID: tu.ID, Name: tu.Name, Parameters: string(tu.Input)}
			if err := c.toolUse(tr); err != nil {
				return nil, streamError(ctx, err, "Anthropic stream aborted")
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, streamError(ctx, err, "failed to stream message from Anthropic")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	return c.response(), nil
}

// convertMessagesToAnthropicMessages converts a conversation to Anthropic's
// format. Consecutive turns with the same role are merged, so tool results
// and the following prompt share one user message.
func convertMessagesToAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Parameters), tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		case RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCall.ID, msg.Content, false))
		default:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
		}
	}
	return out
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		schema := tools.InputSchema(t)
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   schemaRequired(schema),
			},
		})
	}
	return anthropicTools
}

// schemaRequired reads the "required" list of a JSON schema, which is
// []string when built in Go and []interface{} when decoded from JSON.
func schemaRequired(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if name, ok := r.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}
