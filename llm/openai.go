package llm

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider streams from the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	tools  []tools.Tool
}

// NewOpenAIProvider creates a new OpenAIProvider. It requires the OPENAI_API_KEY
// environment variable to be set and honours OPENAI_BASE_URL for custom endpoints.
func NewOpenAIProvider(ctx context.Context, opts Options) (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	// The client must stay addressable; keep &c.
	return &OpenAIProvider{client: &c, model: opts.Model, tools: opts.Tools}, nil
}

// toolCallAgg collects the streamed fragments of one tool call.
type toolCallAgg struct {
	id   string
	name string
	args strings.Builder
}

// Request streams a chat completion. Tool calls arrive in fragments keyed by
// index and are reported once the choice finishes.
func (o *OpenAIProvider) Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAIMessages(req.Messages()),
		Tools:    convertToolsToOpenAITools(o.tools),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	c := newCollector(onBegin, onChunk)
	agg := map[int64]*toolCallAgg{}
	flush := func() error {
		indexes := make([]int64, 0, len(agg))
		for i := range agg {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
		for _, i := range indexes {
			call := agg[i]
			delete(agg, i)
			if err := c.toolUse(ToolRequest{ID: call.id, Name: call.name, Parameters: call.args.String()}); err != nil {
				return err
			}
		}
		return nil
	}

	for stream.Next() {
		chunk := stream.Current()
		c.begin()
		for _, ch := range chunk.Choices {
			if err := c.text(ch.Delta.Content); err != nil {
				return nil, streamError(ctx, err, "OpenAI stream aborted")
			}
			for _, tc := range ch.Delta.ToolCalls {
				call, ok := agg[tc.Index]
				if !ok {
					call = &toolCallAgg{}
					agg[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}
			if ch.FinishReason != "" {
				if err := flush(); err != nil {
					return nil, streamError(ctx, err, "OpenAI stream aborted")
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, streamError(ctx, err, "failed to stream completion from OpenAI")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	// Some compatible servers end the stream without a finish reason.
	if err := flush(); err != nil {
		return nil, streamError(ctx, err, "OpenAI stream aborted")
	}
	return c.response(), nil
}

// convertMessagesToOpenAIMessages converts a conversation to chat messages.
// Each tool result becomes its own tool message.
func convertMessagesToOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Parameters
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID:       tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{Name: tc.Name, Arguments: args},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCall.ID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// convertToolsToOpenAITools converts our Tool interface to OpenAI function tools.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(ts))
	for _, t := range ts {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(tools.InputSchema(t)),
		}))
	}
	return out
}
