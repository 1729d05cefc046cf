package llm

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
)

// BedrockProvider streams Anthropic models hosted on AWS Bedrock through the
// ConverseStream API.
type BedrockProvider struct {
	client    *bedrockruntime.Client
	modelID   string
	region    string
	maxTokens int64
	tools     []tools.Tool
}

// NewBedrockProvider creates a BedrockProvider.
// It requires AWS credentials to be configured in the environment.
func NewBedrockProvider(ctx context.Context, opts Options) (*BedrockProvider, error) {
	region := opts.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	// A custom endpoint is useful for testing against a local stub.
	endpoint := os.Getenv("BEDROCK_ENDPOINT_URL")
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &BedrockProvider{
		client:    client,
		modelID:   opts.Model,
		region:    region,
		maxTokens: opts.maxTokens(),
		tools:     opts.Tools,
	}, nil
}

// Request opens a ConverseStream and forwards its content blocks.
func (b *BedrockProvider) Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(b.modelID),
		Messages:        convertMessagesToBedrockMessages(req.Messages()),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(b.maxTokens))},
		ToolConfig:      bedrockToolConfig(b.tools),
	}

	out, err := b.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, streamError(ctx, err, "failed to open Bedrock stream for model %s in %s", b.modelID, b.region)
	}
	stream := out.GetStream()
	defer stream.Close()

	c := newCollector(onBegin, onChunk)
	c.begin()
	if err := consumeConverseStream(ctx, stream.Events(), c); err != nil {
		return nil, err
	}
	if err := stream.Err(); err != nil {
		return nil, streamError(ctx, err, "Bedrock stream failed")
	}
	return c.response(), nil
}

// pendingToolUse collects the input fragments of one tool-use content block.
type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// consumeConverseStream drains events until the channel closes, the message
// stops, or ctx is done.
func consumeConverseStream(ctx context.Context, events <-chan types.ConverseStreamOutput, c *collector) error {
	pending := map[int32]*pendingToolUse{}
	for {
		var ev types.ConverseStreamOutput
		var ok bool
		select {
		case <-ctx.Done():
			return errors.Cancelled(ctx.Err())
		case ev, ok = <-events:
		}
		if !ok {
			return nil
		}

		switch e := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				pending[aws.ToInt32(e.Value.ContentBlockIndex)] = &pendingToolUse{
					id:   aws.ToString(start.Value.ToolUseId),
					name: aws.ToString(start.Value.Name),
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if err := c.text(d.Value); err != nil {
					return streamError(ctx, err, "Bedrock stream aborted")
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if p, ok := pending[aws.ToInt32(e.Value.ContentBlockIndex)]; ok {
					p.input.WriteString(aws.ToString(d.Value.Input))
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			idx := aws.ToInt32(e.Value.ContentBlockIndex)
			p, ok := pending[idx]
			if !ok {
				continue
			}
			delete(pending, idx)
			tr := ToolRequest{ID: p.id, Name: p.name, Parameters: p.input.String()}
			if err := c.toolUse(tr); err != nil {
				return streamError(ctx, err, "Bedrock stream aborted")
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			return nil
		}
	}
}

// convertMessagesToBedrockMessages converts a conversation to Converse
// messages, merging consecutive turns that share a role.
func convertMessagesToBedrockMessages(msgs []Message) []types.Message {
	var out []types.Message
	add := func(role types.ConversationRole, blocks ...types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			var blocks []types.ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(toolInput(tc.Parameters)),
				}})
			}
			add(types.ConversationRoleAssistant, blocks...)
		case RoleTool:
			add(types.ConversationRoleUser, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCall.ID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
			}})
		default:
			add(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: msg.Content})
		}
	}
	return out
}

func bedrockToolConfig(ts []tools.Tool) *types.ToolConfiguration {
	if len(ts) == 0 {
		return nil
	}
	specs := make([]types.Tool, 0, len(ts))
	for _, t := range ts {
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name()),
			Description: aws.String(t.Description()),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(tools.InputSchema(t))},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}
}
