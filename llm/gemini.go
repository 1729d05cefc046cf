package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiProvider streams from the Google Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiProvider creates a new GeminiProvider.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiProvider(ctx context.Context, opts Options) (*GeminiProvider, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	model := client.GenerativeModel(opts.Model)
	model.SetMaxOutputTokens(int32(opts.maxTokens()))
	model.Tools = convertToolsToGeminiTools(opts.Tools)

	return &GeminiProvider{client: client, model: model}, nil
}

// Close releases the underlying client connection.
func (g *GeminiProvider) Close() error {
	return g.client.Close()
}

// Request streams generated content. Function calls arrive whole and are
// forwarded as tool-use chunks.
func (g *GeminiProvider) Request(ctx context.Context, req Request, onBegin func(), onChunk func(Chunk) error) (*Response, error) {
	cs := g.model.StartChat()
	cs.History = convertMessagesToGeminiContent(req.History)
	parts := []genai.Part{genai.Text(req.Prompt)}
	// Tool results close the history as a user turn; the prompt joins it.
	if n := len(cs.History); n > 0 && cs.History[n-1].Role == "user" {
		parts = append(cs.History[n-1].Parts, parts...)
		cs.History = cs.History[:n-1]
	}
	iter := cs.SendMessageStream(ctx, parts...)
	c := newCollector(onBegin, onChunk)
	calls := 0
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, streamError(ctx, err, "failed to stream content from Gemini")
		}
		c.begin()
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				err = c.text(string(v))
			case genai.FunctionCall:
				args, merr := json.Marshal(v.Args)
				if merr != nil {
					return nil, errors.Wrapf(merr, "failed to encode arguments for %s", v.Name)
				}
				calls++
				err = c.toolUse(ToolRequest{ID: geminiCallID(v.Name, calls), Name: v.Name, Parameters: string(args)})
			}
			if err != nil {
				return nil, streamError(ctx, err, "Gemini stream aborted")
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	return c.response(), nil
}

// Gemini function calls carry no ID, so one is derived from the call order.
func geminiCallID(name string, n int) string {
	return fmt.Sprintf("call_%d_%s", n, name)
}

// convertMessagesToGeminiContent converts a conversation to Gemini contents.
// Tool results are sent back as function responses in a user turn.
func convertMessagesToGeminiContent(msgs []Message) []*genai.Content {
	var contents []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: toolInput(tc.Parameters)})
			}
			add("model", parts...)
		case RoleTool:
			add("user", genai.FunctionResponse{
				Name:     msg.ToolCall.Name,
				Response: map[string]interface{}{"result": msg.Content},
			})
		default:
			add("user", genai.Text(msg.Content))
		}
	}
	return contents
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(tools.InputSchema(tool)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// geminiSchema maps the flat object schemas our tools declare onto genai.Schema.
func geminiSchema(schema map[string]interface{}) *genai.Schema {
	out := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range props {
		prop, _ := raw.(map[string]interface{})
		s := &genai.Schema{Type: genai.TypeString}
		if desc, ok := prop["description"].(string); ok {
			s.Description = desc
		}
		switch prop["type"] {
		case "integer":
			s.Type = genai.TypeInteger
		case "number":
			s.Type = genai.TypeNumber
		case "boolean":
			s.Type = genai.TypeBoolean
		}
		out.Properties[name] = s
	}
	out.Required = schemaRequired(schema)
	return out
}
