package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/conductor/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var readGoMod = ToolRequest{ID: "toolu_1", Name: "read_file", Parameters: `{"path":"go.mod"}`}

// toolExchange is a completed request that used one tool, followed by a new prompt.
func toolExchange() Request {
	history := Exchange("read it", &Response{Content: "Reading", ToolRequests: []ToolRequest{readGoMod}},
		map[string]string{"toolu_1": "module x"})
	return Request{Prompt: "thanks", History: history}
}

type schemaTool struct {
	MockTool
	schema map[string]interface{}
}

func (s *schemaTool) Schema() map[string]interface{} { return s.schema }

func TestRequestMessages(t *testing.T) {
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, Request{Prompt: "hi"}.Messages())

	msgs := toolExchange().Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleTool, RoleUser},
		[]Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	assert.Equal(t, "module x", msgs[2].Content)
	assert.Equal(t, readGoMod, msgs[2].ToolCall)
	assert.Equal(t, "thanks", msgs[3].Content)
}

func TestExchangeWithoutResponse(t *testing.T) {
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, Exchange("hi", nil, nil))
}

func TestToolInput(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"path": "go.mod"}, toolInput(`{"path":"go.mod"}`))
	assert.Equal(t, map[string]interface{}{}, toolInput(""))
	assert.Equal(t, map[string]interface{}{}, toolInput("null"))
	assert.Equal(t, map[string]interface{}{}, toolInput("[1,2]"))
}

func TestConvertMessagesToAnthropicMessages(t *testing.T) {
	out := convertMessagesToAnthropicMessages(toolExchange().Messages())
	require.Len(t, out, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	require.Len(t, out[1].Content, 2)
	require.NotNil(t, out[1].Content[1].OfToolUse)
	assert.Equal(t, "toolu_1", out[1].Content[1].OfToolUse.ID)

	// The tool result and the next prompt share one user turn.
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	require.Len(t, out[2].Content, 2)
	require.NotNil(t, out[2].Content[0].OfToolResult)
	assert.Equal(t, "toolu_1", out[2].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, out[2].Content[1].OfText)
	assert.Equal(t, "thanks", out[2].Content[1].OfText.Text)
}

func TestConvertMessagesToBedrockMessages(t *testing.T) {
	out := convertMessagesToBedrockMessages(toolExchange().Messages())
	require.Len(t, out, 3)
	assert.Equal(t, types.ConversationRoleAssistant, out[1].Role)
	use, ok := out[1].Content[1].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "read_file", aws.ToString(use.Value.Name))

	assert.Equal(t, types.ConversationRoleUser, out[2].Role)
	require.Len(t, out[2].Content, 2)
	result, ok := out[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", aws.ToString(result.Value.ToolUseId))
}

func TestConvertMessagesToOpenAIMessages(t *testing.T) {
	out := convertMessagesToOpenAIMessages(toolExchange().Messages())
	require.Len(t, out, 4)
	require.NotNil(t, out[1].OfAssistant)
	require.Len(t, out[1].OfAssistant.ToolCalls, 1)
	call := out[1].OfAssistant.ToolCalls[0].OfFunction
	require.NotNil(t, call)
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, `{"path":"go.mod"}`, call.Function.Arguments)
	require.NotNil(t, out[2].OfTool)
	assert.Equal(t, "toolu_1", out[2].OfTool.ToolCallID)
	require.NotNil(t, out[3].OfUser)
}

func TestConvertMessagesToGeminiContent(t *testing.T) {
	out := convertMessagesToGeminiContent(toolExchange().History)
	require.Len(t, out, 3)
	assert.Equal(t, "model", out[1].Role)
	call, ok := out[1].Parts[1].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"path": "go.mod"}, call.Args)
	resp, ok := out[2].Parts[0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "read_file", resp.Name)
}

func TestSchemaRequired(t *testing.T) {
	assert.Equal(t, []string{"path"}, schemaRequired(map[string]interface{}{"required": []string{"path"}}))
	assert.Equal(t, []string{"a", "b"}, schemaRequired(map[string]interface{}{"required": []interface{}{"a", "b"}}))
	assert.Nil(t, schemaRequired(map[string]interface{}{}))
}

func TestAnthropicRequestCarriesHistoryAndRequired(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"content\":[],\"model\":\"claude-test\",\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":3,\"output_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	tool := &schemaTool{
		MockTool: MockTool{name: "read_file", description: "reads"},
		schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []string{"path"},
		},
	}
	p, err := NewAnthropicProvider(context.Background(), Options{Model: "claude-test", Tools: []tools.Tool{tool}}, option.WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.Request(context.Background(), toolExchange(), nil, nil)
	require.NoError(t, err)

	var sent struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string `json:"type"`
				ToolUseID string `json:"tool_use_id"`
			} `json:"content"`
		} `json:"messages"`
		Tools []struct {
			InputSchema struct {
				Required []string `json:"required"`
			} `json:"input_schema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(<-bodies, &sent))
	require.Len(t, sent.Messages, 3)
	assert.Equal(t, "assistant", sent.Messages[1].Role)
	assert.Equal(t, "tool_result", sent.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", sent.Messages[2].Content[0].ToolUseID)
	require.Len(t, sent.Tools, 1)
	assert.Equal(t, []string{"path"}, sent.Tools[0].InputSchema.Required)
}
