package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/conductor/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  map[string]*MCPTool
	logger *zap.Logger
}

// NewMCPClient starts the MCP server subprocess, connects to it and lists
// the tools it offers.
func NewMCPClient(ctx context.Context, name, command string, args []string, logger *zap.Logger) (*MCPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "conductor", Version: "v1.0.0"}, nil)
	conn, err := sdkClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		killProcess(cmd)
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{
		Name:   name,
		cmd:    cmd,
		conn:   conn,
		tools:  make(map[string]*MCPTool),
		logger: logger.With(zap.String("mcp_server", name)),
	}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range list.Tools {
			client.tools[t.Name] = &MCPTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				client:      client,
			}
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	client.logger.Info("connected to MCP server", zap.Int("tools", len(client.tools)))
	return client, nil
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	tool, ok := c.tools[toolName]
	return tool, ok
}

// Tools returns every tool of the server ordered by name.
func (c *MCPClient) Tools() []*MCPTool {
	out := make([]*MCPTool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].toolName < out[j].toolName })
	return out
}

// Stop closes the session and terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server")
		return c.cmd.Process.Kill()
	}
	return nil
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// schemaMap converts whatever schema type the SDK uses into a plain JSON map.
func schemaMap(schema any) map[string]interface{} {
	out := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil || string(data) == "null" {
		return out
	}
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return out
	}
	if _, ok := decoded["properties"]; !ok {
		decoded["properties"] = map[string]interface{}{}
	}
	return decoded
}

// MCPTool represents a tool available from an external MCP server.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]interface{}
	client      *MCPClient
}

// Name returns the tool's name as the server reports it. Providers reject
// separators such as ':' in tool names, so the server prefix is not added.
func (t *MCPTool) Name() string {
	return t.toolName
}

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

// Schema returns the input schema the server declared for the tool.
func (t *MCPTool) Schema() map[string]interface{} {
	return t.schema
}

// Execute calls the tool on the MCP server and joins the text content of the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on '%s'", t.toolName, t.serverName)
	}
	var out strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.toolName, out.String())
	}
	return out.String(), nil
}
