package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools/mcp"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Schemer is implemented by tools that describe their arguments as a JSON
// schema object.
type Schemer interface {
	Schema() map[string]interface{}
}

// InputSchema returns the JSON schema for t's arguments, or an open object
// schema when t does not declare one.
func InputSchema(t Tool) map[string]interface{} {
	if s, ok := t.(Schemer); ok {
		return s.Schema()
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// stringArgs builds an object schema whose properties are all strings.
func stringArgs(required []string, props map[string]string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, desc := range props {
		properties[name] = map[string]interface{}{"type": "string", "description": desc}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
}

// NewToolRegistry registers the built-in tools configured by cfg.
func NewToolRegistry(cfg *config.Config) *ToolRegistry {
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
	}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterMCPClient makes every tool of an MCP server addressable as
// "<server>.<tool>" in toolsets.
func (r *ToolRegistry) RegisterMCPClient(c *mcp.MCPClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpClients[c.Name] = c
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetActiveTools returns the tool instances for a given toolset. Entries of
// the form "<server>.<tool>" or "<server>.*" select tools of a registered MCP
// server.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	for _, toolName := range ts.Tools {
		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
			continue
		}

		server, name, isMCP := strings.Cut(toolName, ".")
		if !isMCP {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
		r.mu.RLock()
		client, ok := r.mcpClients[server]
		r.mu.RUnlock()
		if !ok {
			return nil, errors.New("mcp server '%s' for tool '%s' is not connected", server, toolName)
		}
		if name == "*" {
			for _, t := range client.Tools() {
				activeTools = append(activeTools, t)
			}
			continue
		}
		t, ok := client.GetTool(name)
		if !ok {
			return nil, errors.New("mcp server '%s' has no tool '%s'", server, name)
		}
		activeTools = append(activeTools, t)
	}
	return activeTools, nil
}

// Names lists the registered built-in tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Executor runs named tools with JSON-encoded parameters. It only knows the
// tools it was built with.
type Executor struct {
	tools map[string]Tool
}

// NewExecutor returns an Executor over ts.
func NewExecutor(ts []Tool) *Executor {
	e := &Executor{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		e.tools[t.Name()] = t
	}
	return e
}

// Execute decodes params as a JSON object and runs the named tool.
func (e *Executor) Execute(ctx context.Context, name, params string) (string, error) {
	t, ok := e.tools[name]
	if !ok {
		return "", errors.New("tool '%s' is not available", name)
	}
	args := map[string]interface{}{}
	if p := strings.TrimSpace(params); p != "" {
		if err := json.Unmarshal([]byte(p), &args); err != nil {
			return "", errors.Wrapf(err, "invalid parameters for tool '%s'", name)
		}
	}
	return t.Execute(ctx, args)
}

// Close stops every connected MCP server.
func (r *ToolRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, c := range r.mcpClients {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to stop mcp server '%s'", name)
		}
		delete(r.mcpClients, name)
	}
	return firstErr
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
// A pattern that is not a valid regex only matches the command verbatim.
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
