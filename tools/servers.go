package tools

import (
	"context"

	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools/mcp"
	"go.uber.org/zap"
)

// ConnectMCPServers starts every configured MCP server and registers it.
// Servers connected before a failure stay registered so Close stops them.
func (r *ToolRegistry) ConnectMCPServers(ctx context.Context, servers []config.MCPServer, logger *zap.Logger) error {
	for _, s := range servers {
		client, err := mcp.NewMCPClient(ctx, s.Name, s.Command, s.Args, logger)
		if err != nil {
			return errors.Wrapf(err, "failed to start mcp server '%s'", s.Name)
		}
		r.RegisterMCPClient(client)
	}
	return nil
}
