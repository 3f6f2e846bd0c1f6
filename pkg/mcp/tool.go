package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelhq/kestrel/pkg/tools"
)

// PoolTool adapts one discovered MCP tool to the registry contract.
// Every call borrows a connection from the pool, so a server restart
// between calls is healed transparently.
type PoolTool struct {
	pool       *Pool
	serverName string
	name       string
	desc       string
	schema     map[string]any
}

func (t *PoolTool) Name() string        { return t.name }
func (t *PoolTool) Description() string { return t.desc }
func (t *PoolTool) ActivityHint() string {
	return "Using " + t.name
}

func (t *PoolTool) Parameters() map[string]any {
	return t.schema
}

func (t *PoolTool) Run(ctx context.Context, args map[string]any, ambient tools.Ambient) (string, error) {
	if err := tools.ValidateArgs(t.schema, args); err != nil {
		return tools.ErrorOutput(err.Error()), err
	}

	conn, err := t.pool.Get(ctx, ambient.ContextID, t.serverName)
	if err != nil {
		return tools.ErrorOutput(fmt.Sprintf("server %s is unavailable", t.serverName)), err
	}

	output, isError, err := conn.CallTool(ctx, t.name, args)
	if err != nil {
		return tools.ErrorOutput(err.Error()), err
	}
	if isError {
		// Protocol-level tool failure: surface as output contract error
		// without a Go error, the supervisor decides what to do.
		if !tools.IsErrorOutput(output) {
			output = tools.ErrorOutput(output)
		}
	}
	return output, nil
}

// Discover lists tools on every configured server and registers them
// on the given registry. It runs at startup under the process-level
// pool slot; unreachable servers are skipped, their tools simply
// absent this request.
func Discover(ctx context.Context, pool *Pool, registry *tools.Registry) {
	for name := range pool.cfg.Servers {
		conn, err := pool.Get(ctx, "", name)
		if err != nil {
			slog.Warn("Skipping MCP server during discovery", "server", name, "error", err)
			continue
		}

		list, err := conn.ListTools(ctx)
		if err != nil {
			slog.Warn("MCP tool listing failed", "server", name, "error", err)
			continue
		}

		for _, item := range list {
			adapted := &PoolTool{
				pool:       pool,
				serverName: name,
				name:       item.Name,
				desc:       item.Description,
				schema:     convertSchema(item.InputSchema),
			}
			if err := registry.RegisterMCP(adapted); err != nil {
				slog.Warn("Failed to register MCP tool", "server", name, "tool", item.Name, "error", err)
			}
		}
	}
}

func convertSchema(schema mcpproto.ToolInputSchema) map[string]any {
	props := make(map[string]any, len(schema.Properties))
	for k, v := range schema.Properties {
		props[k] = v
	}
	out := map[string]any{
		"type":       schema.Type,
		"properties": props,
	}
	if len(schema.Required) > 0 {
		required := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			required[i] = r
		}
		out["required"] = required
	}
	return out
}

var _ tools.Tool = (*PoolTool)(nil)
