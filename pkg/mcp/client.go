// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcp pools connections to Model Context Protocol servers and
// adapts their tools to the registry contract.
package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelhq/kestrel/pkg/config"
)

const protocolVersion = "2024-11-05"

// Client wraps one mcp-go connection with the subset of operations the
// pool and the tool adapter need.
type Client struct {
	serverName string
	inner      *mcpclient.Client
}

// Connect establishes and initializes a connection for the configured
// transport. Stdio spawns the subprocess; streamable-http dials.
func Connect(ctx context.Context, serverName string, cfg config.MCPServerConfig) (*Client, error) {
	var (
		inner *mcpclient.Client
		err   error
	)

	if cfg.Command != "" || cfg.Transport == "stdio" {
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		inner, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to spawn MCP server %s: %w", serverName, err)
		}
	} else {
		inner, err = mcpclient.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP client for %s: %w", serverName, err)
		}
		if err := inner.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start MCP client for %s: %w", serverName, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kestrel",
		Version: "1.0.0",
	}

	if _, err := inner.Initialize(ctx, initReq); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("failed to initialize MCP server %s: %w", serverName, err)
	}

	return &Client{serverName: serverName, inner: inner}, nil
}

// Ping probes connection health.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// ListTools returns the server's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", c.serverName, err)
	}
	return resp.Tools, nil
}

// CallTool invokes one tool and flattens the result to text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("tool %s on %s failed: %w", name, c.serverName, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

func (c *Client) Close() error {
	return c.inner.Close()
}
