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

// Package llms provides the LLM client abstraction used by the planner,
// the step executor, the supervisors, and the skill engine.
package llms

import (
	"context"

	"github.com/kestrelhq/kestrel/pkg/protocol"
)

// ToolDefinition describes a callable tool for the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StructuredOutputConfig requests JSON output conforming to a schema.
type StructuredOutputConfig struct {
	Name   string `json:"name,omitempty"`
	Schema any    `json:"schema,omitempty"`
}

// Request is one chat completion request.
type Request struct {
	Messages   []protocol.Message
	Tools      []ToolDefinition
	Structured *StructuredOutputConfig

	// Model overrides the client's default model when non-empty.
	Model string
}

// Response is a complete (non-streaming) chat result.
type Response struct {
	Text      string
	ToolCalls []protocol.ToolCall
	Usage     protocol.TokenUsage
}

// StreamChunk is one element of a streaming response.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Usage    protocol.TokenUsage
	Err      error
}

type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkThinking ChunkType = "thinking"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// Client is the request/response + streaming LLM abstraction.
// Implementations must translate provider failures into errors; rate
// limiting surfaces as *httpclient.RetryableError after retries.
type Client interface {
	// Chat performs a blocking completion.
	Chat(ctx context.Context, req Request) (*Response, error)

	// ChatStream returns a channel of chunks ending with ChunkDone or
	// ChunkError. The channel is closed after the terminal chunk.
	ChatStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// Model returns the default model name.
	Model() string

	// Close releases the underlying connection pool.
	Close() error
}
