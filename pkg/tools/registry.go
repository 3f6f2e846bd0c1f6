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

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/registry"
)

// Entry associates a tool with its source.
type Entry struct {
	Tool       Tool
	SourceType string // "native" or "mcp"
}

// Registry is the process-wide tool template. Per-request registries
// are derived with Scoped and never mutate the template.
type Registry struct {
	*registry.BaseRegistry[Entry]

	toolTimeout time.Duration

	// denied records template tools a permission filter removed, so a
	// lookup can distinguish "not permitted" from "never existed".
	denied map[string]bool
}

func NewRegistry(toolTimeout time.Duration) *Registry {
	if toolTimeout <= 0 {
		toolTimeout = 120 * time.Second
	}
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Entry](),
		toolTimeout:  toolTimeout,
	}
}

// RegisterNative adds a native tool to the template.
func (r *Registry) RegisterNative(tool Tool) error {
	if tool.Name() == "" {
		return NewRegistryError("Registry", "RegisterNative", "tool name cannot be empty", nil)
	}
	return r.Register(tool.Name(), Entry{Tool: tool, SourceType: "native"})
}

// RegisterMCP adds an MCP-provided tool to the template or a scoped clone.
func (r *Registry) RegisterMCP(tool Tool) error {
	if tool.Name() == "" {
		return NewRegistryError("Registry", "RegisterMCP", "tool name cannot be empty", nil)
	}
	if _, exists := r.Get(tool.Name()); exists {
		slog.Warn("Tool name conflict, skipping MCP tool", "tool", tool.Name())
		return nil
	}
	return r.Register(tool.Name(), Entry{Tool: tool, SourceType: "mcp"})
}

// PermissionFilter reports whether a tool is allowed for the scoping
// context. Built from ToolPermission rows at request time.
type PermissionFilter func(toolName string) bool

// Scoped clones the template, keeping only tools the filter allows.
// The clone shares tool instances but owns its entry table, so MCP
// discoveries for one request never leak into another.
func (r *Registry) Scoped(filter PermissionFilter) *Registry {
	scoped := NewRegistry(r.toolTimeout)
	for _, name := range r.Names() {
		entry, ok := r.Get(name)
		if !ok {
			continue
		}
		if filter != nil && !filter(name) {
			if scoped.denied == nil {
				scoped.denied = make(map[string]bool)
			}
			scoped.denied[name] = true
			continue
		}
		// Scoped clones may legitimately re-register after MCP refresh.
		_ = scoped.Replace(name, entry)
	}
	return scoped
}

// GetTool resolves a tool by name. A tool removed by the permission
// filter resolves to ErrNotPermitted, not ErrNotFound.
func (r *Registry) GetTool(name string) (Tool, error) {
	entry, exists := r.Get(name)
	if !exists {
		if r.denied[name] {
			return nil, fmt.Errorf("%w: %s", ErrNotPermitted, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry.Tool, nil
}

// Catalogue returns (name, description) pairs for planner prompts.
type CatalogueEntry struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func (r *Registry) Catalogue() []CatalogueEntry {
	var out []CatalogueEntry
	for _, name := range r.Names() {
		entry, ok := r.Get(name)
		if !ok {
			continue
		}
		out = append(out, CatalogueEntry{
			Name:        name,
			Description: entry.Tool.Description(),
			Parameters:  entry.Tool.Parameters(),
		})
	}
	return out
}

// Execute runs one tool call under the registry's timeout and the
// caller's limiter. The returned string follows the tool output
// contract; the error carries the sentinel classification.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]any, ambient Ambient, limiter *CallLimiter) (string, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("kestrel.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, toolName),
			attribute.String(observability.AttrContextID, ambient.ContextID),
		),
	)
	defer span.End()

	recordErr := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordToolExecution(ctx, toolName, time.Since(startTime), err)
		}
	}

	tool, err := r.GetTool(toolName)
	if err != nil {
		recordErr(err)
		return ErrorOutput(fmt.Sprintf("tool %q is not available", toolName)), err
	}

	if !limiter.Allow(toolName) {
		err := fmt.Errorf("%w: %s exceeded %d calls in this step window", ErrRateLimited, toolName, limiter.Count(toolName))
		recordErr(err)
		return ErrorOutput(fmt.Sprintf("rate limit reached for %q, try a different approach", toolName)), err
	}

	merged := injectAmbient(ctx, tool, args, ambient)

	// Sanitized copy only for the span; the tool sees real values.
	for k, v := range SanitizeArgs(merged) {
		span.SetAttributes(attribute.String("tool.arg."+k, fmt.Sprintf("%v", v)))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	output, err := runSafely(callCtx, tool, merged, ambient)
	duration := time.Since(startTime)

	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w after %s: %s", ErrTimeout, r.toolTimeout, toolName)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %s", ErrTimeout, r.toolTimeout, toolName)
		}
		recordErr(err)
		if output == "" {
			output = ErrorOutput(err.Error())
		}
		return output, err
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, toolName, duration, nil)
	}
	span.SetStatus(codes.Ok, "success")
	span.SetAttributes(attribute.Int64("tool.duration_ms", duration.Milliseconds()))

	return output, nil
}

// runSafely guards the tool boundary: panics become tool failures.
func runSafely(ctx context.Context, tool Tool, args map[string]any, ambient Ambient) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
			output = ErrorOutput("internal tool failure")
		}
	}()
	return tool.Run(ctx, args, ambient)
}

// injectAmbient merges ambient values into args for every ambient
// parameter the tool's schema declares. Caller-provided args win.
// Token resolution runs under the caller's ctx so request deadlines
// and cancellation reach the credential store.
func injectAmbient(ctx context.Context, tool Tool, args map[string]any, ambient Ambient) map[string]any {
	schema := tool.Parameters()
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return args
	}

	merged := make(map[string]any, len(args)+3)
	for k, v := range args {
		merged[k] = v
	}

	if _, declared := props[ParamWorkingDir]; declared && ambient.WorkingDir != "" {
		if _, set := merged[ParamWorkingDir]; !set {
			merged[ParamWorkingDir] = ambient.WorkingDir
		}
	}
	if _, declared := props[ParamUserEmail]; declared && ambient.UserEmail != "" {
		if _, set := merged[ParamUserEmail]; !set {
			merged[ParamUserEmail] = ambient.UserEmail
		}
	}
	if _, declared := props[ParamOAuthToken]; declared && ambient.OAuthToken != nil {
		if _, set := merged[ParamOAuthToken]; !set {
			// Provider is resolved by the tool via its own property; the
			// default provider matches the tool name.
			if token, err := ambient.OAuthToken(ctx, tool.Name()); err == nil && token != "" {
				merged[ParamOAuthToken] = token
			}
		}
	}

	return merged
}
