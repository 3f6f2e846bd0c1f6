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

// Package memory provides context-scoped long term memory over a
// vector provider. Every operation is bound to a namespace derived
// from the owning context, so cross-tenant reads are structurally
// impossible rather than policy-checked.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/pkg/llms"
	"github.com/kestrelhq/kestrel/pkg/observability"
	"github.com/kestrelhq/kestrel/pkg/tools"
	"github.com/kestrelhq/kestrel/pkg/vector"
)

// Fragment is one stored memory.
type Fragment struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is the namespace-scoped memory service. Search failures are
// soft: the agent proceeds without memory and the degradation is
// recorded on the active span. Writes surface their errors.
type Store struct {
	provider vector.Provider
	embedder llms.Embedder
}

func NewStore(provider vector.Provider, embedder llms.Embedder) *Store {
	return &Store{provider: provider, embedder: embedder}
}

// namespaceFor derives the collection name for a context. Empty
// context ids are a programming error upstream and always rejected.
func namespaceFor(contextID string) (string, error) {
	if strings.TrimSpace(contextID) == "" {
		return "", fmt.Errorf("memory namespace requires a context id")
	}
	return "mem_" + contextID, nil
}

// Search returns the most relevant fragments for a query. A degraded
// backend yields an empty result, never an error.
func (s *Store) Search(ctx context.Context, contextID, query string, topK int) ([]tools.MemoryHit, error) {
	namespace, err := namespaceFor(contextID)
	if err != nil {
		return nil, err
	}

	tracer := observability.GetTracer("kestrel.memory")
	ctx, span := tracer.Start(ctx, observability.SpanMemorySearch,
		trace.WithAttributes(attribute.String(observability.AttrContextID, contextID)),
	)
	defer span.End()

	degrade := func(stage string, cause error) []tools.MemoryHit {
		slog.Warn("Memory search degraded", "context_id", contextID, "stage", stage, "error", cause)
		span.AddEvent(observability.EventMemoryDegraded, trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("error", cause.Error()),
		))
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return degrade("embed", err), nil
	}

	results, err := s.provider.Search(ctx, namespace, vec, topK)
	if err != nil {
		return degrade("search", err), nil
	}

	hits := make([]tools.MemoryHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, tools.MemoryHit{ID: r.ID, Content: r.Content, Score: r.Score})
	}
	span.SetAttributes(attribute.Int("memory.hits", len(hits)))
	return hits, nil
}

// Upsert stores a fragment and returns its id.
func (s *Store) Upsert(ctx context.Context, contextID, content string, metadata map[string]string) (string, error) {
	namespace, err := namespaceFor(contextID)
	if err != nil {
		return "", err
	}

	tracer := observability.GetTracer("kestrel.memory")
	ctx, span := tracer.Start(ctx, observability.SpanMemoryUpsert,
		trace.WithAttributes(attribute.String(observability.AttrContextID, contextID)),
	)
	defer span.End()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("memory embed failed: %w", err)
	}

	id := uuid.NewString()
	meta := map[string]any{
		"content":    content,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		meta[k] = v
	}

	if err := s.provider.Upsert(ctx, namespace, id, vec, meta); err != nil {
		return "", fmt.Errorf("memory write failed: %w", err)
	}
	return id, nil
}

// Delete removes one fragment.
func (s *Store) Delete(ctx context.Context, contextID, id string) error {
	namespace, err := namespaceFor(contextID)
	if err != nil {
		return err
	}
	return s.provider.Delete(ctx, namespace, id)
}

// Purge drops the whole namespace, used when a context is deleted.
func (s *Store) Purge(ctx context.Context, contextID string) error {
	namespace, err := namespaceFor(contextID)
	if err != nil {
		return err
	}
	return s.provider.DeleteCollection(ctx, namespace)
}

var _ tools.MemoryBackend = (*Store)(nil)
