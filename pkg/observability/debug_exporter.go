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

package observability

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter is a SpanExporter that keeps recent span data in memory
// for diagnostic endpoints. Thread-safe for concurrent reads and writes.
type DebugExporter struct {
	mu      sync.RWMutex
	spans   map[string]*DebugSpan // keyed by span ID
	byTrace map[string][]*DebugSpan
	maxSize int
}

// DebugSpan contains captured span information for debugging.
type DebugSpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes"`
	Events       []SpanEvent       `json:"events,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// SpanEvent represents an event recorded on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	TimeUnix   int64             `json:"time_unix_nano"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewDebugExporter creates a new DebugExporter retaining the last 1000 spans.
func NewDebugExporter() *DebugExporter {
	return &DebugExporter{
		spans:   make(map[string]*DebugSpan),
		byTrace: make(map[string][]*DebugSpan),
		maxSize: 1000,
	}
}

// WithMaxSize sets the maximum number of spans to retain.
func (e *DebugExporter) WithMaxSize(size int) *DebugExporter {
	e.maxSize = size
	return e
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *DebugExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		if !e.shouldCapture(span.Name()) {
			continue
		}

		rec := convertSpanRecord(span)
		ds := &DebugSpan{
			TraceID:      rec.TraceID,
			SpanID:       rec.SpanID,
			ParentSpanID: rec.ParentSpanID,
			Name:         rec.Name,
			StartTime:    rec.StartTime,
			EndTime:      rec.EndTime,
			DurationMs:   rec.DurationMs,
			Attributes:   rec.Attributes,
			Events:       rec.Events,
			Status:       rec.Status,
			StatusMsg:    rec.StatusMsg,
		}

		e.spans[ds.SpanID] = ds
		e.byTrace[ds.TraceID] = append(e.byTrace[ds.TraceID], ds)
		e.evictOldest()
	}

	return nil
}

// shouldCapture returns true for span types worth retaining.
func (e *DebugExporter) shouldCapture(name string) bool {
	switch name {
	case SpanAgentRequest, SpanPlanGenerate, SpanStepExecute,
		SpanToolExecution, SpanSkillExecution, SpanLLMCall, SpanMemorySearch:
		return true
	default:
		return false
	}
}

// evictOldest removes excess spans. Caller must hold the write lock.
func (e *DebugExporter) evictOldest() {
	if len(e.spans) <= e.maxSize {
		return
	}

	excess := len(e.spans) - e.maxSize
	removed := 0
	for id, ds := range e.spans {
		if removed >= excess {
			break
		}
		delete(e.spans, id)
		byTrace := e.byTrace[ds.TraceID]
		for i, s := range byTrace {
			if s.SpanID == id {
				e.byTrace[ds.TraceID] = append(byTrace[:i], byTrace[i+1:]...)
				break
			}
		}
		if len(e.byTrace[ds.TraceID]) == 0 {
			delete(e.byTrace, ds.TraceID)
		}
		removed++
	}
}

// Shutdown implements sdktrace.SpanExporter.
func (e *DebugExporter) Shutdown(ctx context.Context) error {
	e.Clear()
	return nil
}

// GetSpan returns a span by its span ID.
func (e *DebugExporter) GetSpan(spanID string) *DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spans[spanID]
}

// GetSpansByTrace returns all captured spans for a trace ID.
func (e *DebugExporter) GetSpansByTrace(traceID string) []*DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*DebugSpan(nil), e.byTrace[traceID]...)
}

// GetSpansByName returns all spans with the given name.
func (e *DebugExporter) GetSpansByName(name string) []*DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var result []*DebugSpan
	for _, span := range e.spans {
		if span.Name == name {
			result = append(result, span)
		}
	}
	return result
}

// Clear removes all captured spans.
func (e *DebugExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = make(map[string]*DebugSpan)
	e.byTrace = make(map[string][]*DebugSpan)
}

// Count returns the number of captured spans.
func (e *DebugExporter) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.spans)
}

var _ sdktrace.SpanExporter = (*DebugExporter)(nil)
