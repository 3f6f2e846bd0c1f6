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
	"encoding/json"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileExporter writes span records as one JSON object per line to a
// size-rotated file. Span events are embedded in the record; attribute
// values are stringified, never null.
type FileExporter struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// spanRecord is the JSON-lines schema for a single span.
type spanRecord struct {
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

func NewFileExporter(path string, maxSizeMB int) (*FileExporter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 64
	}
	return &FileExporter{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 5,
			Compress:   true,
		},
	}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *FileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.writer)
	for _, span := range spans {
		if err := enc.Encode(convertSpanRecord(span)); err != nil {
			return err
		}
	}
	return nil
}

func convertSpanRecord(span sdktrace.ReadOnlySpan) spanRecord {
	startTime := span.StartTime().UnixNano()
	endTime := span.EndTime().UnixNano()

	rec := spanRecord{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  startTime,
		EndTime:    endTime,
		DurationMs: float64(endTime-startTime) / 1e6,
		Attributes: make(map[string]string),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}

	if span.Parent().HasSpanID() {
		rec.ParentSpanID = span.Parent().SpanID().String()
	}

	for _, attr := range span.Attributes() {
		rec.Attributes[string(attr.Key)] = attr.Value.AsString()
	}

	for _, event := range span.Events() {
		se := SpanEvent{
			Name:       event.Name,
			TimeUnix:   event.Time.UnixNano(),
			Attributes: make(map[string]string),
		}
		for _, attr := range event.Attributes {
			se.Attributes[string(attr.Key)] = attr.Value.AsString()
		}
		rec.Events = append(rec.Events, se)
	}

	return rec
}

// Shutdown implements sdktrace.SpanExporter.
func (e *FileExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writer.Close()
}

var _ sdktrace.SpanExporter = (*FileExporter)(nil)
