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

// Package observability wires OpenTelemetry tracing and metrics for the
// orchestration core. Debug events ride on spans as span events; there
// is no second log pipeline.
package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`

	// TraceFile is the rotating JSON-lines span record stream.
	// Empty disables the file exporter.
	TraceFile string `yaml:"trace_file"`

	// TraceFileMaxSizeMB bounds a single trace file before rotation.
	TraceFileMaxSizeMB int `yaml:"trace_file_max_size_mb"`

	// Stdout enables a human-debuggable stdout exporter.
	Stdout bool `yaml:"stdout"`
}

// InitGlobalTracer installs the global tracer provider. The returned
// shutdown function flushes and closes all exporters.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig, debug *DebugExporter) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampling := cfg.SamplingRate
	if sampling <= 0 {
		sampling = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampling)),
		sdktrace.WithResource(res),
	}

	if cfg.TraceFile != "" {
		fileExp, err := NewFileExporter(cfg.TraceFile, cfg.TraceFileMaxSizeMB)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(fileExp))
	}

	if cfg.Stdout {
		stdoutExp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(stdoutExp))
	}

	if debug != nil {
		opts = append(opts, sdktrace.WithBatcher(debug))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
