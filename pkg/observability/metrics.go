package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordRequest(ctx context.Context, route string, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordReplan(ctx context.Context)
}

type PrometheusMetrics struct {
	requestDuration    metric.Float64Histogram
	requestsTotal      metric.Int64Counter
	requestErrorsTotal metric.Int64Counter
	requestTokensTotal metric.Int64Counter
	replansTotal       metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter
}

// InitMetrics creates a meter provider backed by the Prometheus
// exporter, registers the core instruments, and installs them as the
// process-global Metrics. The returned registry serves /metrics.
func InitMetrics(serviceName string) (*promclient.Registry, error) {
	registry := promclient.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(serviceName)

	m := &PrometheusMetrics{}

	if m.requestDuration, err = meter.Float64Histogram("kestrel_request_duration_seconds"); err != nil {
		return nil, err
	}
	if m.requestsTotal, err = meter.Int64Counter("kestrel_requests_total"); err != nil {
		return nil, err
	}
	if m.requestErrorsTotal, err = meter.Int64Counter("kestrel_request_errors_total"); err != nil {
		return nil, err
	}
	if m.requestTokensTotal, err = meter.Int64Counter("kestrel_request_tokens_total"); err != nil {
		return nil, err
	}
	if m.replansTotal, err = meter.Int64Counter("kestrel_replans_total"); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("kestrel_tool_duration_seconds"); err != nil {
		return nil, err
	}
	if m.toolCallsTotal, err = meter.Int64Counter("kestrel_tool_calls_total"); err != nil {
		return nil, err
	}
	if m.toolErrorsTotal, err = meter.Int64Counter("kestrel_tool_errors_total"); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("kestrel_llm_duration_seconds"); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter("kestrel_llm_input_tokens_total"); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter("kestrel_llm_output_tokens_total"); err != nil {
		return nil, err
	}
	if m.llmErrorsTotal, err = meter.Int64Counter("kestrel_llm_errors_total"); err != nil {
		return nil, err
	}

	SetGlobalMetrics(m)
	return registry, nil
}

func (m *PrometheusMetrics) RecordRequest(ctx context.Context, route string, duration time.Duration, tokens int, err error) {
	if m == nil || m.requestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("route", route))

	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)

	if tokens > 0 {
		m.requestTokensTotal.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.requestErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tool", tool))

	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)

	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))

	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)

	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordReplan(ctx context.Context) {
	if m == nil || m.replansTotal == nil {
		return
	}
	m.replansTotal.Add(ctx, 1)
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
