// Package observability exposes service metrics through OpenTelemetry with
// a Prometheus exporter mounted on the HTTP surface.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the service. The zero-value
// collector (metrics disabled) is safe to call; every record is a no-op.
type MetricsCollector struct {
	meter metric.Meter

	llmRequests metric.Int64Counter
	llmLatency  metric.Float64Histogram
	llmFallback metric.Int64Counter

	chatRequests metric.Int64Counter
	chatLatency  metric.Float64Histogram

	scrapeRequests metric.Int64Counter
	scrapeLatency  metric.Float64Histogram

	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram
}

// NewMetricsCollector creates the collector and registers the Prometheus
// exporter as the global meter provider reader.
func NewMetricsCollector() (*MetricsCollector, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("folio")

	c := &MetricsCollector{meter: meter}

	if c.llmRequests, err = meter.Int64Counter(
		"folio.llm.requests.total",
		metric.WithDescription("Total upstream LLM calls"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create llm requests counter: %w", err)
	}

	if c.llmLatency, err = meter.Float64Histogram(
		"folio.llm.latency",
		metric.WithDescription("Upstream LLM call latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create llm latency histogram: %w", err)
	}

	if c.llmFallback, err = meter.Int64Counter(
		"folio.llm.fallbacks.total",
		metric.WithDescription("Fallbacks from one routing layer to the next"),
		metric.WithUnit("{fallback}"),
	); err != nil {
		return nil, fmt.Errorf("create llm fallback counter: %w", err)
	}

	if c.chatRequests, err = meter.Int64Counter(
		"folio.chat.requests.total",
		metric.WithDescription("Total chat questions answered"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create chat requests counter: %w", err)
	}

	if c.chatLatency, err = meter.Float64Histogram(
		"folio.chat.latency",
		metric.WithDescription("End-to-end chat latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create chat latency histogram: %w", err)
	}

	if c.scrapeRequests, err = meter.Int64Counter(
		"folio.scrape.requests.total",
		metric.WithDescription("Total scrape requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create scrape requests counter: %w", err)
	}

	if c.scrapeLatency, err = meter.Float64Histogram(
		"folio.scrape.latency",
		metric.WithDescription("Scrape pipeline latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create scrape latency histogram: %w", err)
	}

	if c.httpRequests, err = meter.Int64Counter(
		"folio.http.requests.total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create http requests counter: %w", err)
	}

	if c.httpLatency, err = meter.Float64Histogram(
		"folio.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create http latency histogram: %w", err)
	}

	return c, nil
}

// Handler returns the Prometheus scrape handler for the /metrics route.
func (c *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// ObserveLLMRequest implements the router's observer hook.
func (c *MetricsCollector) ObserveLLMRequest(provider string, latency time.Duration, success bool) {
	if c == nil || c.llmRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	)
	c.llmRequests.Add(ctx, 1, attrs)
	c.llmLatency.Record(ctx, latency.Seconds(), attrs)
}

// ObserveFallback implements the router's observer hook.
func (c *MetricsCollector) ObserveFallback(from, to string) {
	if c == nil || c.llmFallback == nil {
		return
	}
	c.llmFallback.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordChat records one answered chat question.
func (c *MetricsCollector) RecordChat(provider string, fallbackUsed bool, latency time.Duration) {
	if c == nil || c.chatRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("fallback_used", fallbackUsed),
	)
	c.chatRequests.Add(ctx, 1, attrs)
	c.chatLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordScrape records one scrape request.
func (c *MetricsCollector) RecordScrape(success, cached bool, latency time.Duration) {
	if c == nil || c.scrapeRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Bool("cached", cached),
	)
	c.scrapeRequests.Add(ctx, 1, attrs)
	c.scrapeLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordHTTPRequest records one HTTP request for the gin middleware.
func (c *MetricsCollector) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	if c == nil || c.httpRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	c.httpRequests.Add(ctx, 1, attrs)
	c.httpLatency.Record(ctx, latency.Seconds(), attrs)
}
