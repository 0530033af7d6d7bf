package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests       metric.Int64Counter
	HTTPDuration       metric.Float64Histogram
	ScheduleRequests   metric.Int64Counter
	ConflictsDetected  metric.Int64Counter
	CycleRuns          metric.Int64Counter
	CycleDuration      metric.Float64Histogram
	EventsResolved     metric.Int64Counter
	DueNotifications   metric.Int64Counter
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	ActiveConnections  metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"pp_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"pp_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ScheduleRequests, err = meter.Int64Counter(
		"pp_schedule_requests_total",
		metric.WithDescription("Scheduling requests by outcome (accepted, rejected, error)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ConflictsDetected, err = meter.Int64Counter(
		"pp_conflicts_detected_total",
		metric.WithDescription("Scheduling conflicts detected by type"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleRuns, err = meter.Int64Counter(
		"pp_scheduler_cycle_runs_total",
		metric.WithDescription("Background scheduler cycle executions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"pp_scheduler_cycle_duration_seconds",
		metric.WithDescription("Background scheduler cycle duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsResolved, err = meter.Int64Counter(
		"pp_events_resolved_total",
		metric.WithDescription("Events mutated by the resolution engine, by action"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DueNotifications, err = meter.Int64Counter(
		"pp_due_notifications_total",
		metric.WithDescription("Events flagged as due for publication"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"pp_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"pp_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"pp_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordScheduleRequest(ctx context.Context, outcome string) {
	m.ScheduleRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordConflict(ctx context.Context, conflictType string) {
	m.ConflictsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", conflictType)))
}

func (m *Metrics) RecordCycle(ctx context.Context, duration time.Duration) {
	m.CycleRuns.Add(ctx, 1)
	m.CycleDuration.Record(ctx, duration.Seconds())
}

func (m *Metrics) RecordResolution(ctx context.Context, action string) {
	m.EventsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) RecordDueNotification(ctx context.Context, platform string) {
	m.DueNotifications.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}
