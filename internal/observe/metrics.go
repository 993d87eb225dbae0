// Package observe provides application-wide observability primitives for the
// Owl: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so they can be scraped from
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Owl metrics.
const meterName = "github.com/MrWong99/owl"

// Session start outcomes recorded on [Metrics.SessionStarts].
const (
	OutcomeOK          = "ok"
	OutcomeDevice      = "device_unavailable"
	OutcomeStreamOpen  = "stream_open_failed"
	OutcomeStopped     = "stopped"
	OutcomeBusy        = "busy"
	OutcomeOtherFailed = "error"
)

// Metrics holds all OpenTelemetry instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Providers ---

	// ProviderDuration tracks provider call latency. Attributes: provider, kind.
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Voice sessions ---

	// ActiveSessions tracks voice sessions between Start and teardown.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStarts counts Start attempts. Attribute: outcome.
	SessionStarts metric.Int64Counter

	// SessionErrors counts sessions ended by a stream error.
	SessionErrors metric.Int64Counter

	// ChunksSent counts captured audio chunks delivered to the model.
	ChunksSent metric.Int64Counter

	// UnitsScheduled counts inbound audio chunks scheduled for playback.
	UnitsScheduled metric.Int64Counter

	// PlaybackSeconds accumulates the duration of scheduled audio.
	PlaybackSeconds metric.Float64Counter

	// Interruptions counts barge-in signals.
	Interruptions metric.Int64Counter

	// PayloadsDropped counts inbound audio payloads that could not be decoded.
	PayloadsDropped metric.Int64Counter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for model round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderDuration, err = m.Float64Histogram("owl.provider.duration",
		metric.WithDescription("Latency of provider calls by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("owl.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("owl.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("owl.voice.active_sessions",
		metric.WithDescription("Number of voice sessions currently holding the microphone."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("owl.voice.session_starts",
		metric.WithDescription("Voice session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("owl.voice.session_errors",
		metric.WithDescription("Voice sessions ended by a stream error."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("owl.voice.chunks_sent",
		metric.WithDescription("Captured audio chunks sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.UnitsScheduled, err = m.Int64Counter("owl.voice.units_scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSeconds, err = m.Float64Counter("owl.voice.playback",
		metric.WithDescription("Duration of scheduled model audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("owl.voice.interruptions",
		metric.WithDescription("Barge-in interruptions received from the model."),
	); err != nil {
		return nil, err
	}
	if met.PayloadsDropped, err = m.Int64Counter("owl.voice.payloads_dropped",
		metric.WithDescription("Inbound audio payloads skipped as malformed."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("owl.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// ObserveProvider records the latency, request and error metrics of one
// provider call that began at start and returned err.
func (m *Metrics) ObserveProvider(ctx context.Context, provider, kind string, start time.Time, err error) {
	m.ProviderDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status)
}

// RecordSessionStart increments the session start counter for outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, outcome string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
