// Package observe provides application-wide observability primitives for
// hallguide: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/hallguide"

// Metrics holds all metric instruments for the application.
type Metrics struct {
	// ConnectDuration tracks how long a whole Connect call took, retries
	// included.
	ConnectDuration metric.Float64Histogram

	// ConnectAttempts counts engine connection attempts. Attribute:
	//   attribute.String("result", "success"|"retryable"|"fatal"|"cancelled")
	ConnectAttempts metric.Int64Counter

	// StatusTransitions counts connection status changes. Attribute:
	//   attribute.String("status", ...)
	StatusTransitions metric.Int64Counter

	// Utterances counts completed avatar utterances.
	Utterances metric.Int64Counter

	// SpeakErrors counts engine errors swallowed while speaking or changing
	// state.
	SpeakErrors metric.Int64Counter

	// ChatStreamDuration tracks the duration of one streamed reply.
	ChatStreamDuration metric.Float64Histogram

	// ChatTurns counts conversation turns. Attribute:
	//   attribute.String("outcome", "completed"|"stopped"|"error")
	ChatTurns metric.Int64Counter

	// ProviderRequests counts LLM provider calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts LLM provider failures by provider.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("name", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks live avatar engine sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets covers engine start-up, which includes asset download and
// the render wait.
var connectBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// streamBuckets covers a streamed model reply.
var streamBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("hallguide.avatar.connect.duration",
		metric.WithDescription("Duration of avatar connect calls including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("hallguide.avatar.connect.attempts",
		metric.WithDescription("Avatar engine connection attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("hallguide.avatar.status.transitions",
		metric.WithDescription("Avatar connection status changes by target status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("hallguide.avatar.utterances",
		metric.WithDescription("Completed avatar utterances."),
	); err != nil {
		return nil, err
	}
	if met.SpeakErrors, err = m.Int64Counter("hallguide.avatar.speak.errors",
		metric.WithDescription("Engine errors while speaking or switching state."),
	); err != nil {
		return nil, err
	}
	if met.ChatStreamDuration, err = m.Float64Histogram("hallguide.chat.stream.duration",
		metric.WithDescription("Duration of streamed model replies."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(streamBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatTurns, err = m.Int64Counter("hallguide.chat.turns",
		metric.WithDescription("Conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("hallguide.provider.requests",
		metric.WithDescription("LLM provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hallguide.provider.errors",
		metric.WithDescription("LLM provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("hallguide.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("hallguide.active_sessions",
		metric.WithDescription("Number of live avatar engine sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("hallguide.http.request.duration",
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

// RecordConnectAttempt counts one engine connection attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, result string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStatus counts a connection status transition.
func (m *Metrics) RecordStatus(ctx context.Context, status string) {
	m.StatusTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChatTurn counts a conversation turn and records its stream duration.
func (m *Metrics) RecordChatTurn(ctx context.Context, outcome string, d time.Duration) {
	m.ChatTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.ChatStreamDuration.Record(ctx, d.Seconds())
}

// RecordProviderRequest counts an LLM provider request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts an LLM provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("state", state),
		),
	)
}
