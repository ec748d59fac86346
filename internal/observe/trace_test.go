package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// globalTracer installs an in-memory tracer provider for the test.
func globalTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := globalTracer(t)

	ctx, span := StartSpan(context.Background(), "avatar.connect")
	if CorrelationID(ctx) == "" {
		t.Error("span context has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "avatar.connect" {
		t.Fatalf("spans = %+v, want one avatar.connect", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestFailSpan(t *testing.T) {
	exp := globalTracer(t)

	_, span := StartSpan(context.Background(), "chat.turn")
	FailSpan(span, errors.New("upstream closed the stream"))
	span.End()

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status.Code)
	}
	if got.Status.Description != "upstream closed the stream" {
		t.Errorf("description = %q", got.Status.Description)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", got.Events)
	}
}

func TestCorrelationID(t *testing.T) {
	globalTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "chat.turn")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation ID %s", id)
		}
		seen[id] = true
	}
}

func TestLogger(t *testing.T) {
	globalTracer(t)

	tests := []struct {
		name     string
		withSpan bool
	}{
		{name: "inside a span", withSpan: true},
		{name: "without a span", withSpan: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "chat.turn")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("chat turn stopped")

			out := buf.String()
			for _, key := range []string{"trace_id=", "span_id="} {
				if has := strings.Contains(out, key); has != tt.withSpan {
					t.Errorf("%s present = %v, want %v; log: %s", key, has, tt.withSpan, out)
				}
			}
		})
	}
}
