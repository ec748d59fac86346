package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// KioskAttr names the resource attribute carrying the kiosk identifier.
const KioskAttr = attribute.Key("hallguide.kiosk")

// ProviderConfig describes the guide's telemetry pipeline.
type ProviderConfig struct {
	// ServiceName defaults to "hallguide".
	ServiceName    string
	ServiceVersion string

	// Kiosk identifies the hall screen this process drives. Several kiosks
	// usually scrape into one Prometheus, so it is attached to every series
	// and span when set.
	Kiosk string

	// TraceExporter receives finished spans. Nil keeps spans in process,
	// which is enough for trace-aware logs.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the share of new traces recorded, in (0, 1). Zero or
	// anything from 1 up samples every trace. Incoming sampled parents are
	// always honoured.
	SampleRatio float64

	// Registerer receives the Prometheus collectors. Nil means
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// InitProvider installs global meter and tracer providers for the guide:
// avatar and chat metrics go to Prometheus, spans to cfg.TraceExporter.
// The returned shutdown flushes both and joins their errors.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.SampleRatio < 0 {
		return nil, fmt.Errorf("observe: sample ratio %v must not be negative", cfg.SampleRatio)
	}
	res, err := guideResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []promexporter.Option
	if cfg.Registerer != nil {
		opts = append(opts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exp, err := promexporter.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	// Spans flush before the meter provider stops.
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func guideResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "hallguide"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Kiosk != "" {
		attrs = append(attrs, KioskAttr.String(cfg.Kiosk))
	}
	// OTEL_RESOURCE_ATTRIBUTES may add to these; the explicit ones win.
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio == 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
