package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/ent0n29/faqflow"

type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	TraceFile      string
	MetricsFile    string
	MetricInterval time.Duration
}

// Telemetry holds the OpenTelemetry tracer and meter. Without export files
// both are no-ops.
type Telemetry struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown []func(context.Context) error
}

// NoopTelemetry returns telemetry that records nothing.
func NoopTelemetry() *Telemetry {
	return &Telemetry{
		Tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		Meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
}

// InitTelemetry exports spans and OTel metrics as JSON into rotated files.
func InitTelemetry(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	tel := NoopTelemetry()
	traceFile := strings.TrimSpace(cfg.TraceFile)
	metricsFile := strings.TrimSpace(cfg.MetricsFile)
	if traceFile == "" && metricsFile == "" {
		return tel, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "faqflow"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if traceFile != "" {
		w, err := rotatingFile(traceFile)
		if err != nil {
			return nil, err
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		tel.Tracer = tp.Tracer(instrumentationName)
		tel.shutdown = append(tel.shutdown, tp.Shutdown, func(context.Context) error { return w.Close() })
	}

	if metricsFile != "" {
		w, err := rotatingFile(metricsFile)
		if err != nil {
			return nil, err
		}
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		tel.Meter = mp.Meter(instrumentationName)
		tel.shutdown = append(tel.shutdown, mp.Shutdown, func(context.Context) error { return w.Close() })
	}

	return tel, nil
}

// Shutdown flushes pending spans and metrics and closes the export files.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
