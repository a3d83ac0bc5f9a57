package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitTracer installs an OTLP-gRPC trace exporter for service and returns
// its shutdown func.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	exp, err := otlptracegrpc.New(ctx)
	if err != nil {
		otel.Handle(fmt.Errorf("taskmesh: init tracer: %w", err))
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL, semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Metrics holds the common cross-component instrument set.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics installs an OTLP-gRPC metric exporter for service, returning
// its shutdown func and the common instrument set.
func InitMetrics(ctx context.Context, service string) (func(context.Context) error, Metrics, error) {
	exp, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return func(context.Context) error { return nil }, Metrics{}, fmt.Errorf("taskmesh: init metrics: %w", err)
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL, semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	m, err := createCommonInstruments()
	return mp.Shutdown, m, err
}

func createCommonInstruments() (Metrics, error) {
	meter := otel.Meter("taskmesh")
	retryAttempts, err := meter.Int64Counter("taskmesh_retry_attempts_total")
	if err != nil {
		return Metrics{}, err
	}
	circuitTransitions, err := meter.Int64Counter("taskmesh_circuit_transitions_total")
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{RetryAttempts: retryAttempts, CircuitOpenTransitions: circuitTransitions}, nil
}

// Flush shuts a tracer provider down, discarding any error it returns.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	_ = shutdown(ctx)
}
