// Package tracing bootstraps the OpenTelemetry pipeline: an OTLP/gRPC
// exporter, resource attributes identifying the service, and W3C
// trace-context propagation.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// InitTracer wires the global tracer provider to the collector and installs
// the composite propagator. Callers must Shutdown the returned provider on
// exit so buffered spans flush.
func InitTracer(ctx context.Context, serviceName, environment, collectorAddr string) (*sdktrace.TracerProvider, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := newResource(serviceName, environment)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplerRatio()))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// newExporter dials the collector over TLS. OTEL_INSECURE_SKIP_VERIFY=true
// relaxes certificate checks for collectors behind self-signed certs.
func newExporter(ctx context.Context, collectorAddr string) (sdktrace.SpanExporter, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true" {
		tlsConfig.InsecureSkipVerify = true
	}

	conn, err := grpc.NewClient(collectorAddr, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("dial collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return exporter, nil
}

// newResource merges the service identity onto the SDK defaults.
func newResource(serviceName, environment string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

// samplerRatio reads OTEL_TRACES_SAMPLER_RATIO, defaulting to sampling
// everything. Values outside [0, 1] clamp.
func samplerRatio() float64 {
	raw := os.Getenv("OTEL_TRACES_SAMPLER_RATIO")
	if raw == "" {
		return 1
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
