// Package telemetry wires OpenTelemetry tracing for the triage service.
// Export is opt-in: without OTEL_EXPORTER_OTLP_ENDPOINT every helper is a
// no-op, so call sites never have to check whether tracing is on.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

var (
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
)

// Init configures the global tracer from OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_HEADERS. Returns a shutdown function that flushes
// pending spans; the function is safe to call when export is disabled.
func Init(serviceName string) (func(), error) {
	noop := func() {}

	endpoint := strings.TrimRight(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "/")
	if endpoint == "" {
		log.Println("OTEL_EXPORTER_OTLP_ENDPOINT is not set. Telemetry will not be exported.")
		return noop, nil
	}

	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))

	provider, err := newTracerProvider(serviceName, endpoint, headers)
	if err != nil {
		return noop, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}

	tp = provider
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)

	log.Printf("OpenTelemetry tracer initialized with endpoint: %s", endpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}, nil
}

// parseHeaders splits the comma-separated key=value OTLP header string.
// Keys are lowercased; malformed entries are skipped.
func parseHeaders(headersStr string) map[string]string {
	headers := make(map[string]string)
	for _, part := range strings.Split(headersStr, ",") {
		if !strings.Contains(part, "=") {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(strings.ToLower(kv[0]))
		if !isValidHeaderKey(key) {
			log.Printf("Skipping invalid header key: %s", key)
			continue
		}
		headers[key] = strings.TrimSpace(kv[1])
	}
	return headers
}

func isValidHeaderKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

func newTracerProvider(serviceName, endpoint string, headers map[string]string) (*sdktrace.TracerProvider, error) {
	ctx := metadata.NewOutgoingContext(context.Background(),
		metadata.New(headers))

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithTimeout(5 * time.Second),
	}

	// gRPC wants bare host:port. Strip the scheme and let it decide TLS;
	// anything without a scheme defaults to TLS.
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		if !strings.Contains(endpoint, ":") {
			endpoint += ":443"
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		if !strings.Contains(endpoint, ":") {
			endpoint += ":80"
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure())
	default:
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// StartSpan starts a named span, or returns the ambient span untouched when
// export is disabled.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attributes...))
}

// AddSpanError records a non-nil error on the current span.
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// AddSpanAttributes sets attributes on the current span.
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attributes...)
}
