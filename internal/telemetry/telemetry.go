// Package telemetry wires OpenTelemetry tracing for the broker. Without an
// OTLP endpoint spans go to the global no-op provider.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "credential-broker"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

var tracer trace.Tracer

// Init installs the tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.Endpoint == "" {
		tracer = otel.Tracer(cfg.ServiceName)
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(cfg.ServiceName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(defaultServiceName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AddSelectionAttributes records the routing target. The session key itself
// is client-supplied and stays out of traces.
func AddSelectionAttributes(span trace.Span, target, sessionKey string) {
	span.SetAttributes(
		attribute.String("broker.target", target),
		attribute.Bool("broker.session", sessionKey != ""),
	)
}

func AddCredentialAttributes(span trace.Span, poolID string, credentialID uint64) {
	span.SetAttributes(
		attribute.String("broker.pool_id", poolID),
		attribute.Int64("broker.credential_id", int64(credentialID)),
	)
}

func AddSessionAttribute(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool("broker.session_hit", hit))
}

func AddRefreshAttribute(span trace.Span, refreshed bool) {
	span.SetAttributes(attribute.Bool("broker.token_refreshed", refreshed))
}

func AddRequestID(span trace.Span, requestID string) {
	span.SetAttributes(attribute.String("http.request_id", requestID))
}

// AddErrorAttribute marks the span failed. A nil error is ignored.
func AddErrorAttribute(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
