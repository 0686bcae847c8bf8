// Package telemetry provides OpenTelemetry tracing for paasctl.
// Tracing is disabled by default and enabled via environment variables.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	initOnce       sync.Once
	enabled        bool
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the OTLP collector endpoint (e.g. localhost:4317).
	OTLPEndpoint string
	// Debug enables the stdout trace exporter.
	Debug bool
}

// DefaultConfig reads telemetry settings from the environment.
func DefaultConfig() Config {
	return Config{
		ServiceName:    getEnvOrDefault("PAASCTL_SERVICE_NAME", "paasctl"),
		ServiceVersion: getEnvOrDefault("PAASCTL_VERSION", "dev"),
		Environment:    getEnvOrDefault("PAASCTL_ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Debug:          os.Getenv("PAASCTL_TRACE_DEBUG") == "1",
	}
}

// Init sets up tracing. Without an endpoint or debug flag the tracer is
// a noop and spans cost nothing.
func Init(cfg Config) error {
	var err error
	initOnce.Do(func() {
		err = initTracer(cfg)
	})
	return err
}

func initTracer(cfg Config) error {
	if cfg.OTLPEndpoint == "" && !cfg.Debug {
		tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		enabled = false
		return nil
	}

	enabled = true

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return err
	}

	var exporter sdktrace.SpanExporter
	if cfg.Debug {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(), // TODO: TLS config option
		)
		exporter, err = otlptrace.New(ctx, client)
		if err != nil {
			return err
		}
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)
	return nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

// IsEnabled reports whether tracing is active.
func IsEnabled() bool {
	return enabled
}

// Tracer returns the process tracer, noop when uninitialized.
func Tracer() trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("paasctl")
	}
	return tracer
}

// StartSpan starts a span with the given name.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// TraceSSH starts a span for remote command dispatch.
func TraceSSH(ctx context.Context, host, command string) (context.Context, trace.Span) {
	return StartSpan(ctx, "ssh.execute",
		trace.WithAttributes(
			attribute.String("ssh.host", host),
			attribute.String("ssh.command", truncate(command, 100)),
		),
	)
}

// TraceState starts a span for state-store operations.
func TraceState(ctx context.Context, operation, tenant string) (context.Context, trace.Span) {
	return StartSpan(ctx, "state."+operation,
		trace.WithAttributes(
			attribute.String("state.operation", operation),
			attribute.String("state.tenant", tenant),
		),
	)
}

// TraceSnapshot starts a span for snapshot operations.
func TraceSnapshot(ctx context.Context, operation, deploymentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "snapshot."+operation,
		trace.WithAttributes(
			attribute.String("snapshot.operation", operation),
			attribute.String("snapshot.deployment_id", deploymentID),
		),
	)
}

// TraceRollback starts a span for a rollback run.
func TraceRollback(ctx context.Context, tenant, deploymentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "rollback.execute",
		trace.WithAttributes(
			attribute.String("rollback.tenant", tenant),
			attribute.String("rollback.deployment_id", deploymentID),
		),
	)
}

// TraceDeploy starts a span for a service deployment.
func TraceDeploy(ctx context.Context, tenant, service string) (context.Context, trace.Span) {
	return StartSpan(ctx, "deploy.service",
		trace.WithAttributes(
			attribute.String("deploy.tenant", tenant),
			attribute.String("deploy.service", service),
		),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span != nil {
		span.RecordError(err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
