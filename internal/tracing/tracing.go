// Package tracing sets up the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/kenneth/credential-gateway/internal/config"
)

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

func newExporter(ctx context.Context, cfg config.TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OtlpEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Init installs a global tracer provider built from cfg. When tracing is
// disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg config.TracingConfig, version string, logger *logrus.Logger) (Shutdown, error) {
	return initWithWriter(ctx, cfg, version, logger, os.Stdout)
}

func initWithWriter(ctx context.Context, cfg config.TracingConfig, version string, logger *logrus.Logger, stdout io.Writer) (Shutdown, error) {
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg, stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRatio < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"exporter":       cfg.Exporter,
		"service_name":   cfg.ServiceName,
		"sampling_ratio": cfg.SamplingRatio,
	}).Info("Tracing initialized")
	return tp.Shutdown, nil
}
