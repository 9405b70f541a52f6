// Package telemetry sets up OpenTelemetry tracing for the process and
// provides span helpers for the training and detection operations
// (SPEC_FULL.md's AMBIENT STACK); the host fibers themselves do not open
// spans. Grounded on the
// teacher's internal/telemetry/telemetry.go: same resource/exporter/sampler
// wiring, narrowed to the two exporters the teacher actually configures
// (stdout, OTLP over HTTP) and re-keyed off internal/config.TelemetryConfig
// instead of a private telemetry.Config.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
)

// Service manages the OpenTelemetry tracer provider for one process.
type Service struct {
	cfg      config.TelemetryConfig
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService builds a Service from cfg. A disabled config returns a Service
// whose Tracer() is a safe no-op, so callers never need to branch on
// cfg.Enabled themselves.
func NewService(cfg config.TelemetryConfig, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Service{cfg: cfg, logger: logger}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampler := trace.TraceIDRatioBased(cfg.SamplingRate)
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	tracer := provider.Tracer(cfg.ServiceName)

	logger.Info("telemetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.Float64("sampling_rate", cfg.SamplingRate))

	return &Service{cfg: cfg, logger: logger, provider: provider, tracer: tracer}, nil
}

func createExporter(cfg config.TelemetryConfig) (trace.SpanExporter, error) {
	if cfg.OTLPEndpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
}

// Stop shuts down the provider, flushing any buffered spans.
func (s *Service) Stop(ctx context.Context) error {
	if !s.cfg.Enabled || s.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shut down telemetry provider", zap.Error(err))
		return err
	}
	return nil
}

// Tracer returns the process tracer, or a no-op tracer when telemetry is
// disabled.
func (s *Service) Tracer() oteltrace.Tracer {
	if s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled reports whether telemetry export is active.
func (s *Service) IsEnabled() bool {
	return s.cfg.Enabled
}
