package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Span and attribute names for the training/detection pipeline.
const (
	TraceDimensionTrain   = "hostml.dimension.train"
	TraceDimensionPredict = "hostml.dimension.predict"
	TraceHostDetectTick   = "hostml.host.detect_tick"
	TraceAnomalyEventOpen = "hostml.event.persist"

	AttrHostID      = "hostml.host.id"
	AttrDimensionID = "hostml.dimension.id"
	AttrAnomalyBit  = "hostml.dimension.anomaly_bit"
	AttrScore       = "hostml.dimension.score"
	AttrHostRate    = "hostml.host.rate"
	AttrErrorType   = "hostml.error.type"
)

// TraceHelper wraps a tracer with span/attribute conventions for the
// train, predict and detection-tick operations. internal/dimension and
// internal/host do not call it.
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper returns a TraceHelper bound to serviceName's tracer.
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{tracer: otel.Tracer(serviceName)}
}

// StartSpan starts operationName with attrs already attached.
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

func (th *TraceHelper) recordError(span oteltrace.Span, err error, description string) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, description)
	span.RecordError(err, oteltrace.WithAttributes(attribute.String(AttrErrorType, description)))
}

// TraceDimensionTrainFunc wraps one dimension training pass in a span.
func (th *TraceHelper) TraceDimensionTrainFunc(ctx context.Context, dimensionID string, fn func(context.Context) error) error {
	ctx, span := th.StartSpan(ctx, TraceDimensionTrain, attribute.String(AttrDimensionID, dimensionID))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.recordError(span, err, "dimension training did not complete")
		return err
	}
	span.SetStatus(codes.Ok, "trained")
	return nil
}

// TraceDimensionPredictFunc wraps one dimension prediction pass in a span,
// recording the resulting score and anomaly bit as attributes.
func (th *TraceHelper) TraceDimensionPredictFunc(ctx context.Context, dimensionID string, fn func(context.Context) (float64, bool, error)) (float64, bool, error) {
	ctx, span := th.StartSpan(ctx, TraceDimensionPredict, attribute.String(AttrDimensionID, dimensionID))
	defer span.End()

	score, bit, err := fn(ctx)
	span.SetAttributes(attribute.Float64(AttrScore, score), attribute.Bool(AttrAnomalyBit, bit))

	if err != nil {
		th.recordError(span, err, "dimension prediction did not complete")
		return score, bit, err
	}
	span.SetStatus(codes.Ok, "predicted")
	return score, bit, nil
}

// TraceHostDetectTickFunc wraps one host-wide detection tick in a span,
// recording the recomputed host rate.
func (th *TraceHelper) TraceHostDetectTickFunc(ctx context.Context, hostID string, fn func(context.Context) (float64, error)) error {
	ctx, span := th.StartSpan(ctx, TraceHostDetectTick, attribute.String(AttrHostID, hostID))
	defer span.End()

	rate, err := fn(ctx)
	span.SetAttributes(attribute.Float64(AttrHostRate, rate))

	if err != nil {
		th.recordError(span, err, "host detection tick failed")
		return err
	}
	span.SetStatus(codes.Ok, "detected")
	return nil
}

// GetTraceHelper returns a TraceHelper bound to the service's tracer.
func (s *Service) GetTraceHelper() *TraceHelper {
	if !s.cfg.Enabled {
		return &TraceHelper{tracer: otel.Tracer("noop")}
	}
	return &TraceHelper{tracer: s.tracer}
}
