// Package telemetry also carries the operational event trail: structured,
// severity-tagged records of things that happen to the process itself
// (a host attaching, a dimension's training failing, a config reload)
// as distinct from the anomaly events internal/storage.AnomalyStore
// persists. Grounded on the teacher's EventEmitter in
// internal/telemetry/events.go, re-typed for this domain's event kinds.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType classifies an operational event.
type EventType string

const (
	EventTypeHostLifecycle      EventType = "host_lifecycle"
	EventTypeDimensionLifecycle EventType = "dimension_lifecycle"
	EventTypeTraining           EventType = "training"
	EventTypeConfiguration      EventType = "configuration"
	EventTypeHealthChange       EventType = "health_change"
)

// EventSeverity is the operational severity of an Event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is one structured operational record.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	HostID        string                 `json:"host_id,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// HostLifecycleEventDetails describes on_new_host / on_delete_host.
type HostLifecycleEventDetails struct {
	Action string `json:"action"` // "attached", "detached"
}

// DimensionLifecycleEventDetails describes on_new_dimension / on_delete_dimension.
type DimensionLifecycleEventDetails struct {
	Action      string `json:"action"` // "attached", "detached"
	DimensionID string `json:"dimension_id"`
}

// TrainingEventDetails describes the outcome of one dimension training pass.
type TrainingEventDetails struct {
	DimensionID string  `json:"dimension_id"`
	Outcome     string  `json:"outcome"` // "trained", "insufficient_data", "not_due", "failed"
	MeanDist    float64 `json:"mean_dist,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ConfigurationEventDetails describes a config validate/reload attempt.
type ConfigurationEventDetails struct {
	Action string   `json:"action"` // "validated", "reloaded"
	Errors []string `json:"errors,omitempty"`
}

// HealthChangeEventDetails describes a health state transition.
type HealthChangeEventDetails struct {
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Reason        string `json:"reason,omitempty"`
}

// EventStorage persists and retrieves operational events, independent of
// the anomaly event store.
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter narrows a GetEvents call.
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	HostID    string
	Type      EventType
	Severity  EventSeverity
	Limit     int
}

// EventEmitter emits operational events to a tracer, a logger, and
// optionally durable storage.
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
}

// NewEventEmitter returns an EventEmitter. storage may be nil, in which
// case events are logged and traced but not persisted.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{service: service, logger: logger, storage: storage}
}

// EmitHostLifecycleEvent emits an on_new_host/on_delete_host event.
func (e *EventEmitter) EmitHostLifecycleEvent(ctx context.Context, hostID string, details HostLifecycleEventDetails) error {
	return e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeHostLifecycle,
		Timestamp: time.Now(),
		HostID:    hostID,
		Summary:   fmt.Sprintf("host %s", details.Action),
		Details:   structToMap(details),
		Severity:  SeverityInfo,
	})
}

// EmitDimensionLifecycleEvent emits an on_new_dimension/on_delete_dimension event.
func (e *EventEmitter) EmitDimensionLifecycleEvent(ctx context.Context, hostID string, details DimensionLifecycleEventDetails) error {
	return e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeDimensionLifecycle,
		Timestamp: time.Now(),
		HostID:    hostID,
		Summary:   fmt.Sprintf("dimension %s %s", details.DimensionID, details.Action),
		Details:   structToMap(details),
		Severity:  SeverityInfo,
	})
}

// EmitTrainingEvent emits the outcome of a dimension training pass.
func (e *EventEmitter) EmitTrainingEvent(ctx context.Context, hostID string, details TrainingEventDetails) error {
	severity := SeverityInfo
	if details.Outcome == "failed" {
		severity = SeverityWarning
	}
	return e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeTraining,
		Timestamp: time.Now(),
		HostID:    hostID,
		Summary:   fmt.Sprintf("dimension %s training: %s", details.DimensionID, details.Outcome),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitConfigurationEvent emits a config validate/reload event.
func (e *EventEmitter) EmitConfigurationEvent(ctx context.Context, details ConfigurationEventDetails) error {
	severity := SeverityInfo
	if len(details.Errors) > 0 {
		severity = SeverityError
	}
	return e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeConfiguration,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("configuration %s", details.Action),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitHealthChangeEvent emits a health state transition.
func (e *EventEmitter) EmitHealthChangeEvent(ctx context.Context, details HealthChangeEventDetails) error {
	severity := SeverityInfo
	if details.NewState != "healthy" {
		severity = SeverityWarning
	}
	return e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeHealthChange,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("health changed from %s to %s", details.PreviousState, details.NewState),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

func (e *EventEmitter) emitEvent(ctx context.Context, event Event) error {
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service != nil && e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, "event.emit",
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.host_id", event.HostID),
				attribute.String("event.severity", string(event.Severity)),
				attribute.String("event.summary", event.Summary),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("failed to store operational event",
				zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)), zap.Error(err))
			return err
		}
	}

	e.logger.Info("event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("host_id", event.HostID),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)))

	return nil
}

// GetEvents retrieves events matching filter from storage.
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}
	return e.storage.GetEvents(ctx, filter)
}

func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}
