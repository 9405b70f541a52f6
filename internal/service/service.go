// Package service implements the process-wide entry points spec.md 4.9
// names: the hooks a collector integration calls as hosts and dimensions
// come and go, plus the read-side anomaly query API. Grounded on the
// teacher's internal/app.Manager: same component-wiring constructor shape
// and RWMutex-guarded map of live children, narrowed from one process
// supervising PHP-FPM pools to one process supervising per-host detection
// fibers.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/dimension"
	"github.com/cboxdk/hostml-agent/internal/host"
	"github.com/cboxdk/hostml-agent/internal/pattern"
	"github.com/cboxdk/hostml-agent/internal/query"
	"github.com/cboxdk/hostml-agent/internal/storage"
	"github.com/cboxdk/hostml-agent/internal/telemetry"
)

// Store is the subset of AnomalyStore the service layer's read endpoints
// need.
type Store interface {
	AnomaliesInRange(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]storage.EventRow, error)
	AnomalyInfo(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]byte, error)
	Insert(name string, version int, hostUUID string, after, before int64, payload []byte) error
}

// MetricsPublisher matches host.MetricsPublisher; declared again here so
// callers can pass any implementation without importing internal/host.
type MetricsPublisher = host.MetricsPublisher

// Service owns every attached host's detection fiber and answers the
// process's external entry points.
type Service struct {
	cfg     config.DetectionConfig
	store   Store
	metrics MetricsPublisher
	logger  *zap.Logger
	events  *telemetry.EventEmitter

	hostsToSkip  pattern.Pattern
	chartsToSkip pattern.Pattern

	mu    sync.RWMutex
	hosts map[string]*hostEntry
}

type hostEntry struct {
	h      *host.Host
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Service ready to accept on_new_host calls.
func New(cfg config.DetectionConfig, store Store, metrics MetricsPublisher, events *telemetry.EventEmitter, logger *zap.Logger) *Service {
	return &Service{
		cfg:          cfg,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		events:       events,
		hostsToSkip:  pattern.Compile(cfg.HostsToSkip),
		chartsToSkip: pattern.Compile(cfg.ChartsToSkip),
		hosts:        make(map[string]*hostEntry),
	}
}

// OnNewHost constructs and starts a Host for hostID, unless hostID matches
// HostsToSkip (spec.md 4.9). Re-registering an already-attached host is a
// no-op.
func (s *Service) OnNewHost(hostID string) {
	if s.hostsToSkip.Match(hostID) {
		return
	}

	s.mu.Lock()
	if _, exists := s.hosts[hostID]; exists {
		s.mu.Unlock()
		return
	}
	h := host.New(hostID, s.cfg, s.store, s.metrics, s.logger.Named("host").With(zap.String("host", hostID)))
	ctx, cancel := context.WithCancel(context.Background())
	entry := &hostEntry{h: h, cancel: cancel, done: make(chan struct{})}
	s.hosts[hostID] = entry
	s.mu.Unlock()

	go func() {
		defer close(entry.done)
		if err := h.Start(ctx); err != nil && s.logger != nil {
			s.logger.Warn("host fiber terminated", zap.String("host", hostID), zap.Error(err))
		}
	}()

	if s.events != nil {
		s.events.EmitHostLifecycleEvent(context.Background(), hostID, telemetry.HostLifecycleEventDetails{Action: "attached"})
	}
}

// OnDeleteHost signals hostID's fibers to stop, waits for them to join,
// then drops it (spec.md 4.9).
func (s *Service) OnDeleteHost(hostID string) {
	s.mu.Lock()
	entry, ok := s.hosts[hostID]
	if ok {
		delete(s.hosts, hostID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	<-entry.done

	if s.events != nil {
		s.events.EmitHostLifecycleEvent(context.Background(), hostID, telemetry.HostLifecycleEventDetails{Action: "detached"})
	}
}

// OnNewDimension registers a Dimension backed by source under the owning
// host, unless chartID matches ChartsToSkip (spec.md 4.9). It is a no-op
// if the host is not currently attached.
func (s *Service) OnNewDimension(hostID, chartID, dimID string, source query.Source, seed int64) {
	if s.chartsToSkip.Match(chartID) {
		return
	}

	s.mu.RLock()
	entry, ok := s.hosts[hostID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	id := dimension.ID{HostID: hostID, ChartID: chartID, DimID: dimID}
	d := dimension.New(id, source, s.cfg, seed, s.logger.Named("dimension").With(zap.String("dimension", id.String())))
	entry.h.AddDimension(d)

	if s.events != nil {
		s.events.EmitDimensionLifecycleEvent(context.Background(), hostID, telemetry.DimensionLifecycleEventDetails{
			Action: "attached", DimensionID: id.String(),
		})
	}
}

// OnDeleteDimension removes a dimension from its owning host, if both are
// currently attached (spec.md 4.9).
func (s *Service) OnDeleteDimension(hostID, chartID, dimID string) {
	s.mu.RLock()
	entry, ok := s.hosts[hostID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	id := dimension.ID{HostID: hostID, ChartID: chartID, DimID: dimID}
	entry.h.RemoveDimension(id)

	if s.events != nil {
		s.events.EmitDimensionLifecycleEvent(context.Background(), hostID, telemetry.DimensionLifecycleEventDetails{
			Action: "detached", DimensionID: id.String(),
		})
	}
}

// IsAnomalous returns d's cached anomaly bit with no computation performed
// (spec.md 4.9); an unattached host or dimension reports false.
func (s *Service) IsAnomalous(hostID, chartID, dimID string) bool {
	s.mu.RLock()
	entry, ok := s.hosts[hostID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.h.IsAnomalous(dimension.ID{HostID: hostID, ChartID: chartID, DimID: dimID})
}

// GetAnomalyEvents delegates to the AnomalyStore's range query (spec.md 4.9
// get_anomaly_events).
func (s *Service) GetAnomalyEvents(ctx context.Context, hostID string, after, before int64) ([]storage.EventRow, error) {
	if before <= after {
		return nil, fmt.Errorf("invalid range: before (%d) must be greater than after (%d)", before, after)
	}
	return s.store.AnomaliesInRange(ctx, host.DetectorName, host.DetectorVersion, hostID, after, before)
}

// GetAnomalyEventInfo delegates to the AnomalyStore's aggregated query
// (spec.md 4.9 get_anomaly_event_info).
func (s *Service) GetAnomalyEventInfo(ctx context.Context, hostID string, after, before int64) ([]byte, error) {
	if before <= after {
		return nil, fmt.Errorf("invalid range: before (%d) must be greater than after (%d)", before, after)
	}
	return s.store.AnomalyInfo(ctx, host.DetectorName, host.DetectorVersion, hostID, after, before)
}

// HostSnapshot is the admin view of one attached host.
type HostSnapshot = host.Snapshot

// Snapshot returns a point-in-time view of every attached host, for the
// health/observability endpoint.
func (s *Service) Snapshot() []HostSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HostSnapshot, 0, len(s.hosts))
	for _, entry := range s.hosts {
		out = append(out, entry.h.Snapshot())
	}
	return out
}

// Shutdown stops every attached host and waits up to timeout for them to
// join.
func (s *Service) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	entries := make([]*hostEntry, 0, len(s.hosts))
	for _, entry := range s.hosts {
		entries = append(entries, entry)
	}
	s.hosts = make(map[string]*hostEntry)
	s.mu.Unlock()

	deadline := time.After(timeout)
	for _, entry := range entries {
		entry.cancel()
	}
	for _, entry := range entries {
		select {
		case <-entry.done:
		case <-deadline:
			return
		}
	}
}
