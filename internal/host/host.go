// Package host implements one monitored machine's training and detection
// fibers (spec.md 4.7): a dimension map guarded by a reader-writer lock,
// a host-wide rolling bit window turning anomaly rates into events, and
// the two long-running loops that drive both. Grounded on the
// errgroup-coordinated component lifecycle in the teacher's
// internal/app.Manager.Run and the per-pool round-robin walk in
// internal/autoscaler/manager.go.
package host

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/dimension"
	"github.com/cboxdk/hostml-agent/internal/rolling"
)

// DetectorName and DetectorVersion identify this engine's output in
// AnomalyStore records, distinguishing them from any other detector that
// might someday write to the same store.
const (
	DetectorName    = "hostml-agent"
	DetectorVersion = 1
)

const detectionTickInterval = 1 * time.Second

// Store is the persistence contract Host needs from AnomalyStore (spec.md
// 4.8); a narrow interface so Host tests do not need a real database.
type Store interface {
	Insert(name string, version int, hostUUID string, after, before int64, payload []byte) error
}

// MetricsPublisher is the telemetry contract Host needs to emit the
// per-tick host chart (spec.md 6). Implementations must not block.
type MetricsPublisher interface {
	PublishHostRate(hostID string, total, anomalous int, ratePercent float64)
	PublishDimension(hostID, dimensionID string, score float64, anomalous bool)
}

// DimensionRate is one entry of a persisted anomaly event's payload: a
// dimension id and its anomaly-bit fraction over the closing window.
type DimensionRate struct {
	DimensionID string  `json:"dimension_id"`
	Rate        float64 `json:"rate"`
}

// Host owns a set of Dimensions, a host-wide RollingBitWindow, the current
// host anomaly rate, and the training/detection task pair (spec.md 3, 4.7).
type Host struct {
	id      string
	cfg     config.DetectionConfig
	store   Store
	metrics MetricsPublisher
	logger  *zap.Logger

	dims   dimensionMap
	window *rolling.Window

	hostRate float64

	cancel context.CancelFunc
}

// New returns a Host for hostID, tuned by cfg. metrics may be nil.
func New(hostID string, cfg config.DetectionConfig, store Store, metrics MetricsPublisher, logger *zap.Logger) *Host {
	return &Host{
		id:      hostID,
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		logger:  logger,
		window:  rolling.NewWindow(cfg.ADWindowSize, cfg.ADWindowThreshold()),
	}
}

// ID returns the host's identity.
func (h *Host) ID() string { return h.id }

// HostRate returns the host anomaly rate as of the most recent detection
// tick.
func (h *Host) HostRate() float64 {
	h.dims.mu.RLock()
	defer h.dims.mu.RUnlock()
	return h.hostRate
}

// AddDimension registers d, replacing any existing dimension with the
// same id (on_new_dimension, spec.md 4.9).
func (h *Host) AddDimension(d *dimension.Dimension) {
	h.dims.mu.Lock()
	defer h.dims.mu.Unlock()
	if h.dims.byID == nil {
		h.dims.byID = make(map[dimension.ID]*dimension.Dimension)
	}
	h.dims.byID[d.ID()] = d
}

// RemoveDimension drops the dimension with id, if present
// (on_delete_dimension, spec.md 4.9).
func (h *Host) RemoveDimension(id dimension.ID) {
	h.dims.mu.Lock()
	defer h.dims.mu.Unlock()
	delete(h.dims.byID, id)
}

// Dimension looks up a dimension by id without affecting its state.
func (h *Host) Dimension(id dimension.ID) (*dimension.Dimension, bool) {
	h.dims.mu.RLock()
	defer h.dims.mu.RUnlock()
	d, ok := h.dims.byID[id]
	return d, ok
}

// IsAnomalous returns the cached anomaly bit for id, or false if id is not
// a registered dimension (spec.md 4.9 is_anomalous: "no computation").
func (h *Host) IsAnomalous(id dimension.ID) bool {
	d, ok := h.Dimension(id)
	if !ok {
		return false
	}
	return d.AnomalyBit()
}

// DimensionCount returns the number of registered dimensions.
func (h *Host) DimensionCount() int {
	h.dims.mu.RLock()
	defer h.dims.mu.RUnlock()
	return len(h.dims.byID)
}

// dimensionMap is the RWMutex-guarded map spec.md 4.7 requires: iteration
// (training walk, detection sweep) takes a read view; insert/remove take a
// write view.
type dimensionMap struct {
	mu   sync.RWMutex
	byID map[dimension.ID]*dimension.Dimension
}

// snapshot returns every registered dimension in a stable order (sorted by
// string id), for the training walk's round-robin fairness and the
// detection sweep's per-tick consistency.
func (h *Host) snapshot() []*dimension.Dimension {
	h.dims.mu.RLock()
	defer h.dims.mu.RUnlock()

	out := make([]*dimension.Dimension, 0, len(h.dims.byID))
	for _, d := range h.dims.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Start launches the training and detection fibers and blocks until ctx is
// cancelled or one of them returns an error. It mirrors the teacher's
// errgroup.WithContext lifecycle in internal/app.Manager.Run, scoped to
// one host's two fibers instead of the whole process' components.
func (h *Host) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.trainingLoop(gCtx) })
	g.Go(func() error { return h.detectionLoop(gCtx) })
	return g.Wait()
}

// Stop signals both fibers to terminate at the top of their next loop
// iteration or sleep (spec.md 5, cooperative cancellation).
func (h *Host) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// trainingLoop implements spec.md 4.7's training task: walk dimensions in
// round-robin order, stop on the first successful train, then pace itself
// to TrainEvery/(N+1) per tick regardless of host size.
func (h *Host) trainingLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		h.TrainOnce(start)

		n := h.DimensionCount()
		allotted := time.Duration(h.cfg.TrainEvery) * time.Second / time.Duration(n+1)
		elapsed := time.Since(start)
		if elapsed < allotted {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(allotted - elapsed):
			}
		}
	}
}

// TrainOnce runs one round-robin training pass: it walks the dimension
// snapshot in stable order and stops at the first dimension whose Train
// call succeeds. It is exported for deterministic testing of the walk and
// stop-on-success behaviour without depending on the loop's sleep pacing.
func (h *Host) TrainOnce(now time.Time) {
	for _, d := range h.snapshot() {
		err := h.trainDimension(d, now)
		if err == nil {
			return
		}
	}
}

func (h *Host) trainDimension(d *dimension.Dimension, now time.Time) error {
	err := d.Train(now)
	if err != nil && h.logger != nil {
		h.logger.Debug("dimension training did not complete",
			zap.String("dimension", d.ID().String()), zap.Error(err))
	}
	return err
}

// detectionLoop implements spec.md 4.7's detection task: after a short
// startup delay, run one detection tick every second until cancelled.
func (h *Host) detectionLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(config.DefaultStartupDelay):
	}

	ticker := time.NewTicker(detectionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.DetectOnce(now)
		}
	}
}

// DetectOnce runs exactly the five steps spec.md 4.7 lists for one
// detection tick and returns the host window edge crossed, so callers
// (tests, the detection loop) can inspect it without re-deriving state.
func (h *Host) DetectOnce(now time.Time) rolling.Edge {
	bit := h.HostRate() >= h.cfg.AnomalyRateThreshold
	edge, prevLength := h.window.Insert(bit)

	dims := h.snapshot()

	if edge.From == rolling.BelowThreshold && edge.To == rolling.BelowThreshold {
		for _, d := range dims {
			d.Reset()
		}
	}

	anomalous := 0
	for _, d := range dims {
		hit, err := d.Detect()
		if err != nil && h.logger != nil {
			h.logger.Debug("dimension detect did not complete",
				zap.String("dimension", d.ID().String()), zap.Error(err))
		}
		if hit {
			anomalous++
		}
		if h.metrics != nil {
			h.metrics.PublishDimension(h.id, d.ID().String(), d.Score(), d.AnomalyBit())
		}
	}

	total := len(dims)
	var rate float64
	if total > 0 {
		rate = float64(anomalous) / float64(total)
	}
	h.dims.mu.Lock()
	h.hostRate = rate
	h.dims.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PublishHostRate(h.id, total, anomalous, rate*100)
	}

	if edge.From == rolling.AboveThreshold && edge.To == rolling.BelowThreshold {
		h.composeEvent(now, prevLength, dims)
	}

	return edge
}

// composeEvent builds and persists an anomaly event for the run of
// anomalous ticks that just closed, per spec.md 4.7 step 5. Only
// dimensions present in dims (the snapshot taken at the closing tick)
// can contribute; a dimension deleted before this tick is silently
// excluded, per the open-question decision recorded in SPEC_FULL.md.
func (h *Host) composeEvent(now time.Time, prevLength int, dims []*dimension.Dimension) {
	ranked := make([]DimensionRate, 0, len(dims))
	for _, d := range dims {
		rate := d.AnomalyRate(prevLength)
		if rate >= h.cfg.ADUnitRateThreshold {
			ranked = append(ranked, DimensionRate{DimensionID: d.ID().String(), Rate: rate})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rate > ranked[j].Rate })

	payload, err := json.Marshal(ranked)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to marshal anomaly event payload", zap.Error(err))
		}
		return
	}

	before := now.Unix()
	after := before - int64(prevLength)

	if h.store == nil {
		return
	}
	if err := h.store.Insert(DetectorName, DetectorVersion, h.id, after, before, payload); err != nil {
		if h.logger != nil {
			h.logger.Warn("failed to persist anomaly event",
				zap.String("host", h.id), zap.Error(err))
		}
	}
}

// Snapshot returns a point-in-time admin view of the host, for the
// service layer's health/observability endpoint (SPEC_FULL.md's
// service.Snapshot()).
type Snapshot struct {
	HostID          string  `json:"host_id"`
	DimensionCount  int     `json:"dimension_count"`
	HostRate        float64 `json:"host_rate"`
	HostWindowState string  `json:"host_window_state"`
}

// Snapshot builds a Snapshot of the host's current state.
func (h *Host) Snapshot() Snapshot {
	return Snapshot{
		HostID:          h.id,
		DimensionCount:  h.DimensionCount(),
		HostRate:        h.HostRate(),
		HostWindowState: h.window.State().String(),
	}
}
