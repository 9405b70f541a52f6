// Package dimension implements one monitored time series' training and
// prediction lifecycle (spec.md 4.6): a per-dimension mutex guarding a
// swappable k-means model, a rolling detector counter, and the sample
// decoding pipeline that feeds both. Grounded on the try-lock-and-skip
// idiom in the teacher's autoscaler/manager.go pool scaling loop, and on
// the leading-gap trim + carry-forward scan in original_source/ml/Unit.cc
// (getCalculatedNumbers).
package dimension

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/kmeans"
	"github.com/cboxdk/hostml-agent/internal/preprocess"
	"github.com/cboxdk/hostml-agent/internal/query"
	"github.com/cboxdk/hostml-agent/internal/rolling"
)

// Sentinel errors for the benign, per-tick outcomes spec.md 7 enumerates.
// Callers branch on these with errors.Is rather than string matching.
var (
	ErrTryLockBusy      = errors.New("dimension: locked by a concurrent operation")
	ErrNotDue           = errors.New("dimension: train requested before train_every elapsed")
	ErrInsufficientData = errors.New("dimension: fewer valid samples than required")
	ErrNoModel          = errors.New("dimension: predict called before any successful training")
	ErrStorageTransient = errors.New("dimension: storage query failed partway")
)

// ID identifies a dimension by the (host, chart, dim) triple spec.md 3
// gives as its identity.
type ID struct {
	HostID  string
	ChartID string
	DimID   string
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.HostID, id.ChartID, id.DimID)
}

// Dimension is one monitored series: identity plus the mutable state a
// train/predict/detect cycle reads and writes under a single mutex.
type Dimension struct {
	id     ID
	source query.Source
	cfg    config.DetectionConfig
	seed   int64
	logger *zap.Logger

	mu              sync.Mutex
	model           *kmeans.Model
	lastTrainedAt   time.Time
	score           float64
	anomalyBit      bool
	detectorCounter *rolling.BitCounter
	tally           int
}

// New returns a Dimension backed by source, tuned by cfg. seed makes
// k-means training deterministic; callers typically derive it from the
// dimension's own identity so retraining a given dimension is repeatable.
func New(id ID, source query.Source, cfg config.DetectionConfig, seed int64, logger *zap.Logger) *Dimension {
	return &Dimension{
		id:              id,
		source:          source,
		cfg:             cfg,
		seed:            seed,
		logger:          logger,
		detectorCounter: rolling.NewBitCounter(cfg.DetectorWindow),
	}
}

// ID returns the dimension's identity.
func (d *Dimension) ID() ID { return d.id }

// Score returns the most recently computed anomaly score.
func (d *Dimension) Score() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.score
}

// AnomalyBit returns the cached bit from the last predict() call, with no
// computation performed (the contract internal/service's is_anomalous
// entry point relies on, spec.md 4.9).
func (d *Dimension) AnomalyBit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anomalyBit
}

// HasModel reports whether a model has ever been successfully trained.
func (d *Dimension) HasModel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model != nil
}

// Train attempts one non-blocking training pass anchored at now. See
// spec.md 4.6 for the exact step sequence; the prior model is discarded
// only once a new one has been successfully fit.
func (d *Dimension) Train(now time.Time) error {
	if !d.mu.TryLock() {
		return ErrTryLockBusy
	}
	defer d.mu.Unlock()

	if !d.lastTrainedAt.IsZero() && now.Unix() < d.lastTrainedAt.Unix()+d.cfg.TrainEvery {
		return ErrNotDue
	}

	before := now.Unix()
	after := before - d.cfg.TrainSecs
	values, firstTs, err := d.decodeSeriesWithSpan(after, before)
	if err != nil {
		return err
	}
	if len(values) < d.cfg.MinTrainSamples {
		return ErrInsufficientData
	}
	if firstTs != 0 && before-firstTs < d.cfg.MinTrainSecs {
		return ErrInsufficientData
	}

	buf := preprocess.New(values, len(values), 1, d.cfg.DiffN, d.cfg.SmoothN, d.cfg.LagN)
	matrix, ok := buf.Process()
	if !ok {
		return ErrInsufficientData
	}

	model, err := kmeans.New(kmeans.DefaultCentroids, d.seed).Train(matrix)
	if err != nil {
		return fmt.Errorf("dimension %s: %w", d.id, err)
	}

	d.model = model
	d.lastTrainedAt = now
	return nil
}

// Predict attempts one non-blocking scoring pass against the most recent
// DiffN+SmoothN+LagN samples, matching original_source/ml/Unit.cc:157's
// N for the single-row scoring path. On InsufficientData or TryLockBusy
// the previously cached bit is returned unchanged; on NoModel it returns
// false. Only a genuine score update is reported as (bit, nil).
func (d *Dimension) Predict() (bool, error) {
	if !d.mu.TryLock() {
		return d.cachedBit(), ErrTryLockBusy
	}
	defer d.mu.Unlock()

	if d.model == nil {
		return false, ErrNoModel
	}

	need := d.cfg.DiffN + d.cfg.SmoothN + d.cfg.LagN
	latest, ok := d.source.LatestTime()
	if !ok {
		return d.anomalyBit, ErrInsufficientData
	}
	after := latest - int64(need-1)
	values, err := d.decodeSeriesLocked(after, latest)
	if err != nil {
		return d.anomalyBit, err
	}
	if len(values) < need {
		return d.anomalyBit, ErrInsufficientData
	}
	// Only the most recent `need` samples matter; a source tick can return
	// more than requested if it ticks faster than 1/s.
	values = values[len(values)-need:]

	buf := preprocess.New(values, need, 1, d.cfg.DiffN, d.cfg.SmoothN, d.cfg.LagN)
	matrix, ok := buf.Process()
	if !ok || len(matrix) != 1 {
		return d.anomalyBit, ErrInsufficientData
	}

	d.score = kmeans.Score(d.model, matrix[0])
	d.anomalyBit = d.score >= d.cfg.AnomalyScoreThreshold
	return d.anomalyBit, nil
}

func (d *Dimension) cachedBit() bool {
	// Called only while unable to acquire the lock; reading without it is
	// racy but matches spec.md 5's TryLockBusy contract that the caller
	// gets an immediate, possibly-stale answer rather than blocking.
	return d.anomalyBit
}

// Detect runs Predict, folds the resulting bit into the rolling detector
// counter, and reports the bit. Any Predict error is passed through for
// logging; the bit is still fed into the counter so the counter tracks
// wall-clock ticks rather than only successful predictions.
func (d *Dimension) Detect() (bool, error) {
	bit, err := d.Predict()

	d.mu.Lock()
	d.detectorCounter.Insert(bit)
	d.mu.Unlock()

	return bit, err
}

// Reset snapshots the detector counter's current popcount as the new
// tally baseline, so the next AnomalyRate call measures a fresh interval
// (spec.md 4.6, 4.7 step 2).
func (d *Dimension) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tally = d.detectorCounter.Popcount()
}

// AnomalyRate returns tally/windowLength, then snapshots tally to the
// counter's current popcount for the next call (spec.md 4.6). windowLength
// is normally the closed event's run length, per the host's use of this
// method when composing an event.
func (d *Dimension) AnomalyRate(windowLength int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rate float64
	if windowLength > 0 {
		rate = float64(d.tally) / float64(windowLength)
	}
	if rate > 1 {
		rate = 1
	}
	d.tally = d.detectorCounter.Popcount()
	return rate
}

// decodeSeriesLocked pulls [after, before] from the source and applies the
// leading-gap trim + carry-forward scan from original_source/ml/Unit.cc:
// samples before the first existing one are dropped entirely, and every
// existing gap after that point repeats the last valid value rather than
// breaking the series.
func (d *Dimension) decodeSeriesLocked(after, before int64) ([]float64, error) {
	values, _, err := d.decodeSeriesWithSpan(after, before)
	return values, err
}

// decodeSeriesWithSpan is decodeSeriesLocked plus the timestamp of the
// first value kept (0 if none), which Train uses to enforce MinTrainSecs
// of actual coverage independent of raw sample count.
func (d *Dimension) decodeSeriesWithSpan(after, before int64) ([]float64, int64, error) {
	cursor := query.NewCursor(d.source, after, before)
	defer cursor.Close()

	var values []float64
	var haveValue bool
	var last float64
	var firstTs int64

	for {
		ts, sn, ok, err := cursor.Next()
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("dimension: storage query failed partway",
					zap.String("dimension", d.id.String()), zap.Error(err))
			}
			return values, firstTs, fmt.Errorf("%w: %v", ErrStorageTransient, err)
		}
		if !ok {
			break
		}
		if !sn.Exists() {
			if !haveValue {
				continue // leading gap: trim, do not carry forward
			}
			values = append(values, last)
			continue
		}
		if !haveValue {
			firstTs = ts
		}
		last = sn.Decode()
		haveValue = true
		values = append(values, last)
	}
	return values, firstTs, nil
}
