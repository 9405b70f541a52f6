package host

import (
	"math"
	"testing"
	"time"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/dimension"
	"github.com/cboxdk/hostml-agent/internal/numeric"
	"github.com/cboxdk/hostml-agent/internal/query"
	"github.com/cboxdk/hostml-agent/internal/rolling"
)

type storedEvent struct {
	name          string
	version       int
	host          string
	after, before int64
	payload       []byte
}

type fakeStore struct {
	events []storedEvent
}

func (s *fakeStore) Insert(name string, version int, host string, after, before int64, payload []byte) error {
	s.events = append(s.events, storedEvent{name, version, host, after, before, payload})
	return nil
}

func testDetectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		DiffN:                 0,
		SmoothN:               1,
		LagN:                  0,
		AnomalyScoreThreshold: 0.5,
		AnomalyRateThreshold:  1.0,
		ADWindowSize:          4,
		ADWindowRateThreshold: 0.5,
		ADUnitRateThreshold:   0.0,
		DetectorWindow:        8,
		MinTrainSamples:       20,
		TrainSecs:             1000,
		MinTrainSecs:          10,
		TrainEvery:            300,
	}
}

// trainedDimension returns a dimension whose model has been fit on a tight
// cluster around 0, so a later value far from 0 reliably scores above
// AnomalyScoreThreshold.
func trainedDimension(t *testing.T, id dimension.ID, cfg config.DetectionConfig) (*dimension.Dimension, *query.MemorySource) {
	t.Helper()
	src := query.NewMemorySource()
	for i := int64(0); i < 200; i++ {
		src.Append(i, numeric.Encode(math.Sin(float64(i))*0.01, true, false, false))
	}
	d := dimension.New(id, src, cfg, 1, nil)
	if err := d.Train(time.Unix(200, 0)); err != nil {
		t.Fatalf("train: %v", err)
	}
	return d, src
}

func TestDetectOnceRecomputesHostRateFromDimensions(t *testing.T) {
	cfg := testDetectionConfig()
	h := New("host-1", cfg, nil, nil, nil)

	anomalousDim, anomalousSrc := trainedDimension(t, dimension.ID{HostID: "host-1", ChartID: "c", DimID: "anomalous"}, cfg)
	quietDim, quietSrc := trainedDimension(t, dimension.ID{HostID: "host-1", ChartID: "c", DimID: "quiet"}, cfg)
	h.AddDimension(anomalousDim)
	h.AddDimension(quietDim)

	anomalousSrc.Append(200, numeric.Encode(500, true, false, false))
	// The next sample of the training sine sits near a centroid and scores
	// below the threshold.
	quietSrc.Append(200, numeric.Encode(math.Sin(200)*0.01, true, false, false))

	h.DetectOnce(time.Unix(201, 0))

	if got := h.HostRate(); got != 0.5 {
		t.Fatalf("host rate = %v, want 0.5 (1 of 2 dimensions anomalous)", got)
	}
	if h.DimensionCount() != 2 {
		t.Fatalf("dimension count = %d, want 2", h.DimensionCount())
	}
}

func TestIsAnomalousUnknownDimension(t *testing.T) {
	h := New("host-1", testDetectionConfig(), nil, nil, nil)
	if h.IsAnomalous(dimension.ID{HostID: "host-1", ChartID: "c", DimID: "missing"}) {
		t.Fatalf("expected false for unregistered dimension")
	}
}

func TestRemoveDimension(t *testing.T) {
	h := New("host-1", testDetectionConfig(), nil, nil, nil)
	id := dimension.ID{HostID: "host-1", ChartID: "c", DimID: "d"}
	d, _ := trainedDimension(t, id, testDetectionConfig())
	h.AddDimension(d)
	if h.DimensionCount() != 1 {
		t.Fatalf("expected 1 dimension after add")
	}
	h.RemoveDimension(id)
	if h.DimensionCount() != 0 {
		t.Fatalf("expected 0 dimensions after remove")
	}
}

// TestEventClosesOnFallingEdge drives the host window through spec.md's S1
// bit stream directly (bypassing dimension prediction, which
// DetectOnce would otherwise overwrite hostRate with) to check that an
// anomaly event is persisted at each AboveThreshold -> BelowThreshold edge
// with the expected closed run length.
func TestEventClosesOnFallingEdge(t *testing.T) {
	cfg := testDetectionConfig()
	cfg.ADWindowSize = 4
	cfg.ADWindowRateThreshold = 0.5 // T = 2
	cfg.AnomalyRateThreshold = 1.0
	cfg.ADUnitRateThreshold = 0.0

	store := &fakeStore{}
	h := New("host-1", cfg, store, nil, nil)

	bits := []bool{false, false, true, true, false, true, false, false, false, true, false, true, false, false}
	for i, bit := range bits {
		h.dims.mu.Lock()
		if bit {
			h.hostRate = 1.0
		} else {
			h.hostRate = 0.0
		}
		h.dims.mu.Unlock()

		h.DetectOnce(time.Unix(int64(i+1), 0))
	}

	if len(store.events) != 2 {
		t.Fatalf("got %d persisted events, want 2: %+v", len(store.events), store.events)
	}
	wantLengths := []int64{7, 5}
	for i, ev := range store.events {
		gotLen := ev.before - ev.after
		if gotLen != wantLengths[i] {
			t.Fatalf("event %d length = %d, want %d", i, gotLen, wantLengths[i])
		}
	}
}

func TestSnapshotReportsWindowState(t *testing.T) {
	h := New("host-1", testDetectionConfig(), nil, nil, nil)
	snap := h.Snapshot()
	if snap.HostID != "host-1" {
		t.Fatalf("unexpected host id in snapshot: %s", snap.HostID)
	}
	if snap.HostWindowState != rolling.NotFilled.String() {
		t.Fatalf("expected NotFilled window state initially, got %s", snap.HostWindowState)
	}
}
