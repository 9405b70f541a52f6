package service

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/dimension"
	"github.com/cboxdk/hostml-agent/internal/numeric"
	"github.com/cboxdk/hostml-agent/internal/query"
	"github.com/cboxdk/hostml-agent/internal/storage"
)

type fakeStore struct {
	inserted []string
}

func (s *fakeStore) Insert(name string, version int, hostUUID string, after, before int64, payload []byte) error {
	s.inserted = append(s.inserted, hostUUID)
	return nil
}

func (s *fakeStore) AnomaliesInRange(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]storage.EventRow, error) {
	return nil, nil
}

func (s *fakeStore) AnomalyInfo(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]byte, error) {
	return []byte(`{"event_count":0,"dimensions":[]}`), nil
}

func testCfg() config.DetectionConfig {
	return config.DetectionConfig{
		DiffN: 0, SmoothN: 1, LagN: 0,
		AnomalyScoreThreshold: 0.5,
		AnomalyRateThreshold:  1.0,
		ADWindowSize:          4, ADWindowRateThreshold: 0.5,
		DetectorWindow: 8, MinTrainSamples: 20,
		TrainSecs: 1000, MinTrainSecs: 10, TrainEvery: 300,
		HostsToSkip: "skip-me", ChartsToSkip: "internal.*",
	}
}

func TestOnNewHostRespectsHostsToSkip(t *testing.T) {
	svc := New(testCfg(), &fakeStore{}, nil, nil, zap.NewNop())
	svc.OnNewHost("skip-me")
	if len(svc.Snapshot()) != 0 {
		t.Fatalf("expected skip-me to be excluded by HostsToSkip")
	}
	svc.OnNewHost("host-1")
	defer svc.Shutdown(time.Second)
	if len(svc.Snapshot()) != 1 {
		t.Fatalf("expected host-1 to be attached")
	}
}

func TestOnNewDimensionRespectsChartsToSkip(t *testing.T) {
	svc := New(testCfg(), &fakeStore{}, nil, nil, zap.NewNop())
	svc.OnNewHost("host-1")
	defer svc.Shutdown(time.Second)

	src := query.NewMemorySource()
	svc.OnNewDimension("host-1", "internal.churn", "d", src, 1)
	if svc.IsAnomalous("host-1", "internal.churn", "d") {
		t.Fatalf("unexpected anomaly for a dimension that should have been skipped")
	}
	svc.mu.RLock()
	entry := svc.hosts["host-1"]
	svc.mu.RUnlock()
	if entry.h.DimensionCount() != 0 {
		t.Fatalf("expected internal.churn dimension to be skipped, got %d dimensions", entry.h.DimensionCount())
	}
}

func TestIsAnomalousAfterTrainAndPredict(t *testing.T) {
	svc := New(testCfg(), &fakeStore{}, nil, nil, zap.NewNop())
	svc.OnNewHost("host-1")
	defer svc.Shutdown(time.Second)

	src := query.NewMemorySource()
	for i := int64(0); i < 200; i++ {
		src.Append(i, numeric.Encode(math.Sin(float64(i))*0.01, true, false, false))
	}
	svc.OnNewDimension("host-1", "cpu", "user", src, 1)

	svc.mu.RLock()
	entry := svc.hosts["host-1"]
	svc.mu.RUnlock()
	d, ok := entry.h.Dimension(dimension.ID{HostID: "host-1", ChartID: "cpu", DimID: "user"})
	if !ok {
		t.Fatalf("expected dimension to be registered")
	}
	if err := d.Train(time.Unix(200, 0)); err != nil {
		t.Fatalf("train: %v", err)
	}
	src.Append(200, numeric.Encode(500, true, false, false))
	if _, err := d.Predict(); err != nil {
		t.Fatalf("predict: %v", err)
	}

	if !svc.IsAnomalous("host-1", "cpu", "user") {
		t.Fatalf("expected anomaly bit to be set after predicting an out-of-manifold value")
	}
}

func TestOnDeleteHostStopsFiber(t *testing.T) {
	svc := New(testCfg(), &fakeStore{}, nil, nil, zap.NewNop())
	svc.OnNewHost("host-1")
	svc.OnDeleteHost("host-1")
	if len(svc.Snapshot()) != 0 {
		t.Fatalf("expected host-1 to be detached")
	}
}

func TestGetAnomalyEventsRejectsInvalidRange(t *testing.T) {
	svc := New(testCfg(), &fakeStore{}, nil, nil, zap.NewNop())
	if _, err := svc.GetAnomalyEvents(context.Background(), "host-1", 100, 50); err == nil {
		t.Fatalf("expected error for before <= after")
	}
}
