package dimension

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/numeric"
	"github.com/cboxdk/hostml-agent/internal/query"
)

func testConfig() config.DetectionConfig {
	return config.DetectionConfig{
		TrainSecs:             1000,
		MinTrainSecs:          100,
		TrainEvery:            300,
		DiffN:                 0,
		SmoothN:               1,
		LagN:                  0,
		AnomalyScoreThreshold: 0.5,
		DetectorWindow:        8,
		MinTrainSamples:       20,
	}
}

func fillSource(src *query.MemorySource, startTs int64, n int, gen func(i int) float64) {
	for i := 0; i < n; i++ {
		src.Append(startTs+int64(i), numeric.Encode(gen(i), true, false, false))
	}
}

func TestTrainThenPredictSetsBit(t *testing.T) {
	src := query.NewMemorySource()
	// Tight cluster around 0 for training.
	fillSource(src, 0, 200, func(i int) float64 { return math.Sin(float64(i)) * 0.01 })

	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)
	now := time.Unix(200, 0)
	if err := dim.Train(now); err != nil {
		t.Fatalf("train: %v", err)
	}
	if !dim.HasModel() {
		t.Fatalf("expected model after successful train")
	}

	// Predict against a wildly different recent value: should score high.
	src.Append(200, numeric.Encode(500, true, false, false))
	bit, err := dim.Predict()
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !bit {
		t.Fatalf("expected anomaly bit set for out-of-manifold value")
	}
	if dim.AnomalyBit() != (dim.Score() >= testConfig().AnomalyScoreThreshold) {
		t.Fatalf("anomaly bit does not match score/threshold derivation")
	}
}

func TestPredictNoModel(t *testing.T) {
	src := query.NewMemorySource()
	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)
	bit, err := dim.Predict()
	if bit {
		t.Fatalf("expected false bit with no model")
	}
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestTrainNotDue(t *testing.T) {
	src := query.NewMemorySource()
	fillSource(src, 0, 200, func(i int) float64 { return float64(i % 3) })
	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)

	if err := dim.Train(time.Unix(200, 0)); err != nil {
		t.Fatalf("first train: %v", err)
	}
	if err := dim.Train(time.Unix(210, 0)); !errors.Is(err, ErrNotDue) {
		t.Fatalf("expected ErrNotDue, got %v", err)
	}
}

func TestTrainInsufficientData(t *testing.T) {
	src := query.NewMemorySource()
	fillSource(src, 0, 5, func(i int) float64 { return float64(i) })
	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)

	if err := dim.Train(time.Unix(5, 0)); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestLeadingGapTrimAndCarryForward(t *testing.T) {
	src := query.NewMemorySource()
	// Leading gaps (ts 0-4) must be dropped entirely; a mid-series gap (ts
	// 10) must carry forward the prior value rather than breaking the run.
	for i := int64(0); i < 5; i++ {
		src.Append(i, numeric.Encode(0, false, false, false))
	}
	for i := int64(5); i < 200; i++ {
		if i == 10 {
			src.Append(i, numeric.Encode(0, false, false, false))
			continue
		}
		src.Append(i, numeric.Encode(float64(i%7), true, false, false))
	}

	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)
	values, firstTs, err := dim.decodeSeriesWithSpan(0, 199)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if firstTs != 5 {
		t.Fatalf("firstTs = %d, want 5 (leading gap trimmed)", firstTs)
	}
	// ts=10 carries forward ts=9's value (9%7=2).
	idxFor10 := 10 - 5
	if values[idxFor10] != float64(9%7) {
		t.Fatalf("carried-forward value = %v, want %v", values[idxFor10], float64(9%7))
	}
}

func TestDetectFeedsCounterAndAnomalyRate(t *testing.T) {
	src := query.NewMemorySource()
	fillSource(src, 0, 200, func(i int) float64 { return math.Sin(float64(i)) * 0.01 })
	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)
	if err := dim.Train(time.Unix(200, 0)); err != nil {
		t.Fatalf("train: %v", err)
	}

	for i := 0; i < 4; i++ {
		src.Append(200+int64(i), numeric.Encode(0.001, true, false, false))
		if _, err := dim.Detect(); err != nil {
			t.Fatalf("detect %d: %v", i, err)
		}
	}
	dim.Reset()
	rate := dim.AnomalyRate(4)
	if rate < 0 || rate > 1 {
		t.Fatalf("anomaly rate out of bounds: %v", rate)
	}
}

func TestTryLockBusyOnConcurrentTrain(t *testing.T) {
	src := query.NewMemorySource()
	dim := New(ID{HostID: "h", ChartID: "c", DimID: "d"}, src, testConfig(), 1, nil)
	dim.mu.Lock()
	defer dim.mu.Unlock()

	if err := dim.Train(time.Unix(1, 0)); !errors.Is(err, ErrTryLockBusy) {
		t.Fatalf("expected ErrTryLockBusy, got %v", err)
	}
	if _, err := dim.Predict(); !errors.Is(err, ErrTryLockBusy) {
		t.Fatalf("expected ErrTryLockBusy from predict, got %v", err)
	}
}
