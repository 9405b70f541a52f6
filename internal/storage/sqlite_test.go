package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
)

func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		DatabasePath: filepath.Join(t.TempDir(), "anomalies.db"),
		Retention:    24 * time.Hour,
		CleanupEvery: 0, // disabled in tests
		ConnectionPool: config.ConnectionPoolConfig{
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
	}
}

func openTestStore(t *testing.T) *AnomalyStore {
	t.Helper()
	s, err := NewAnomalyStore(testStorageConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestInsertAndAnomaliesInRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal([]map[string]interface{}{{"dimension_id": "h/c/d", "rate": 0.8}})
	if err := s.Insert("hostml-agent", 1, "host-1", 100, 107, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert("hostml-agent", 1, "host-1", 200, 205, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, err := s.AnomaliesInRange(ctx, "hostml-agent", 1, "host-1", 0, 300)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].After != 200 {
		t.Fatalf("events[0].After = %d, want 200", events[0].After)
	}
}

func TestAnomaliesInRangeFiltersByHostAndContainment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal([]map[string]interface{}{})
	if err := s.Insert("hostml-agent", 1, "host-1", 100, 110, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert("hostml-agent", 1, "host-2", 100, 110, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, err := s.AnomaliesInRange(ctx, "hostml-agent", 1, "host-1", 0, 1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (host filter)", len(events))
	}

	events, err = s.AnomaliesInRange(ctx, "hostml-agent", 1, "host-1", 200, 300)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0 (not fully contained)", len(events))
	}
}

func TestAnomalyInfoAggregatesAcrossEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p1, _ := json.Marshal([]map[string]interface{}{
		{"dimension_id": "h/c/a", "rate": 0.4},
		{"dimension_id": "h/c/b", "rate": 0.6},
	})
	p2, _ := json.Marshal([]map[string]interface{}{{"dimension_id": "h/c/a", "rate": 0.9}})
	if err := s.Insert("hostml-agent", 1, "host-1", 100, 110, p1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert("hostml-agent", 1, "host-1", 200, 210, p2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	out, err := s.AnomalyInfo(ctx, "hostml-agent", 1, "host-1", 0, 1000)
	if err != nil {
		t.Fatalf("info: %v", err)
	}

	var decoded struct {
		EventCount int `json:"event_count"`
		Dimensions []struct {
			DimensionID string  `json:"dimension_id"`
			MaxRate     float64 `json:"max_rate"`
			EventCount  int     `json:"event_count"`
		} `json:"dimensions"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if decoded.EventCount != 2 {
		t.Fatalf("event count = %d, want 2", decoded.EventCount)
	}
	if len(decoded.Dimensions) != 2 {
		t.Fatalf("unexpected dimension summary: %+v", decoded.Dimensions)
	}
	// Spec requires dimensions sorted by descending rate: h/c/a (0.9) before h/c/b (0.6).
	if decoded.Dimensions[0].DimensionID != "h/c/a" || decoded.Dimensions[0].MaxRate != 0.9 {
		t.Fatalf("dimensions not sorted by descending rate: %+v", decoded.Dimensions)
	}
	if decoded.Dimensions[1].DimensionID != "h/c/b" || decoded.Dimensions[1].MaxRate != 0.6 {
		t.Fatalf("dimensions not sorted by descending rate: %+v", decoded.Dimensions)
	}
	if decoded.Dimensions[0].EventCount != 2 {
		t.Fatalf("dimension event count = %d, want 2", decoded.Dimensions[0].EventCount)
	}
}

func TestCleanupDeletesExpiredEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal([]map[string]interface{}{})
	old := time.Now().Add(-48 * time.Hour).Unix()
	if err := s.Insert("hostml-agent", 1, "host-1", old, old+5, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	events, err := s.AnomaliesInRange(ctx, "hostml-agent", 1, "host-1", 0, time.Now().Unix()+1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected expired event to be cleaned up, got %d", len(events))
	}
}
