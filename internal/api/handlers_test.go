package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/storage"
)

type fakeService struct {
	events  []storage.EventRow
	err     error
	infoOut []byte
}

func (f *fakeService) GetAnomalyEvents(ctx context.Context, hostID string, after, before int64) ([]storage.EventRow, error) {
	return f.events, f.err
}

func (f *fakeService) GetAnomalyEventInfo(ctx context.Context, hostID string, after, before int64) ([]byte, error) {
	return f.infoOut, f.err
}

func TestHandleAnomalyEventsReturnsDecodedPayload(t *testing.T) {
	svc := &fakeService{
		events: []storage.EventRow{
			{After: 100, Before: 107, Payload: []byte(`[{"dimension_id":"h/c/d","rate":0.8}]`)},
		},
	}
	s := NewServer(zap.NewNop(), svc, "test")

	req := httptest.NewRequest(http.MethodGet, "/hosts/host-1/anomaly-events?after=0&before=1000", nil)
	rec := httptest.NewRecorder()
	s.HandleAnomalyEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out AnomalyEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || out.Events[0].Payload[0].DimensionID != "h/c/d" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestHandleAnomalyEventsRejectsNonGet(t *testing.T) {
	s := NewServer(zap.NewNop(), &fakeService{}, "test")
	req := httptest.NewRequest(http.MethodPost, "/hosts/host-1/anomaly-events", nil)
	rec := httptest.NewRecorder()
	s.HandleAnomalyEvents(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	s := NewServer(zap.NewNop(), &fakeService{}, "test")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.HandleHealth(rec, req)

	var out HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", out.Status)
	}
}

func TestExtractHostIDFromEventsInfoPath(t *testing.T) {
	id, ok := extractHostID("/hosts/host-1/anomaly-events/info", "/anomaly-events/info")
	if !ok || id != "host-1" {
		t.Fatalf("extractHostID = %q, %v", id, ok)
	}
}
