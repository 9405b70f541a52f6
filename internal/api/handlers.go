// Grounded on the teacher's internal/api/handlers.go Server type and its
// writeJSON/writeError/parseIntParam helpers, narrowed to the read-only
// anomaly query surface spec.md 6 names: GET .../anomaly-events, GET
// .../anomaly-events/info, and GET /healthz.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/storage"
)

// ServiceInterface is the subset of service.Service the API needs.
type ServiceInterface interface {
	GetAnomalyEvents(ctx context.Context, hostID string, after, before int64) ([]storage.EventRow, error)
	GetAnomalyEventInfo(ctx context.Context, hostID string, after, before int64) ([]byte, error)
}

// Server serves the anomaly query API and health endpoint.
type Server struct {
	logger    *zap.Logger
	service   ServiceInterface
	version   string
	startTime time.Time
}

// NewServer returns a Server backed by svc.
func NewServer(logger *zap.Logger, svc ServiceInterface, version string) *Server {
	return &Server{
		logger:    logger.Named("api"),
		service:   svc,
		version:   version,
		startTime: time.Now(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode json response", zap.Error(err))
	}
}

func (s *Server) writeBusinessError(w http.ResponseWriter, err *BusinessError) {
	s.writeJSON(w, err.StatusCode, ErrorResponse{
		Error:     err.Code,
		Message:   err.Message,
		Timestamp: err.Timestamp,
		Details:   err.Details,
	})
}

func parseInt64Param(values []string, def int64) (int64, bool) {
	if len(values) == 0 || values[0] == "" {
		return def, true
	}
	v, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// HandleAnomalyEvents serves GET /api/v1/hosts/{host}/anomaly-events.
func (s *Server) HandleAnomalyEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeBusinessError(w, NewError("method_not_allowed", "only GET is supported").WithStatus(http.StatusMethodNotAllowed).Build())
		return
	}

	hostID, ok := extractHostID(r.URL.Path, "/anomaly-events")
	if !ok {
		s.writeBusinessError(w, ErrUnknownHost(""))
		return
	}

	q := r.URL.Query()
	after, ok1 := parseInt64Param(q["after"], time.Now().Add(-time.Hour).Unix())
	before, ok2 := parseInt64Param(q["before"], time.Now().Unix())
	if !ok1 || !ok2 {
		s.writeBusinessError(w, ErrInvalidRange("after/before must be unix timestamps"))
		return
	}

	events, err := s.service.GetAnomalyEvents(r.Context(), hostID, after, before)
	if err != nil {
		s.writeBusinessError(w, ErrStoreUnavailable(err.Error()))
		return
	}

	out := AnomalyEventsResponse{
		Host: hostID, After: after, Before: before, Timestamp: time.Now(),
	}
	for _, ev := range events {
		var rates []DimensionRateDTO
		if jsonErr := json.Unmarshal(ev.Payload, &rates); jsonErr != nil {
			s.logger.Warn("skipping malformed anomaly event payload", zap.Error(jsonErr))
			continue
		}
		out.Events = append(out.Events, AnomalyEventResponse{After: ev.After, Before: ev.Before, Payload: rates})
	}
	out.Count = len(out.Events)

	s.writeJSON(w, http.StatusOK, out)
}

// HandleAnomalyEventInfo serves GET /api/v1/hosts/{host}/anomaly-events/info.
func (s *Server) HandleAnomalyEventInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeBusinessError(w, NewError("method_not_allowed", "only GET is supported").WithStatus(http.StatusMethodNotAllowed).Build())
		return
	}

	hostID, ok := extractHostID(r.URL.Path, "/anomaly-events/info")
	if !ok {
		s.writeBusinessError(w, ErrUnknownHost(""))
		return
	}

	q := r.URL.Query()
	after, ok1 := parseInt64Param(q["after"], time.Now().Add(-time.Hour).Unix())
	before, ok2 := parseInt64Param(q["before"], time.Now().Unix())
	if !ok1 || !ok2 {
		s.writeBusinessError(w, ErrInvalidRange("after/before must be unix timestamps"))
		return
	}

	info, err := s.service.GetAnomalyEventInfo(r.Context(), hostID, after, before)
	if err != nil {
		s.writeBusinessError(w, ErrStoreUnavailable(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(info)
}

// HandleHealth serves GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    config.HealthStateHealthy,
		Version:   s.version,
		Timestamp: time.Now(),
		Checks:    map[string]string{"uptime": time.Since(s.startTime).String()},
	})
}

// extractHostID pulls the {host} path segment out of
// /api/v1/hosts/{host}<suffix>.
func extractHostID(path, suffix string) (string, bool) {
	const prefix = "/hosts/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return "", false
	}
	rest := path[idx+len(prefix):]
	rest = strings.TrimSuffix(rest, suffix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	return rest, true
}

// SetupRoutes registers every handler on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/hosts/", s.routeHosts)
	mux.HandleFunc("/healthz", s.HandleHealth)
}

func (s *Server) routeHosts(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/anomaly-events/info") {
		s.HandleAnomalyEventInfo(w, r)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/anomaly-events") {
		s.HandleAnomalyEvents(w, r)
		return
	}
	http.NotFound(w, r)
}
