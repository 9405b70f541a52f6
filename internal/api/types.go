package api

import "time"

// AnomalyEventResponse is one entry of the anomaly-events endpoint's list.
type AnomalyEventResponse struct {
	After   int64             `json:"after"`
	Before  int64             `json:"before"`
	Payload []DimensionRateDTO `json:"dimensions"`
}

// DimensionRateDTO mirrors host.DimensionRate for API responses, keeping
// the wire type decoupled from the internal package's struct.
type DimensionRateDTO struct {
	DimensionID string  `json:"dimension_id"`
	Rate        float64 `json:"rate"`
}

// AnomalyEventsResponse is the GET .../anomaly-events response envelope.
type AnomalyEventsResponse struct {
	Host      string                  `json:"host"`
	After     int64                   `json:"after"`
	Before    int64                   `json:"before"`
	Events    []AnomalyEventResponse  `json:"events"`
	Count     int                     `json:"count"`
	Timestamp time.Time               `json:"timestamp"`
}

// ErrorResponse is the standard error envelope for every API failure.
type ErrorResponse struct {
	Error     string      `json:"error"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Details   interface{} `json:"details,omitempty"`
}

// HealthResponse is the GET /healthz response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}
