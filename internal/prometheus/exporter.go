// Package prometheus exposes the ml chart spec.md 6 describes
// (num_total_dimensions, num_anomalous_dimensions, anomaly_rate) plus
// per-dimension anomaly-score and anomaly-bit gauges, over the standard
// /metrics endpoint. Grounded on the teacher's internal/prometheus.Exporter:
// same registry/rate-limiter/HTTP-server shape, narrowed to this domain's
// much smaller metric surface and without the PHP-FPM auth/mTLS layer this
// process has no analog for (SPEC_FULL.md's ambient stack keeps the rate
// limiter but drops API-key/basic/mTLS auth, since nothing in this domain
// hands out credentials to guard).
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cboxdk/hostml-agent/internal/config"
)

// Exporter serves the process' Prometheus metrics and rate-limits scrapes.
type Exporter struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	server   *http.Server
	registry *prometheus.Registry
	limiter  *rate.Limiter

	mu      sync.RWMutex
	running bool

	totalDimensions     *prometheus.GaugeVec
	anomalousDimensions *prometheus.GaugeVec
	hostAnomalyRate     *prometheus.GaugeVec
	dimensionScore      *prometheus.GaugeVec
	dimensionBit        *prometheus.GaugeVec
}

// NewExporter builds an Exporter bound to cfg but does not start serving.
func NewExporter(cfg config.ServerConfig, logger *zap.Logger) (*Exporter, error) {
	registry := prometheus.NewRegistry()
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)

	e := &Exporter{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		limiter:  limiter,
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	return e, nil
}

func (e *Exporter) initMetrics() error {
	e.totalDimensions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostml", Name: "num_total_dimensions",
		Help: "Number of dimensions currently registered for a host.",
	}, []string{"host"})

	e.anomalousDimensions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostml", Name: "num_anomalous_dimensions",
		Help: "Number of dimensions flagged anomalous on the most recent detection tick.",
	}, []string{"host"})

	e.hostAnomalyRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostml", Name: "anomaly_rate",
		Help: "Fraction of a host's dimensions flagged anomalous on the most recent detection tick, as a percentage.",
	}, []string{"host"})

	e.dimensionScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostml", Name: "dimension_anomaly_score",
		Help: "Most recent anomaly score (as) for one dimension.",
	}, []string{"host", "dimension"})

	e.dimensionBit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hostml", Name: "dimension_anomaly_bit",
		Help: "Most recent anomaly bit (ab) for one dimension: 1 if anomalous, 0 otherwise.",
	}, []string{"host", "dimension"})

	collectors := []prometheus.Collector{
		e.totalDimensions, e.anomalousDimensions, e.hostAnomalyRate,
		e.dimensionScore, e.dimensionBit,
	}
	for _, c := range collectors {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// PublishHostRate implements host.MetricsPublisher: it records the ml
// chart's three series for hostID after a detection tick.
func (e *Exporter) PublishHostRate(hostID string, total, anomalous int, ratePercent float64) {
	e.totalDimensions.WithLabelValues(hostID).Set(float64(total))
	e.anomalousDimensions.WithLabelValues(hostID).Set(float64(anomalous))
	e.hostAnomalyRate.WithLabelValues(hostID).Set(ratePercent)
}

// PublishDimension records one dimension's <dim>-as/<dim>-ab pair.
func (e *Exporter) PublishDimension(hostID, dimensionID string, score float64, anomalous bool) {
	e.dimensionScore.WithLabelValues(hostID, dimensionID).Set(score)
	bit := 0.0
	if anomalous {
		bit = 1.0
	}
	e.dimensionBit.WithLabelValues(hostID, dimensionID).Set(bit)
}

func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%q}`, config.HealthStateHealthy)
}

// Start serves /metrics and cfg.HealthPath until ctx is cancelled.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}
	e.running = true
	e.mu.Unlock()

	mux := http.NewServeMux()
	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle("/metrics", e.rateLimitMiddleware(metricsHandler))
	mux.HandleFunc(e.cfg.HealthPath, e.healthHandler)

	e.server = &http.Server{
		Addr:         e.cfg.BindAddress,
		Handler:      mux,
		ReadTimeout:  e.cfg.ReadTimeout,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	e.logger.Info("starting metrics server", zap.String("bind_address", e.cfg.BindAddress))

	errCh := make(chan error, 1)
	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		e.logger.Error("metrics server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.server.Shutdown(shutdownCtx)
}

// Stop halts the metrics server.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}
