// Package storage implements AnomalyStore, the append-only record of closed
// anomaly events (spec.md 4.8): one row per (detector, host, run) with a
// JSON payload of the dimensions that contributed. Grounded on the
// teacher's SQLiteStorage: the WAL-mode DSN and ConnectionPool health-check
// loop in the original internal/storage/sqlite.go survive verbatim in
// spirit, narrowed from a general metrics timeseries store down to a single
// events table with the range/aggregate queries spec.md 4.8 names.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/resilience"
)

// ConnectionPool manages the database handle with periodic health checks,
// unchanged in shape from the teacher's connection pool: one *sql.DB tuned
// for a single writer, checked on a timer rather than per-query.
type ConnectionPool struct {
	db           *sql.DB
	healthTicker *time.Ticker
	stats        PoolStats
	mu           sync.RWMutex
	logger       *zap.Logger
	config       config.ConnectionPoolConfig
}

// PoolStats tracks connection pool health over time.
type PoolStats struct {
	ActiveConnections  int64
	IdleConnections    int64
	HealthChecks       int64
	FailedHealthChecks int64
	LastHealthCheck    time.Time
}

// NewConnectionPool opens databasePath in WAL mode and starts its health
// check loop. The pragma string is the teacher's, tuned for a
// single-process, mostly-append workload.
func NewConnectionPool(databasePath string, cfg config.ConnectionPoolConfig, logger *zap.Logger) (*ConnectionPool, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL", databasePath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pool := &ConnectionPool{
		db:     db,
		config: cfg,
		logger: logger,
		stats:  PoolStats{LastHealthCheck: time.Now()},
	}
	pool.startHealthCheck()

	logger.Info("connection pool created",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))

	return pool, nil
}

func (p *ConnectionPool) startHealthCheck() {
	p.healthTicker = time.NewTicker(30 * time.Second)
	go func() {
		for range p.healthTicker.C {
			p.performHealthCheck()
		}
	}()
}

func (p *ConnectionPool) performHealthCheck() {
	p.mu.Lock()
	p.stats.HealthChecks++
	p.stats.LastHealthCheck = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		p.mu.Lock()
		p.stats.FailedHealthChecks++
		p.mu.Unlock()
		p.logger.Error("connection pool health check failed", zap.Error(err))
		return
	}

	dbStats := p.db.Stats()
	p.mu.Lock()
	p.stats.ActiveConnections = int64(dbStats.OpenConnections - dbStats.Idle)
	p.stats.IdleConnections = int64(dbStats.Idle)
	p.mu.Unlock()
}

// GetStats returns current pool statistics.
func (p *ConnectionPool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close stops the health check loop and closes the database handle.
func (p *ConnectionPool) Close() error {
	if p.healthTicker != nil {
		p.healthTicker.Stop()
	}
	return p.db.Close()
}

// EventRow is one persisted anomaly event, as returned by AnomaliesInRange.
type EventRow struct {
	After   int64  `json:"after"`
	Before  int64  `json:"before"`
	Payload []byte `json:"-"`
}

// AnomalyStore is the append-only event log spec.md 4.8 describes: writes
// come from Host.composeEvent on every falling edge, reads come from the
// service layer's anomaly-events and anomaly-events/info endpoints.
type AnomalyStore struct {
	cfg    config.StorageConfig
	logger *zap.Logger
	pool   *ConnectionPool
	writes *resilience.CircuitBreaker

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}

	stmtMu    sync.RWMutex
	stmtCache map[string]*sql.Stmt
}

// NewAnomalyStore opens (creating if needed) the SQLite file at
// cfg.DatabasePath and initializes its schema.
func NewAnomalyStore(cfg config.StorageConfig, logger *zap.Logger) (*AnomalyStore, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	pool, err := NewConnectionPool(cfg.DatabasePath, cfg.ConnectionPool, logger.Named("connection-pool"))
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.Timeout = 2 * time.Second

	s := &AnomalyStore{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		writes:    resilience.NewCircuitBreaker("anomaly-store-writes", breakerCfg, logger.Named("circuit-breaker")),
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *AnomalyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS anomaly_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detector_name TEXT NOT NULL,
		detector_version INTEGER NOT NULL,
		host_uuid TEXT NOT NULL,
		after_ts INTEGER NOT NULL,
		before_ts INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_anomaly_events_lookup
		ON anomaly_events(detector_name, detector_version, host_uuid, after_ts);
	`
	_, err := s.pool.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.logger.Info("anomaly store schema initialized")
	return nil
}

// Start launches the retention cleanup loop. Call once after construction.
func (s *AnomalyStore) Start(ctx context.Context) {
	if s.cfg.CleanupEvery <= 0 {
		return
	}
	s.cleanupTicker = time.NewTicker(s.cfg.CleanupEvery)
	s.stopCleanup = make(chan struct{})
	go s.cleanupLoop(ctx)
}

// Stop halts the cleanup loop and closes prepared statements and the pool.
func (s *AnomalyStore) Stop() error {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}
	if s.stopCleanup != nil {
		close(s.stopCleanup)
	}

	s.stmtMu.Lock()
	for _, stmt := range s.stmtCache {
		stmt.Close()
	}
	s.stmtMu.Unlock()

	return s.pool.Close()
}

func (s *AnomalyStore) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCleanup:
			return
		case <-s.cleanupTicker.C:
			if err := s.cleanup(ctx); err != nil {
				s.logger.Error("anomaly event cleanup failed", zap.Error(err))
			}
		}
	}
}

func (s *AnomalyStore) cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Retention).Unix()
	result, err := s.pool.db.ExecContext(ctx,
		"DELETE FROM anomaly_events WHERE before_ts < ?", cutoff)
	if err != nil {
		return fmt.Errorf("delete expired anomaly events: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Info("cleaned up expired anomaly events",
			zap.Int64("rows_deleted", rows), zap.Int64("cutoff", cutoff))
	}
	return nil
}

func (s *AnomalyStore) getOrCreateStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	if stmt, ok := s.stmtCache[query]; ok {
		s.stmtMu.RUnlock()
		return stmt, nil
	}
	s.stmtMu.RUnlock()

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := s.pool.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}

const insertEventSQL = `
	INSERT INTO anomaly_events (detector_name, detector_version, host_uuid, after_ts, before_ts, payload)
	VALUES (?, ?, ?, ?, ?, ?)
`

// Insert persists a closed anomaly event, satisfying host.Store. Writes go
// through a circuit breaker: spec.md 7's StoreWriteFailed says a write
// failure is logged and the event is bounded-lost, never surfaced back to
// the detection tick that produced it, so a tripped breaker fails fast
// instead of piling up blocked writers behind a wedged database.
func (s *AnomalyStore) Insert(name string, version int, hostUUID string, after, before int64, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.writes.Execute(ctx, func() (interface{}, error) {
		stmt, err := s.getOrCreateStmt(insertEventSQL)
		if err != nil {
			return nil, err
		}
		_, err = stmt.ExecContext(ctx, name, version, hostUUID, after, before, string(payload))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("insert anomaly event: %w", err)
	}
	return nil
}

// AnomaliesInRange returns every event for (name, version, hostUUID) whose
// window is fully contained in [after, before], newest first (spec.md 4.8
// anomalies_in_range).
func (s *AnomalyStore) AnomaliesInRange(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]EventRow, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT after_ts, before_ts, payload FROM anomaly_events
		WHERE detector_name = ? AND detector_version = ? AND host_uuid = ?
		  AND after_ts >= ? AND before_ts <= ?
		ORDER BY after_ts DESC
	`, name, version, hostUUID, after, before)
	if err != nil {
		return nil, fmt.Errorf("query anomaly events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var ev EventRow
		var payload string
		if err := rows.Scan(&ev.After, &ev.Before, &payload); err != nil {
			return nil, fmt.Errorf("scan anomaly event: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// dimensionRateAccumulator tracks the maximum contribution rate seen for a
// dimension across every event AnomalyInfo aggregates over.
type dimensionRateAccumulator struct {
	DimensionID string  `json:"dimension_id"`
	MaxRate     float64 `json:"max_rate"`
	EventCount  int     `json:"event_count"`
}

// AnomalyInfo aggregates every matching event's payload into a per-dimension
// summary (spec.md 4.8 anomaly_info): how often, and how strongly, each
// dimension contributed to an anomaly window in [after, before].
func (s *AnomalyStore) AnomalyInfo(ctx context.Context, name string, version int, hostUUID string, after, before int64) ([]byte, error) {
	events, err := s.AnomaliesInRange(ctx, name, version, hostUUID, after, before)
	if err != nil {
		return nil, err
	}

	type dimensionRate struct {
		DimensionID string  `json:"dimension_id"`
		Rate        float64 `json:"rate"`
	}

	byDimension := make(map[string]*dimensionRateAccumulator)
	for _, ev := range events {
		var rates []dimensionRate
		if err := json.Unmarshal(ev.Payload, &rates); err != nil {
			s.logger.Warn("skipping malformed anomaly event payload", zap.Error(err))
			continue
		}
		for _, r := range rates {
			acc, ok := byDimension[r.DimensionID]
			if !ok {
				acc = &dimensionRateAccumulator{DimensionID: r.DimensionID}
				byDimension[r.DimensionID] = acc
			}
			acc.EventCount++
			if r.Rate > acc.MaxRate {
				acc.MaxRate = r.Rate
			}
		}
	}

	summary := make([]*dimensionRateAccumulator, 0, len(byDimension))
	for _, acc := range byDimension {
		summary = append(summary, acc)
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].MaxRate > summary[j].MaxRate })

	out, err := json.Marshal(struct {
		EventCount int                         `json:"event_count"`
		Dimensions []*dimensionRateAccumulator `json:"dimensions"`
	}{EventCount: len(events), Dimensions: summary})
	if err != nil {
		return nil, fmt.Errorf("marshal anomaly info: %w", err)
	}
	return out, nil
}

// DB exposes the underlying handle for admin/health checks.
func (s *AnomalyStore) DB() *sql.DB {
	return s.pool.db
}

// GetPoolStats returns current connection pool statistics.
func (s *AnomalyStore) GetPoolStats() PoolStats {
	return s.pool.GetStats()
}
