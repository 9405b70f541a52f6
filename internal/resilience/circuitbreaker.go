// Package resilience implements the circuit breaker guarding AnomalyStore's
// write path (spec.md 7 StorageTransient/StoreWriteFailed): once the write
// side trips, further inserts fail fast instead of piling up behind a
// database that is not accepting writes. Grounded on the teacher's own
// internal/resilience/circuitbreaker.go, trimmed to the subset
// internal/storage actually drives (construct, configure, Execute) since
// the store never inspects breaker state or statistics directly.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is one of the three phases a circuit breaker can be in.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the write-path breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures required to open the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long to wait before attempting recovery.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is the number of successes required in half-open state to close the circuit.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// Timeout is the maximum time to wait for a guarded write.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxConcurrentRequests limits concurrent writes in half-open state.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// DefaultCircuitBreakerConfig provides sensible defaults for guarding
// AnomalyStore's SQLite write path.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      5,
		RecoveryTimeout:       30 * time.Second,
		SuccessThreshold:      3,
		Timeout:               5 * time.Second,
		MaxConcurrentRequests: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern around a guarded
// operation, here AnomalyStore's event insert.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	name   string

	mu                 sync.RWMutex
	state              CircuitState
	failureCount       int64
	successCount       int64
	nextRetryTime      time.Time
	concurrentRequests int
}

// NewCircuitBreaker creates a new circuit breaker with the given
// configuration.
//
// The circuit breaker implements a three-state pattern:
//   - Closed: normal operation, requests pass through
//   - Open: failures exceeded threshold, requests fail fast
//   - Half-Open: limited testing to see if the write path recovered
//
// Usage:
//
//	cb := NewCircuitBreaker("anomaly-store-writes", config, logger)
//	result, err := cb.Execute(ctx, func() (interface{}, error) {
//	    return nil, stmt.ExecContext(ctx, args...)
//	})
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		logger: logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:   name,
		state:  StateClosed,
	}
}

// Execute runs fn with circuit breaker protection: fast failure while the
// circuit is open, limited concurrency while it is half-open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if !cb.allowRequest() {
		return nil, &CircuitBreakerError{
			Name:   cb.name,
			State:  cb.getState(),
			Reason: "circuit breaker is open",
		}
	}

	if cb.getState() == StateHalfOpen {
		cb.incrementConcurrentRequests()
		defer cb.decrementConcurrentRequests()
	}

	start := time.Now()
	var result interface{}
	var err error

	execCtx := ctx
	if cb.config.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err = fn()
	}()

	select {
	case <-done:
	case <-execCtx.Done():
		err = &CircuitBreakerError{
			Name:   cb.name,
			State:  cb.getState(),
			Reason: fmt.Sprintf("operation timeout after %v", cb.config.Timeout),
		}
	}

	duration := time.Since(start)

	if err != nil {
		cb.recordFailure(err, duration)
		return nil, err
	}

	cb.recordSuccess(duration)
	return result, nil
}

// allowRequest determines if a request should be allowed based on the
// current state.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Now().After(cb.nextRetryTime)
	case StateHalfOpen:
		return cb.concurrentRequests < cb.config.MaxConcurrentRequests
	default:
		return false
	}
}

// recordFailure records a failure and potentially changes state.
func (cb *CircuitBreaker) recordFailure(err error, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	cb.logger.Warn("circuit breaker recorded failure",
		zap.Error(err),
		zap.Duration("duration", duration),
		zap.Int64("failure_count", cb.failureCount))

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= int64(cb.config.FailureThreshold) {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// recordSuccess records a success and potentially changes state.
func (cb *CircuitBreaker) recordSuccess(duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++

	cb.logger.Debug("circuit breaker recorded success",
		zap.Duration("duration", duration),
		zap.Int64("success_count", cb.successCount))

	if cb.state == StateHalfOpen && cb.successCount >= int64(cb.config.SuccessThreshold) {
		cb.setState(StateClosed)
	}
}

// setState changes the circuit breaker state. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateOpen:
		cb.nextRetryTime = time.Now().Add(cb.config.RecoveryTimeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.concurrentRequests = 0
	}

	cb.logger.Info("circuit breaker state changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Int64("failure_count", cb.failureCount),
		zap.Time("next_retry", cb.nextRetryTime))
}

// getState returns the current state, promoting Open to HalfOpen once the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) getState() CircuitState {
	cb.mu.RLock()
	if cb.state == StateOpen && time.Now().After(cb.nextRetryTime) {
		cb.mu.RUnlock()
		cb.mu.Lock()
		if cb.state == StateOpen && time.Now().After(cb.nextRetryTime) {
			cb.setState(StateHalfOpen)
		}
		state := cb.state
		cb.mu.Unlock()
		return state
	}
	defer cb.mu.RUnlock()
	return cb.state
}

// incrementConcurrentRequests safely increments the concurrent request counter.
func (cb *CircuitBreaker) incrementConcurrentRequests() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.concurrentRequests++
}

// decrementConcurrentRequests safely decrements the concurrent request counter.
func (cb *CircuitBreaker) decrementConcurrentRequests() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.concurrentRequests--
}

// CircuitBreakerError is returned by Execute when the circuit is open or the
// guarded operation times out.
type CircuitBreakerError struct {
	Name   string
	State  CircuitState
	Reason string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' in state '%s': %s", e.Name, e.State.String(), e.Reason)
}
