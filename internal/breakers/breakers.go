// Package breakers wraps object-storage downloads in a circuit breaker
// with exponential backoff.
package breakers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/apperr"
)

// RetryPolicy describes the exponential backoff applied between download
// attempts: with the defaults below, 3 attempts with waits of 200ms and
// then 800ms between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is the standard 3-attempt, 4x-multiplier schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Multiplier: 4.0}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}

// Config controls a single named breaker.
type Config struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultConfig is tuned for the storage-download path: trip after 5
// consecutive failures, half-open probe after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Manager owns one circuit breaker per named downstream (today: object
// storage; the shape supports adding more without a redesign).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	retry    RetryPolicy
}

// NewManager builds an empty breaker manager using the given retry policy
// for the Download helper.
func NewManager(retry RetryPolicy) *Manager {
	return &Manager{breakers: make(map[string]*gobreaker.CircuitBreaker), retry: retry}
}

// Register installs a named breaker; call once per downstream at startup.
func (m *Manager) Register(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			applog.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	m.breakers[cfg.Name] = gobreaker.NewCircuitBreaker(settings)
}

// Download runs fn (an object-storage GET) through the named circuit
// breaker, retrying with exponential backoff on transient failure. The
// final error is wrapped as apperr.FileProcessing.
func (m *Manager) Download(ctx context.Context, breakerName string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.RLock()
	breaker, ok := m.breakers[breakerName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no circuit breaker registered for %s", breakerName)
	}

	var lastErr error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		result, err := breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err == nil {
			return result.([]byte), nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break // breaker itself is protecting the downstream; stop retrying immediately
		}
		if attempt < m.retry.MaxAttempts {
			select {
			case <-time.After(m.retry.delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, apperr.Wrap(apperr.FileProcessing, fmt.Sprintf("download failed after %d attempts via %s", m.retry.MaxAttempts, breakerName), lastErr)
}

// State reports the current breaker state for a named downstream, used
// by the /health endpoint.
func (m *Manager) State(breakerName string) (gobreaker.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[breakerName]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return b.State(), true
}
