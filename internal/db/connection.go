// Package db manages the PostgreSQL connection pool and wires up the
// repository collection.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/ghostlyplus/emganalyzer/internal/persistence"
	"github.com/ghostlyplus/emganalyzer/internal/persistence/postgres"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PG_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_QUERY_TIMEOUT"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager owns the database connection and the repository collection
// built on top of it.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens the database connection, verifies it, and wires up
// every repository.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	sqlxDB, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlxDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlxDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repos := &persistence.Repository{
		Sessions:             postgres.NewSessionsRepo(sqlxDB, config.QueryTimeout),
		C3DMetadata:          postgres.NewC3DMetadataRepo(sqlxDB, config.QueryTimeout),
		ProcessingParameters: postgres.NewProcessingParametersRepo(sqlxDB, config.QueryTimeout),
		EMGStatistics:        postgres.NewEMGStatisticsRepo(sqlxDB, config.QueryTimeout),
		PerformanceScores:    postgres.NewPerformanceScoreRepo(sqlxDB, config.QueryTimeout),
		ScoringConfigs:       postgres.NewScoringConfigRepo(sqlxDB, config.QueryTimeout),
		CacheStats:           postgres.NewCacheStatsRepo(sqlxDB, config.QueryTimeout),
	}

	return &Manager{
		db:     sqlxDB,
		config: config,
		repos:  repos,
		health: &healthChecker{db: sqlxDB, timeout: config.QueryTimeout},
	}, nil
}

// Repository returns the wired-up repository collection.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// Health returns the health checker for this connection.
func (m *Manager) Health() persistence.RepositoryHealth { return m.health }

// DB returns the underlying sqlx connection, for migrations or ad hoc
// administrative queries.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errs []string
	healthy := true
	if err := h.db.PingContext(pingCtx); err != nil {
		errs = append(errs, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	pool := map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errs,
		ConnectionPool: pool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}

func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	stats := h.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_idle_time_closed": stats.MaxIdleTimeClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}
