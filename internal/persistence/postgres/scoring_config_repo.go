package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
)

type scoringConfigRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScoringConfigRepo creates a PostgreSQL-backed ScoringConfigRepo
// implementing the per-session pinned > per-patient current > global
// default hierarchy.
func NewScoringConfigRepo(db *sqlx.DB, timeout time.Duration) persistence.ScoringConfigRepo {
	return &scoringConfigRepo{db: db, timeout: timeout}
}

func (r *scoringConfigRepo) GetGlobalDefault(ctx context.Context) (*domain.ScoringConfiguration, error) {
	return r.getOne(ctx, `
		SELECT id, level, patient_id, session_id, main_weights, sub_weights, rpe_mapping
		FROM scoring_configurations
		WHERE level = 'global'
		ORDER BY created_at DESC
		LIMIT 1`)
}

func (r *scoringConfigRepo) GetPatientCurrent(ctx context.Context, patientID string) (*domain.ScoringConfiguration, error) {
	return r.getOne(ctx, `
		SELECT id, level, patient_id, session_id, main_weights, sub_weights, rpe_mapping
		FROM scoring_configurations
		WHERE level = 'patient' AND patient_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, patientID)
}

func (r *scoringConfigRepo) GetSessionPin(ctx context.Context, sessionID string) (*domain.ScoringConfiguration, error) {
	return r.getOne(ctx, `
		SELECT id, level, patient_id, session_id, main_weights, sub_weights, rpe_mapping
		FROM scoring_configurations
		WHERE level = 'session' AND session_id = $1
		LIMIT 1`, sessionID)
}

func (r *scoringConfigRepo) getOne(ctx context.Context, query string, args ...interface{}) (*domain.ScoringConfiguration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		cfg           domain.ScoringConfiguration
		mainJSON      []byte
		subJSON       []byte
		rpeJSON       []byte
	)
	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&cfg.ID, &cfg.Level, &cfg.PatientID, &cfg.SessionID, &mainJSON, &subJSON, &rpeJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query scoring configuration: %w", err)
	}

	if err := json.Unmarshal(mainJSON, &cfg.Main); err != nil {
		return nil, fmt.Errorf("failed to decode main weights: %w", err)
	}
	if err := json.Unmarshal(subJSON, &cfg.Sub); err != nil {
		return nil, fmt.Errorf("failed to decode sub weights: %w", err)
	}
	if len(rpeJSON) > 0 {
		if err := json.Unmarshal(rpeJSON, &cfg.RPEMapping); err != nil {
			return nil, fmt.Errorf("failed to decode rpe mapping: %w", err)
		}
	}
	return &cfg, nil
}

func (r *scoringConfigRepo) Create(ctx context.Context, cfg domain.ScoringConfiguration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	mainJSON, err := json.Marshal(cfg.Main)
	if err != nil {
		return "", fmt.Errorf("failed to encode main weights: %w", err)
	}
	subJSON, err := json.Marshal(cfg.Sub)
	if err != nil {
		return "", fmt.Errorf("failed to encode sub weights: %w", err)
	}
	rpeJSON, err := json.Marshal(cfg.RPEMapping)
	if err != nil {
		return "", fmt.Errorf("failed to encode rpe mapping: %w", err)
	}

	const query = `
		INSERT INTO scoring_configurations (id, level, patient_id, session_id, main_weights, sub_weights, rpe_mapping)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id string
	err = r.db.QueryRowxContext(ctx, query,
		cfg.ID, cfg.Level, cfg.PatientID, cfg.SessionID, mainJSON, subJSON, rpeJSON,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert scoring configuration: %w", err)
	}
	return id, nil
}

type cacheStatsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCacheStatsRepo creates a PostgreSQL-backed CacheStatsRepo for the
// cache-administration reporting and cleanup operations.
func NewCacheStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.CacheStatsRepo {
	return &cacheStatsRepo{db: db, timeout: timeout}
}

func (r *cacheStatsRepo) Statistics(ctx context.Context) (persistence.CacheStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT
			COUNT(*) AS total_sessions,
			COUNT(*) FILTER (WHERE analytics_cache IS NOT NULL) AS sessions_with_cache,
			COALESCE(SUM(cache_hits), 0) AS total_cache_hits,
			COUNT(*) FILTER (WHERE last_accessed_at >= now() - interval '7 days') AS recent_activity_7d
		FROM therapy_sessions`

	var stats persistence.CacheStatistics
	err := r.db.QueryRowxContext(ctx, query).Scan(
		&stats.TotalSessions, &stats.SessionsWithCache, &stats.TotalCacheHits, &stats.RecentActivity7d)
	if err != nil {
		return persistence.CacheStatistics{}, fmt.Errorf("failed to compute cache statistics: %w", err)
	}
	if stats.SessionsWithCache > 0 {
		stats.AverageHitsPerSession = float64(stats.TotalCacheHits) / float64(stats.SessionsWithCache)
	}
	return stats, nil
}

func (r *cacheStatsRepo) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE therapy_sessions
		SET analytics_cache = NULL, processing_time_ms = NULL
		WHERE analytics_cache IS NOT NULL AND updated_at < $1`

	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
