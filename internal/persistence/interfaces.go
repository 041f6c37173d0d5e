// Package persistence defines the storage-layer contracts for the
// EMG/C3D pipeline as a repository-per-aggregate interface set.
package persistence

import (
	"context"
	"time"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

// SessionRepo persists TherapySession rows and their lifecycle transitions.
type SessionRepo interface {
	Create(ctx context.Context, s domain.TherapySession) (string, error)
	GetByID(ctx context.Context, id string) (*domain.TherapySession, error)
	GetBySessionCode(ctx context.Context, sessionCode string) (*domain.TherapySession, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.TherapySession, error)
	FindDuplicate(ctx context.Context, bucket, objectPath string, since time.Time) (*domain.TherapySession, error)
	UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg *string) error
	SetAnalyticsCache(ctx context.Context, id string, cache []byte, processingTimeMs int64) error
	TouchCacheHit(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.TherapySession, error)
}

// C3DMetadataRepo persists the 1:1 C3DTechnicalMetadata row.
type C3DMetadataRepo interface {
	Upsert(ctx context.Context, m domain.C3DTechnicalMetadata) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.C3DTechnicalMetadata, error)
}

// ProcessingParametersRepo persists the 1:1 ProcessingParameters row.
type ProcessingParametersRepo interface {
	Upsert(ctx context.Context, p domain.ProcessingParameters) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.ProcessingParameters, error)
}

// EMGStatisticsRepo persists per-(session, channel) aggregates and their
// child contraction events.
type EMGStatisticsRepo interface {
	UpsertBatch(ctx context.Context, stats []domain.EMGStatistics) error
	ListBySessionID(ctx context.Context, sessionID string) ([]domain.EMGStatistics, error)
	InsertContractions(ctx context.Context, sessionID, channel string, contractions []domain.Contraction) error
}

// PerformanceScoreRepo persists the 1:1 scoring result for a session.
type PerformanceScoreRepo interface {
	Upsert(ctx context.Context, score domain.PerformanceScore) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.PerformanceScore, error)
}

// ScoringConfigRepo resolves the effective scoring configuration through
// the per-session pinned > per-patient current > global default hierarchy.
type ScoringConfigRepo interface {
	GetGlobalDefault(ctx context.Context) (*domain.ScoringConfiguration, error)
	GetPatientCurrent(ctx context.Context, patientID string) (*domain.ScoringConfiguration, error)
	GetSessionPin(ctx context.Context, sessionID string) (*domain.ScoringConfiguration, error)
	Create(ctx context.Context, cfg domain.ScoringConfiguration) (string, error)
}

// Resolve implements the scoring-configuration hierarchy: a session-level
// pin wins outright, otherwise the patient's current configuration, and
// finally the global default. Returns nil only if no global default has
// ever been created, which the caller should treat as a setup error.
func Resolve(ctx context.Context, repo ScoringConfigRepo, patientID, sessionID string) (*domain.ScoringConfiguration, error) {
	if pinned, err := repo.GetSessionPin(ctx, sessionID); err != nil {
		return nil, err
	} else if pinned != nil {
		return pinned, nil
	}
	if patientID != "" {
		if current, err := repo.GetPatientCurrent(ctx, patientID); err != nil {
			return nil, err
		} else if current != nil {
			return current, nil
		}
	}
	return repo.GetGlobalDefault(ctx)
}

// CacheStatsRepo supports the cache-administration operations supplemented
// from the original cache_service.get_cache_statistics contract.
type CacheStatsRepo interface {
	Statistics(ctx context.Context) (CacheStatistics, error)
	CleanupExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// CacheStatistics mirrors the original pipeline's aggregate cache report.
type CacheStatistics struct {
	TotalSessions         int     `json:"total_sessions"`
	SessionsWithCache     int     `json:"sessions_with_cache"`
	TotalCacheHits        int64   `json:"total_cache_hits"`
	AverageHitsPerSession float64 `json:"average_hits_per_session"`
	RecentActivity7d      int     `json:"recent_activity_7d"`
}

// Repository aggregates every repository this module exposes, handed
// out as a single bundle by the db.Manager.
type Repository struct {
	Sessions            SessionRepo
	C3DMetadata         C3DMetadataRepo
	ProcessingParameters ProcessingParametersRepo
	EMGStatistics       EMGStatisticsRepo
	PerformanceScores   PerformanceScoreRepo
	ScoringConfigs      ScoringConfigRepo
	CacheStats          CacheStatsRepo
}

// HealthCheck reports repository-layer connectivity, mirroring the
// teacher's RepositoryHealth contract.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
