package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
)

// postgresDurableStore adapts the therapy_sessions.analytics_cache column
// (accessed through persistence.SessionRepo/CacheStatsRepo) to the
// DurableStore contract the cache Layer expects.
type postgresDurableStore struct {
	sessions persistence.SessionRepo
	stats    persistence.CacheStatsRepo
}

// NewPostgresDurableStore builds the durable tier of the two-layer cache
// on top of the therapy_sessions table.
func NewPostgresDurableStore(sessions persistence.SessionRepo, stats persistence.CacheStatsRepo) DurableStore {
	return &postgresDurableStore{sessions: sessions, stats: stats}
}

func (s *postgresDurableStore) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.CacheEntry, error) {
	sess, err := s.sessions.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("durable cache lookup failed: %w", err)
	}
	if sess == nil || len(sess.AnalyticsCache) == 0 {
		return nil, nil
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(sess.AnalyticsCache, &entry); err != nil {
		return nil, fmt.Errorf("durable cache entry corrupted for session %s: %w", sess.ID, err)
	}
	entry.CacheHits = sess.CacheHits
	return &entry, nil
}

func (s *postgresDurableStore) Put(ctx context.Context, sessionID string, entry domain.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return s.sessions.SetAnalyticsCache(ctx, sessionID, raw, entry.ProcessingTimeMs)
}

func (s *postgresDurableStore) IncrementHits(ctx context.Context, sessionID, _ string) error {
	return s.sessions.TouchCacheHit(ctx, sessionID)
}

func (s *postgresDurableStore) InvalidateByFingerprint(ctx context.Context, fingerprint string) (int, error) {
	sess, err := s.sessions.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("durable cache invalidation lookup failed: %w", err)
	}
	if sess == nil {
		return 0, nil
	}
	if err := s.sessions.SetAnalyticsCache(ctx, sess.ID, nil, 0); err != nil {
		return 0, fmt.Errorf("durable cache invalidation failed: %w", err)
	}
	return 1, nil
}

func (s *postgresDurableStore) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	return s.stats.CleanupExpired(ctx, olderThan)
}

func (s *postgresDurableStore) Statistics(ctx context.Context) (DurableStats, error) {
	stats, err := s.stats.Statistics(ctx)
	if err != nil {
		return DurableStats{}, err
	}
	return DurableStats{
		TotalSessions:         stats.TotalSessions,
		SessionsWithCache:     stats.SessionsWithCache,
		TotalHits:             stats.TotalCacheHits,
		AverageHitsPerSession: stats.AverageHitsPerSession,
		RecentActivity7d:      stats.RecentActivity7d,
	}, nil
}
