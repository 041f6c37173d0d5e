// Package cache implements a two-layer content-addressed cache (fast
// in-process TTL + durable analytics_cache column) with dual-write,
// promotion-on-durable-hit, and a singleflight barrier so concurrent
// misses for the same key build the result at most once.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

// DurableStore is the durable half of the cache, backed by the
// analytics_cache column on therapy_sessions.
type DurableStore interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.CacheEntry, error)
	Put(ctx context.Context, sessionID string, entry domain.CacheEntry) error
	IncrementHits(ctx context.Context, sessionID, fingerprint string) error
	InvalidateByFingerprint(ctx context.Context, fingerprint string) (int, error)
	CleanupExpired(ctx context.Context, olderThan time.Time) (int, error)
	Statistics(ctx context.Context) (DurableStats, error)
}

// DurableStats is the aggregate cache-usage report across all sessions.
type DurableStats struct {
	TotalSessions      int
	SessionsWithCache  int
	TotalHits          int64
	AverageHitsPerSession float64
	RecentActivity7d   int
}

// Key computes the content-addressed cache key: hash(fingerprint ||
// processing_version || canonical(parameters)).
func Key(fingerprint, processingVersion string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte(processingVersion))
	h.Write([]byte(canonicalize(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize produces a stable string representation of a parameter map
// (sorted keys) so that equivalent parameter sets always hash identically.
func canonicalize(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		v, _ := json.Marshal(params[k])
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}

// Layer is the two-layer cache facade used by the Session Processor (C7).
type Layer struct {
	fast              *ttlCache
	redisClient       *redis.Client // optional shared fast-layer backing for multi-instance deployments
	durable           DurableStore
	processingVersion string
	group             singleflight.Group
}

// Config controls the cache layer's tunables.
type Config struct {
	FastTTL           time.Duration
	RedisAddr         string // empty disables the shared Redis tier
	RedisDB           int
	ProcessingVersion string
}

// New builds a Layer. The in-process TTL tier is always active; the Redis
// tier activates only when cfg.RedisAddr is non-empty.
func New(cfg Config, durable DurableStore) *Layer {
	l := &Layer{
		fast:              newTTLCache(cfg.FastTTL, 5*time.Minute),
		durable:           durable,
		processingVersion: cfg.ProcessingVersion,
	}
	if cfg.RedisAddr != "" {
		l.redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	return l
}

func (l *Layer) fastGet(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := l.fast.Get(key); ok {
		return v, true
	}
	if l.redisClient != nil {
		v, err := l.redisClient.Get(ctx, key).Bytes()
		if err == nil {
			l.fast.Set(key, v) // promote redis hit into the local hot tier
			return v, true
		}
	}
	return nil, false
}

func (l *Layer) fastSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l.fast.SetWithTTL(key, value, ttl)
	if l.redisClient != nil {
		l.redisClient.Set(ctx, key, value, ttl)
	}
}

// Get looks up a cache entry by fingerprint+parameters. It tries the fast
// layer first; on miss it consults the durable layer and, on a durable
// hit, promotes the result back into the fast layer asynchronously
// (mirroring hybrid_cache_service.py's _promote_to_redis).
func (l *Layer) Get(ctx context.Context, fingerprint string, params map[string]interface{}) (*domain.CacheEntry, bool) {
	key := Key(fingerprint, l.processingVersion, params)

	if raw, ok := l.fastGet(ctx, key); ok {
		var entry domain.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			return &entry, true
		}
	}

	entry, err := l.durable.GetByFingerprint(ctx, fingerprint)
	if err != nil || entry == nil {
		return nil, false
	}
	if entry.ProcessingVersion != l.processingVersion {
		return nil, false // version mismatch = miss
	}
	if entry.ParameterSig != "" && entry.ParameterSig != canonicalize(params) {
		return nil, false // parameter mismatch (after canonicalization) = miss
	}

	go func() {
		raw, merr := json.Marshal(entry)
		if merr == nil {
			bgCtx := context.Background()
			l.fastSet(bgCtx, key, raw, l.fast.ttl)
		}
	}()

	return entry, true
}

// Put writes a result to both layers (dual-write).
func (l *Layer) Put(ctx context.Context, sessionID, fingerprint string, params map[string]interface{}, analytics []byte, processingTimeMs int64) error {
	key := Key(fingerprint, l.processingVersion, params)
	entry := domain.CacheEntry{
		Fingerprint:       fingerprint,
		ProcessingVersion: l.processingVersion,
		ParameterSig:      canonicalize(params),
		Analytics:         analytics,
		ProcessingTimeMs:  processingTimeMs,
		CachedAt:          time.Now(),
	}
	raw, err := json.Marshal(entry)
	if err == nil {
		l.fastSet(ctx, key, raw, l.fast.ttl)
	}
	return l.durable.Put(ctx, sessionID, entry)
}

// Invalidate flushes the whole in-process tier and clears the durable
// entry for a fingerprint; the optional Redis tier is not cleared. Cache failures never
// fail the caller's pipeline; errors are logged, not returned, except for
// the durable-layer count which callers may want for auditing.
func (l *Layer) Invalidate(ctx context.Context, fingerprint string) int {
	l.fast.DeletePrefix("") // best-effort: fast layer has no fingerprint index, so a full flush is the safe default
	n, err := l.durable.InvalidateByFingerprint(ctx, fingerprint)
	if err != nil {
		applog.Logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("durable cache invalidation failed")
		return 0
	}
	return n
}

// Singleflight enforces an at-most-one-concurrent-build-per-key barrier:
// concurrent callers for the same key wait on the in-flight build and
// share its result.
func (l *Layer) Singleflight(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return l.group.Do(key, fn)
}

// FastStats exposes the in-process tier's hit/miss counters.
func (l *Layer) FastStats() Stats { return l.fast.Stats() }

// Close releases the fast layer's background janitor and any Redis
// connection.
func (l *Layer) Close() error {
	l.fast.Close()
	if l.redisClient != nil {
		return l.redisClient.Close()
	}
	return nil
}
