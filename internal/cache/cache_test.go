package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

// fakeDurable is an in-memory stand-in for the postgres-backed durable
// store, keyed by fingerprint, used to exercise Layer without a database.
type fakeDurable struct {
	mu            sync.Mutex
	byFP          map[string]domain.CacheEntry
	hits          map[string]int64
	putErr        error
	invalidateErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{byFP: map[string]domain.CacheEntry{}, hits: map[string]int64{}}
}

func (f *fakeDurable) GetByFingerprint(_ context.Context, fingerprint string) (*domain.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byFP[fingerprint]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeDurable) Put(_ context.Context, _ string, entry domain.CacheEntry) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byFP[entry.Fingerprint] = entry
	return nil
}

func (f *fakeDurable) IncrementHits(_ context.Context, _, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[fingerprint]++
	return nil
}

func (f *fakeDurable) InvalidateByFingerprint(_ context.Context, fingerprint string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidateErr != nil {
		return 0, f.invalidateErr
	}
	if _, ok := f.byFP[fingerprint]; !ok {
		return 0, nil
	}
	delete(f.byFP, fingerprint)
	return 1, nil
}

func (f *fakeDurable) CleanupExpired(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (f *fakeDurable) Statistics(_ context.Context) (DurableStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return DurableStats{TotalSessions: len(f.byFP), SessionsWithCache: len(f.byFP)}, nil
}

func newTestLayer(durable DurableStore) *Layer {
	return New(Config{FastTTL: time.Minute, ProcessingVersion: "v1"}, durable)
}

func TestLayer_MissWhenEmpty(t *testing.T) {
	l := newTestLayer(newFakeDurable())
	defer l.Close()
	_, ok := l.Get(context.Background(), "fp-1", nil)
	assert.False(t, ok)
}

func TestLayer_FastHitAfterPut(t *testing.T) {
	l := newTestLayer(newFakeDurable())
	defer l.Close()
	ctx := context.Background()
	require.NoError(t, l.Put(ctx, "sess-1", "fp-1", map[string]interface{}{"a": 1}, []byte(`{"x":1}`), 120))

	entry, ok := l.Get(ctx, "fp-1", map[string]interface{}{"a": 1})
	require.True(t, ok)
	assert.Equal(t, "fp-1", entry.Fingerprint)
	assert.Equal(t, int64(120), entry.ProcessingTimeMs)
}

func TestLayer_DurableHitWhenFastLayerCold(t *testing.T) {
	durable := newFakeDurable()
	l := newTestLayer(durable)
	defer l.Close()
	ctx := context.Background()
	require.NoError(t, l.Put(ctx, "sess-1", "fp-2", nil, []byte("payload"), 50))

	// Simulate a cold fast tier (e.g. after a restart) by building a second
	// Layer instance sharing the same durable backing.
	l2 := newTestLayer(durable)
	defer l2.Close()
	entry, ok := l2.Get(ctx, "fp-2", nil)
	require.True(t, ok)
	assert.Equal(t, "fp-2", entry.Fingerprint)
}

func TestLayer_VersionMismatchIsMiss(t *testing.T) {
	durable := newFakeDurable()
	durable.byFP["fp-3"] = domain.CacheEntry{Fingerprint: "fp-3", ProcessingVersion: "v0"}
	l := newTestLayer(durable)
	defer l.Close()
	_, ok := l.Get(context.Background(), "fp-3", nil)
	assert.False(t, ok)
}

func TestLayer_ParameterMismatchIsMiss(t *testing.T) {
	durable := newFakeDurable()
	durable.byFP["fp-4"] = domain.CacheEntry{Fingerprint: "fp-4", ProcessingVersion: "v1", ParameterSig: canonicalize(map[string]interface{}{"threshold": 0.5})}
	l := newTestLayer(durable)
	defer l.Close()
	_, ok := l.Get(context.Background(), "fp-4", map[string]interface{}{"threshold": 0.9})
	assert.False(t, ok)
}

func TestLayer_InvalidateClearsDurable(t *testing.T) {
	durable := newFakeDurable()
	l := newTestLayer(durable)
	defer l.Close()
	ctx := context.Background()
	require.NoError(t, l.Put(ctx, "sess-5", "fp-5", nil, []byte("x"), 10))

	n := l.Invalidate(ctx, "fp-5")
	assert.Equal(t, 1, n)
	_, ok := l.Get(ctx, "fp-5", nil)
	assert.False(t, ok)
}

func TestLayer_InvalidateReturnsZeroOnDurableError(t *testing.T) {
	durable := newFakeDurable()
	l := newTestLayer(durable)
	defer l.Close()
	durable.invalidateErr = errors.New("boom")
	n := l.Invalidate(context.Background(), "does-not-exist")
	assert.Equal(t, 0, n)
}

func TestLayer_SingleflightDeduplicatesConcurrentBuilds(t *testing.T) {
	l := newTestLayer(newFakeDurable())
	defer l.Close()

	var calls int
	var mu sync.Mutex
	build := func() (interface{}, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return "built", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err, _ := l.Singleflight("key-1", build)
			assert.NoError(t, err)
			assert.Equal(t, "built", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestKey_StableAcrossMapOrdering(t *testing.T) {
	k1 := Key("fp", "v1", map[string]interface{}{"a": 1, "b": 2})
	k2 := Key("fp", "v1", map[string]interface{}{"b": 2, "a": 1})
	assert.Equal(t, k1, k2)
}

func TestFastStats_TracksHitsAndMisses(t *testing.T) {
	l := newTestLayer(newFakeDurable())
	defer l.Close()
	ctx := context.Background()
	_, _ = l.Get(ctx, "missing", nil)
	require.NoError(t, l.Put(ctx, "sess-6", "fp-6", nil, []byte("x"), 5))
	_, _ = l.Get(ctx, "fp-6", nil)

	stats := l.FastStats()
	assert.GreaterOrEqual(t, stats.Hits, int64(1))
	assert.GreaterOrEqual(t, stats.Misses, int64(1))
}
