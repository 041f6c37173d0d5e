package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(2, 10, 0)
	p.Start()
	defer p.Stop()

	var count int32
	for i := 0; i < 5; i++ {
		err := p.Submit(context.Background(), "t", func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 5 }, time.Second, 5*time.Millisecond)
	m := p.GetMetrics()
	assert.Equal(t, int64(5), m.CompletedTasks)
}

func TestPool_TracksFailedTasks(t *testing.T) {
	p := New(1, 10, 0)
	p.Start()
	defer p.Stop()

	err := p.Submit(context.Background(), "t", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.GetMetrics().FailedTasks == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_QueueFullReturnsError(t *testing.T) {
	p := New(1, 1, 0)
	// Don't start workers, so the single queue slot fills immediately.
	require.NoError(t, p.Submit(context.Background(), "a", func(ctx context.Context) error { return nil }))
	err := p.Submit(context.Background(), "b", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestPool_DefaultsWorkersToNumCPUWhenZero(t *testing.T) {
	p := New(0, 1, 0)
	assert.Greater(t, p.workers, 0)
}

func TestPool_RateLimiterThrottlesSubmission(t *testing.T) {
	p := New(1, 10, rate.Limit(1000))
	p.Start()
	defer p.Stop()

	err := p.Submit(context.Background(), "t", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}
