// Package worker implements a bounded worker pool that runs the session
// processor's background work: a fixed goroutine count pulling from a
// buffered task queue, with an optional submission rate limiter backed
// by golang.org/x/time/rate.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
)

// Task is a unit of background work submitted to the pool.
type Task struct {
	ID      string
	Func    func(context.Context) error
	Created time.Time
}

// Metrics is a point-in-time snapshot of pool activity.
type Metrics struct {
	MaxWorkers     int32
	ActiveWorkers  int32
	QueuedTasks    int64
	CompletedTasks int64
	FailedTasks    int64
}

// Pool runs submitted tasks across a fixed number of goroutines, default
// sized to the host's CPU count.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	limiter   *rate.Limiter

	activeWorkers  int32
	completedTasks int64
	failedTasks    int64
}

// New creates a pool with `workers` goroutines (0 = runtime.NumCPU()) and
// the given submission rate limit (0 = unlimited).
func New(workers, queueSize int, ratePerSecond rate.Limit) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(ratePerSecond, workers)
	}

	return &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		limiter:   limiter,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop drains the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
	p.cancel()
}

// Submit enqueues a task. It blocks briefly on the submission rate
// limiter (if configured) and returns an error if the queue is full or
// the pool is shutting down.
func (p *Pool) Submit(ctx context.Context, taskID string, fn func(context.Context) error) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}
	}

	task := Task{ID: taskID, Func: fn, Created: time.Now()}
	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		return fmt.Errorf("worker pool queue is full")
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(id, task)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := task.Func(p.ctx)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&p.failedTasks, 1)
		applog.Logger.Error().Err(err).Str("task_id", task.ID).Int("worker", workerID).Dur("duration", duration).Msg("background task failed")
		return
	}
	atomic.AddInt64(&p.completedTasks, 1)
}

// GetMetrics returns a snapshot of pool activity.
func (p *Pool) GetMetrics() Metrics {
	return Metrics{
		MaxWorkers:     int32(p.workers),
		ActiveWorkers:  atomic.LoadInt32(&p.activeWorkers),
		QueuedTasks:    int64(len(p.taskQueue)),
		CompletedTasks: atomic.LoadInt64(&p.completedTasks),
		FailedTasks:    atomic.LoadInt64(&p.failedTasks),
	}
}
