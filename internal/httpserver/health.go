package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ghostlyplus/emganalyzer/internal/breakers"
	"github.com/ghostlyplus/emganalyzer/internal/cache"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
	"github.com/ghostlyplus/emganalyzer/internal/worker"
)

// HealthSource aggregates the health signals this server reports, pulled
// from four independent subsystems (database, cache, worker pool,
// circuit breakers) wired together at startup.
type HealthSource struct {
	Repo     persistence.RepositoryHealth
	Cache    *cache.Layer
	Pool     *worker.Pool
	Breakers *breakers.Manager
	Names    []string // circuit breaker names to report
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Database map[string]interface{} `json:"database"`
	Cache    cacheHealth            `json:"cache"`
	Worker   workerHealth           `json:"worker"`
	Breakers map[string]string      `json:"breakers"`
}

type cacheHealth struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRatio  float64 `json:"hit_ratio"`
	FastItems int     `json:"fast_items"`
}

type workerHealth struct {
	MaxWorkers     int32 `json:"max_workers"`
	ActiveWorkers  int32 `json:"active_workers"`
	QueuedTasks    int64 `json:"queued_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
}

// Health handles GET /health, composing subsystem health the way the
// dispatcher's backpressure policy expects operators to observe queue
// depth and breaker state without inspecting logs.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Breakers: map[string]string{}}

	if h.health.Repo != nil {
		check := h.health.Repo.Health(ctx)
		resp.Database = map[string]interface{}{
			"healthy":          check.Healthy,
			"response_time_ms": check.ResponseTimeMS,
		}
		if !check.Healthy {
			resp.Status = "degraded"
		}
	}

	if h.health.Cache != nil {
		stats := h.health.Cache.FastStats()
		total := stats.Hits + stats.Misses
		ratio := 0.0
		if total > 0 {
			ratio = float64(stats.Hits) / float64(total)
		}
		resp.Cache = cacheHealth{Hits: stats.Hits, Misses: stats.Misses, HitRatio: ratio, FastItems: stats.Items}
	}

	if h.health.Pool != nil {
		m := h.health.Pool.GetMetrics()
		resp.Worker = workerHealth{
			MaxWorkers:     m.MaxWorkers,
			ActiveWorkers:  m.ActiveWorkers,
			QueuedTasks:    m.QueuedTasks,
			CompletedTasks: m.CompletedTasks,
			FailedTasks:    m.FailedTasks,
		}
		if m.QueuedTasks > 0 && m.ActiveWorkers >= m.MaxWorkers {
			resp.Status = "degraded"
		}
	}

	if h.health.Breakers != nil {
		for _, name := range h.health.Names {
			state, ok := h.health.Breakers.State(name)
			if !ok {
				continue
			}
			resp.Breakers[name] = breakerStateName(state)
			if h.metrics != nil {
				h.metrics.SetBreakerState(name, breakerStateValue(state))
			}
			if state == gobreaker.StateOpen {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Metrics handles GET /metrics, delegating to the Prometheus handler.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.Error(w, "metrics not configured", http.StatusNotImplemented)
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}
