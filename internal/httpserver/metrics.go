package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
)

// MetricsRegistry holds the Prometheus metrics exposed at /metrics.
type MetricsRegistry struct {
	StepDuration *prometheus.HistogramVec

	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	PipelineSteps  *prometheus.CounterVec
	PipelineErrors *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	TotalSessions  prometheus.Counter

	WebhookDeliveries   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetricsRegistry builds and registers every metric this service
// exposes. Call once at startup.
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emganalyzer_step_duration_seconds",
				Help:    "Duration of each pipeline step (download, decode, signal, contraction, scoring)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"step", "result"},
		),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emganalyzer_cache_hit_ratio",
			Help: "Current fast-layer cache hit ratio (0.0 to 1.0)",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emganalyzer_cache_hits_total",
			Help: "Total cache hits by layer (fast/durable)",
		}, []string{"layer"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emganalyzer_cache_misses_total",
			Help: "Total cache misses by layer (fast/durable)",
		}, []string{"layer"}),
		PipelineSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emganalyzer_pipeline_steps_total",
			Help: "Total pipeline steps executed",
		}, []string{"step", "status"}),
		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emganalyzer_pipeline_errors_total",
			Help: "Total pipeline errors by step and error kind",
		}, []string{"step", "error_kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emganalyzer_active_sessions",
			Help: "Number of sessions currently in the processing state",
		}),
		TotalSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emganalyzer_sessions_total",
			Help: "Total number of sessions created",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emganalyzer_webhook_deliveries_total",
			Help: "Total webhook deliveries by outcome (accepted/ignored)",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emganalyzer_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
	}

	prometheus.MustRegister(
		registry.StepDuration,
		registry.CacheHitRatio,
		registry.CacheHits,
		registry.CacheMisses,
		registry.PipelineSteps,
		registry.PipelineErrors,
		registry.ActiveSessions,
		registry.TotalSessions,
		registry.WebhookDeliveries,
		registry.CircuitBreakerState,
	)

	return registry
}

// StepTimer tracks execution time for one pipeline step.
type StepTimer struct {
	metrics *MetricsRegistry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step.
func (m *MetricsRegistry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: m, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric.
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	st.metrics.PipelineSteps.WithLabelValues(st.step, result).Inc()
	applog.Logger.Debug().Str("step", st.step).Str("result", result).Dur("duration", duration).Msg("pipeline step completed")
}

// RecordCacheHit records a cache hit for the given layer and refreshes
// the hit ratio gauge.
func (m *MetricsRegistry) RecordCacheHit(layer string) {
	m.CacheHits.WithLabelValues(layer).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss for the given layer and refreshes
// the hit ratio gauge.
func (m *MetricsRegistry) RecordCacheMiss(layer string) {
	m.CacheMisses.WithLabelValues(layer).Inc()
	m.updateCacheHitRatio()
}

func (m *MetricsRegistry) updateCacheHitRatio() {
	hits := sumCounterVec(m.CacheHits)
	misses := sumCounterVec(m.CacheMisses)
	total := hits + misses
	if total == 0 {
		return
	}
	m.CacheHitRatio.Set(hits / total)
}

func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	cv.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err == nil && pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

// RecordPipelineError records a pipeline error for a step.
func (m *MetricsRegistry) RecordPipelineError(step, errorKind string) {
	m.PipelineErrors.WithLabelValues(step, errorKind).Inc()
	applog.Logger.Warn().Str("step", step).Str("error_kind", errorKind).Msg("pipeline error recorded")
}

// RecordWebhookDelivery records the accepted/ignored outcome of one
// inbound delivery.
func (m *MetricsRegistry) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// SetBreakerState publishes a circuit breaker's numeric state for
// dashboards/alerting.
func (m *MetricsRegistry) SetBreakerState(breaker string, state float64) {
	m.CircuitBreakerState.WithLabelValues(breaker).Set(state)
}

// IncrementActiveSessions increments the in-flight session gauge and the
// lifetime session counter.
func (m *MetricsRegistry) IncrementActiveSessions() {
	m.ActiveSessions.Inc()
	m.TotalSessions.Inc()
}

// DecrementActiveSessions decrements the in-flight session gauge.
func (m *MetricsRegistry) DecrementActiveSessions() {
	m.ActiveSessions.Dec()
}

// Handler returns the /metrics HTTP handler.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.Handler()
}
