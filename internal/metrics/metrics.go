// Package metrics provides Prometheus metrics for the generation service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	TokensUsed      *prometheus.CounterVec
	CostTotal       *prometheus.CounterVec
	FilesGenerated  prometheus.Counter
	ActiveRunsGauge prometheus.Gauge
}

// Get returns the singleton metrics instance, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			StepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_steps_total",
				Help: "Pipeline steps executed, by step kind and outcome",
			}, []string{"step", "outcome"}),
			StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "forgeline_step_duration_seconds",
				Help:    "Wall-clock duration of pipeline steps",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"step"}),
			RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_step_retries_total",
				Help: "Retried step attempts, by step kind",
			}, []string{"step"}),
			FallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_provider_fallbacks_total",
				Help: "Fallback-provider attempts, by step kind and provider",
			}, []string{"step", "provider"}),
			RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_runs_total",
				Help: "Generation runs, by terminal outcome",
			}, []string{"outcome"}),
			TokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_tokens_total",
				Help: "Tokens consumed, by provider and direction",
			}, []string{"provider", "direction"}),
			CostTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeline_cost_usd_total",
				Help: "Raw provider cost in USD, by provider",
			}, []string{"provider"}),
			FilesGenerated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeline_files_generated_total",
				Help: "Files written into run file maps",
			}),
			ActiveRunsGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "forgeline_active_runs",
				Help: "Runs currently executing or awaiting backend",
			}),
		}
	})
	return instance
}

// ObserveStep records one completed step execution.
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	m.StepsTotal.WithLabelValues(step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveUsage records token and cost usage for one provider call.
func (m *Metrics) ObserveUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	m.TokensUsed.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.TokensUsed.WithLabelValues(provider, "output").Add(float64(outputTokens))
	m.CostTotal.WithLabelValues(provider).Add(costUSD)
}
