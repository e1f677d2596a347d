package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fabric-wide prometheus instrumentation, registered via
// promauto against whichever registry the composition root supplies.
type Metrics struct {
	JobsCreated    *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	LLMCalls       *prometheus.CounterVec
	LLMLatency     *prometheus.HistogramVec
	LLMCostUSD     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	ReaperSweeps   prometheus.Counter
	ReaperFailures *prometheus.CounterVec
}

// NewMetrics registers the fabric's instruments against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "jobs_created_total",
			Help:      "Jobs created, by kind.",
		}, []string{"kind"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "jobs_completed_total",
			Help:      "Jobs completed successfully, by kind.",
		}, []string{"kind"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "jobs_failed_total",
			Help:      "Jobs that ended in Failed, by kind and error_kind.",
		}, []string{"kind", "error_kind"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "templatefabric",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration from Pending to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "llm_calls_total",
			Help:      "LLM gateway calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "templatefabric",
			Name:      "llm_call_duration_seconds",
			Help:      "LLM gateway call latency, by provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		LLMCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated LLM spend in USD, by provider.",
		}, []string{"provider"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "templatefabric",
			Name:      "queue_depth",
			Help:      "Pending work items observed in the dispatch queue, by kind.",
		}, []string{"kind"}),
		ReaperSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "reaper_sweeps_total",
			Help:      "Zombie reaper sweeps performed.",
		}),
		ReaperFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templatefabric",
			Name:      "reaper_failures_total",
			Help:      "Jobs failed by the zombie reaper, by reason.",
		}, []string{"reason"}),
	}
}
