package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsJobsCreatedIncrementsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobsCreated.WithLabelValues("TemplateParse").Inc()
	m.JobsCreated.WithLabelValues("TemplateParse").Inc()
	m.JobsCreated.WithLabelValues("TemplateEdit").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsCreated.WithLabelValues("TemplateParse")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsCreated.WithLabelValues("TemplateEdit")))
}

func TestMetricsReaperCountersAreIndependent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ReaperSweeps.Inc()
	m.ReaperSweeps.Inc()
	m.ReaperFailures.WithLabelValues("worker_timeout").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReaperSweeps))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReaperFailures.WithLabelValues("worker_timeout")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReaperFailures.WithLabelValues("dispatch_timeout")))
}

func TestMetricsLLMCostAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LLMCostUSD.WithLabelValues("openai").Add(0.02)
	m.LLMCostUSD.WithLabelValues("openai").Add(0.03)

	assert.InDelta(t, 0.05, testutil.ToFloat64(m.LLMCostUSD.WithLabelValues("openai")), 0.0001)
}
