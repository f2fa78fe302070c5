package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	require.NotNil(t, metrics)

	assert.NotNil(t, metrics.DocumentsProcessed)
	assert.NotNil(t, metrics.OperatorPasses)
	assert.NotNil(t, metrics.PassDuration)
	assert.NotNil(t, metrics.ALSSweeps)
	assert.NotNil(t, metrics.ALSResidual)
	assert.NotNil(t, metrics.StageDuration)
	assert.NotNil(t, metrics.FitsCompleted)
	assert.NotNil(t, metrics.FitErrors)
	assert.NotNil(t, metrics.SmallestEigenvalue)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil).ALSSweeps.Inc()
		NewMetrics(nil).ALSSweeps.Inc()
	})
}

func TestObservePass(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.ObservePass("m2", 120, 5*time.Millisecond)
	metrics.ObservePass("m2", 120, 5*time.Millisecond)
	metrics.ObservePass("m3", 120, time.Millisecond)

	families := gather(t, reg)
	docs := families["spectrallda_documents_processed_total"]
	require.NotNil(t, docs)
	assert.Equal(t, 360.0, docs.GetMetric()[0].GetCounter().GetValue())

	passes := families["spectrallda_operator_passes_total"]
	require.NotNil(t, passes)
	byOperator := map[string]float64{}
	for _, m := range passes.GetMetric() {
		byOperator[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"m2": 2, "m3": 1}, byOperator)

	hist := families["spectrallda_pass_duration_seconds"]
	require.NotNil(t, hist)
	assert.Equal(t, uint64(3), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestObserveStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.ObserveStage("whiten", time.Now())

	stage := gather(t, reg)["spectrallda_stage_duration_seconds"]
	require.NotNil(t, stage)
	require.Len(t, stage.GetMetric(), 1)
	assert.Equal(t, "whiten", stage.GetMetric()[0].GetLabel()[0].GetValue())
}
