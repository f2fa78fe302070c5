package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	DocumentsProcessed prometheus.Counter
	OperatorPasses     *prometheus.CounterVec
	PassDuration       prometheus.Histogram
	ALSSweeps          prometheus.Counter
	ALSResidual        prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	FitsCompleted      prometheus.Counter
	FitErrors          *prometheus.CounterVec
	SmallestEigenvalue prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg yields unregistered
// collectors, which is convenient for tests and one-off runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DocumentsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "spectrallda_documents_processed_total",
			Help: "Total number of documents visited by collection passes",
		}),
		OperatorPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spectrallda_operator_passes_total",
			Help: "Total number of distributed passes over the corpus",
		}, []string{"operator"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spectrallda_pass_duration_seconds",
			Help:    "Time taken by a single pass over the corpus",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ALSSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "spectrallda_als_sweeps_total",
			Help: "Total number of ALS sweeps performed",
		}),
		ALSResidual: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spectrallda_als_residual",
			Help: "Residual of the most recent tensor decomposition",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spectrallda_stage_duration_seconds",
			Help:    "Time taken by each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage"}),
		FitsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "spectrallda_fits_completed_total",
			Help: "Total number of successful fits",
		}),
		FitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spectrallda_fit_errors_total",
			Help: "Total number of failed fits by stage",
		}, []string{"stage"}),
		SmallestEigenvalue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spectrallda_smallest_eigenvalue",
			Help: "Smallest retained eigenvalue of M2 in the most recent fit",
		}),
	}
}

// ObserveStage records the time since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObservePass records one corpus pass made on behalf of operator.
func (m *Metrics) ObservePass(operator string, documents int, d time.Duration) {
	m.OperatorPasses.WithLabelValues(operator).Inc()
	m.DocumentsProcessed.Add(float64(documents))
	m.PassDuration.Observe(d.Seconds())
}
