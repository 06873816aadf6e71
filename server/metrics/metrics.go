// Package metrics holds the Prometheus instruments of the risk service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/san-kum/collision-risk/server/models"
)

const namespace = "ksi"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	predictions     *prometheus.CounterVec
	errors          *prometheus.CounterVec
	inferenceTime   *prometheus.HistogramVec
	cacheRequests   *prometheus.CounterVec
	activeBatchJobs prometheus.Gauge
	batchRows       *prometheus.CounterVec
	modelInfo       *prometheus.GaugeVec
}

// New registers all instruments with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Labels: tier (HIGH, LOW)
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Scored scenarios by risk tier",
		}, []string{"tier"}),

		// Labels: kind (validation_error, prediction_error, internal_error)
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed scenarios by error kind",
		}, []string{"kind"}),

		// Labels: mode (single, batch)
		inferenceTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent in encode, classify and interpret",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"mode"}),

		// Labels: result (hit, miss)
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Result cache lookups",
		}, []string{"result"}),

		activeBatchJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "active_jobs",
			Help:      "Uploaded batch jobs not yet finished",
		}),

		// Labels: status (ok, failed)
		batchRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "rows_total",
			Help:      "Rows processed by batch jobs",
		}, []string{"status"}),

		// Labels: version, model_type
		modelInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Always 1; labels describe the loaded classifier",
		}, []string{"version", "model_type"}),
	}
}

func (m *Metrics) ObservePrediction(tier models.RiskTier) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(string(models.KindOf(err))).Inc()
}

func (m *Metrics) ObserveInference(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceTime.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchJobStarted() {
	if m == nil {
		return
	}
	m.activeBatchJobs.Inc()
}

func (m *Metrics) BatchJobFinished(ok, failed int) {
	if m == nil {
		return
	}
	m.activeBatchJobs.Dec()
	m.batchRows.WithLabelValues("ok").Add(float64(ok))
	m.batchRows.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) SetModel(version, modelType string) {
	if m == nil {
		return
	}
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(version, modelType).Set(1)
}
