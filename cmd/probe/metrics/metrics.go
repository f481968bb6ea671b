// Package metrics provides Prometheus instrumentation for the probe service.
//
// Metrics exposed:
//   - deforma_extract_seconds{adapter}: extraction duration
//   - deforma_fit_seconds{model}: fit duration by requested model
//   - deforma_fit_fallbacks_total: exp fits redone as poly-1
//   - deforma_snapshots_stored_total: snapshots written to storage
//   - deforma_errors_total{component,reason}: errors by component and reason
//
// Pixel reader metrics are registered by pkg/timeseries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the probe's collectors.
type Metrics struct {
	ExtractSeconds  *prometheus.HistogramVec
	FitSeconds      *prometheus.HistogramVec
	Fallbacks       prometheus.Counter
	SnapshotsStored prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExtractSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deforma_extract_seconds",
			Help:    "Time spent extracting samples from the adapter",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter"}),

		FitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deforma_fit_seconds",
			Help:    "Time spent fitting a model",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"model"}),

		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "deforma_fit_fallbacks_total",
			Help: "Exponential fits that did not converge and fell back to poly-1",
		}),

		SnapshotsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "deforma_snapshots_stored_total",
			Help: "Fit snapshots written to storage",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deforma_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordExtract records the time spent extracting from adapter.
func (m *Metrics) RecordExtract(adapter string, seconds float64) {
	m.ExtractSeconds.WithLabelValues(adapter).Observe(seconds)
}

// RecordFit records the time spent fitting model.
func (m *Metrics) RecordFit(model string, seconds float64) {
	m.FitSeconds.WithLabelValues(model).Observe(seconds)
}

func (m *Metrics) RecordFallback() { m.Fallbacks.Inc() }

func (m *Metrics) RecordSnapshot() { m.SnapshotsStored.Inc() }

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
