// Package metrics aids in defining Prometheus metrics for the fusion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry encapsulates metrics creation and registration
type Registry struct {
	R prometheus.Registerer
}

// NewCounter returns a new created and registered Prometheus Counter
func (mr Registry) NewCounter(c prometheus.CounterOpts) prometheus.Counter {
	pm := prometheus.NewCounter(c)
	mr.R.MustRegister(pm)
	return pm
}

// NewCounterVec returns a new created and registered Prometheus CounterVec
func (mr Registry) NewCounterVec(c prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	pm := prometheus.NewCounterVec(c, labels)
	mr.R.MustRegister(pm)
	return pm
}

// NewGauge returns a new created and registered Prometheus Gauge
func (mr Registry) NewGauge(g prometheus.GaugeOpts) prometheus.Gauge {
	pm := prometheus.NewGauge(g)
	mr.R.MustRegister(pm)
	return pm
}

// NewHistogramVec returns a new and registered Prometheus HistogramVec
func (mr Registry) NewHistogramVec(h prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	pm := prometheus.NewHistogramVec(h, labels)
	mr.R.MustRegister(pm)
	return pm
}

// Fusion holds the pipeline metrics. A nil *Fusion is valid and records
// nothing, so components can call it unconditionally.
type Fusion struct {
	epochs       prometheus.Counter
	gradientNorm prometheus.Gauge
	sweeps       *prometheus.CounterVec
	stageSeconds *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	warnings     *prometheus.CounterVec
}

// NewFusion creates and registers the pipeline metrics under namespace.
func NewFusion(r prometheus.Registerer, namespace string) *Fusion {
	mr := Registry{R: r}
	return &Fusion{
		epochs: mr.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "epochs_total",
			Help:      "Number of weight learning epochs completed",
		}),
		gradientNorm: mr.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "gradient_norm",
			Help:      "L2 norm of the gradient in the most recent epoch",
		}),
		sweeps: mr.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "sweeps_total",
			Help:      "Number of Gibbs sweeps, by phase",
		}, []string{"phase"}),
		stageSeconds: mr.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stage_seconds",
			Help:      "Duration of each session stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		transitions: mr.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions, by target state",
		}, []string{"state"}),
		warnings: mr.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "warnings_total",
			Help:      "Non-fatal warnings, by kind",
		}, []string{"kind"}),
	}
}

// ObserveEpoch records one learning epoch and its gradient norm.
func (f *Fusion) ObserveEpoch(norm float64) {
	if f == nil {
		return
	}
	f.epochs.Inc()
	f.gradientNorm.Set(norm)
}

// ObserveSweeps records n sweeps in phase (learn, burn_in, sample).
func (f *Fusion) ObserveSweeps(phase string, n int) {
	if f == nil || n <= 0 {
		return
	}
	f.sweeps.WithLabelValues(phase).Add(float64(n))
}

// ObserveStage records how long a session stage took.
func (f *Fusion) ObserveStage(stage string, d time.Duration) {
	if f == nil {
		return
	}
	f.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveTransition counts a session entering state.
func (f *Fusion) ObserveTransition(state string) {
	if f == nil {
		return
	}
	f.transitions.WithLabelValues(state).Inc()
}

// ObserveWarning counts a warning of kind.
func (f *Fusion) ObserveWarning(kind string) {
	if f == nil {
		return
	}
	f.warnings.WithLabelValues(kind).Inc()
}
