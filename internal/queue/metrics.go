package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus collector for queue activity. All series are
// labelled by queue name.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	active    *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collector and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketforge_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"queue"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketforge_jobs_started_total",
			Help: "Total number of handler invocations",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketforge_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"queue"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketforge_jobs_retried_total",
			Help: "Total number of retries scheduled",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketforge_jobs_failed_total",
			Help: "Total number of jobs permanently failed",
		}, []string{"queue"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketforge_jobs_active",
			Help: "Current number of running handlers",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketforge_job_duration_seconds",
			Help:    "Handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"queue"}),
	}
	reg.MustRegister(m.enqueued, m.started, m.completed, m.retried, m.failed, m.active, m.duration)
	return m
}

func (m *Metrics) recordEnqueue(q string) {
	if m != nil {
		m.enqueued.WithLabelValues(q).Inc()
	}
}

func (m *Metrics) recordStart(q string) {
	if m != nil {
		m.started.WithLabelValues(q).Inc()
		m.active.WithLabelValues(q).Inc()
	}
}

func (m *Metrics) recordFinish(q string, d time.Duration) {
	if m != nil {
		m.active.WithLabelValues(q).Dec()
		m.duration.WithLabelValues(q).Observe(d.Seconds())
	}
}

func (m *Metrics) recordCompleted(q string) {
	if m != nil {
		m.completed.WithLabelValues(q).Inc()
	}
}

func (m *Metrics) recordRetry(q string) {
	if m != nil {
		m.retried.WithLabelValues(q).Inc()
	}
}

func (m *Metrics) recordFailed(q string) {
	if m != nil {
		m.failed.WithLabelValues(q).Inc()
	}
}
