package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fcpqueue/models"
)

// Metrics exposes reconciler counters. A nil *Metrics records nothing.
type Metrics struct {
	inProgress  *prometheus.GaugeVec
	waiting     *prometheus.GaugeVec
	admissions  *prometheus.CounterVec
	completions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	directJobs  *prometheus.CounterVec
}

// NewMetrics registers the queue collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		inProgress: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fcpqueue_in_progress",
				Help: "Locally originated transfers currently in progress",
			},
			[]string{"direction"},
		),
		waiting: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fcpqueue_waiting",
				Help: "Transfers waiting for admission",
			},
			[]string{"direction"},
		),
		admissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcpqueue_admissions_total",
				Help: "Transfers admitted to the node queue by transfer mode",
			},
			[]string{"direction", "mode"}, // mode: "disk", "direct"
		),
		completions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcpqueue_completions_total",
				Help: "Transfers that finished successfully",
			},
			[]string{"direction"},
		),
		failures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcpqueue_failures_total",
				Help: "Transfers that failed permanently by failure class",
			},
			[]string{"direction", "class"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcpqueue_retries_total",
				Help: "Automatic re-admissions after retryable failures",
			},
			[]string{"direction"},
		),
		directJobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcpqueue_direct_jobs_total",
				Help: "Direct transfer worker jobs by outcome",
			},
			[]string{"direction", "outcome"}, // outcome: "ok", "error", "panic"
		),
	}
}

func (m *Metrics) observeCounts(direction models.Direction, inProgress, waiting int) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(string(direction)).Set(float64(inProgress))
	m.waiting.WithLabelValues(string(direction)).Set(float64(waiting))
}

func (m *Metrics) recordAdmission(direction models.Direction, mode string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(direction), mode).Inc()
}

func (m *Metrics) recordCompletion(direction models.Direction) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(string(direction)).Inc()
}

func (m *Metrics) recordFailure(direction models.Direction, class models.FailureClass) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(direction), class.String()).Inc()
}

func (m *Metrics) recordRetry(direction models.Direction) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(direction)).Inc()
}

func (m *Metrics) recordDirectJob(direction models.Direction, outcome string) {
	if m == nil {
		return
	}
	m.directJobs.WithLabelValues(string(direction), outcome).Inc()
}
