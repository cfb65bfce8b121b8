// Package metrics exposes prometheus instruments for the metering core.
// All methods are nil-safe so emitting a sample can never fail a job.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels applied to every instrument.
type Config struct {
	ServiceName string
	Environment string
}

// QueueMetrics instruments job admission, execution and the ledger.
type QueueMetrics struct {
	jobDuration         *prometheus.HistogramVec
	jobsProcessed       *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
	creditsDebited      prometheus.Counter
	creditsCompensated  prometheus.Counter
	rateLimitDenials    *prometheus.CounterVec
	reconciliationAlert prometheus.Counter
}

var (
	queueMetricsOnce sync.Once
	queueMetrics     *QueueMetrics
)

// Queue returns the process-wide QueueMetrics, registering it on first use.
func Queue() *QueueMetrics {
	return QueueWithConfig(Config{})
}

// QueueWithConfig returns the process-wide QueueMetrics with explicit labels.
func QueueWithConfig(cfg Config) *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueMetrics = newQueueMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return queueMetrics
}

// ResetQueueMetricsForTest clears the singleton so tests can re-register.
func ResetQueueMetricsForTest() {
	queueMetricsOnce = sync.Once{}
	queueMetrics = nil
}

func newQueueMetrics(registerer prometheus.Registerer, cfg Config) *QueueMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "esg-lite"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "esglite_job_duration_seconds",
			Help:        "Wall time spent executing a job from claim to terminal state.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"queue", "result"}, // completed | failed | retry
	)

	jobsProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "esglite_jobs_processed_total",
			Help:        "Jobs reaching a terminal or retry state, by result.",
			ConstLabels: constLabels,
		},
		[]string{"queue", "result"},
	)

	jobErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "esglite_job_errors_total",
			Help:        "Processing failures by error kind.",
			ConstLabels: constLabels,
		},
		[]string{"queue", "kind"}, // process | sanity | record | expired
	)

	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "esglite_queue_depth",
			Help:        "Jobs currently in each state.",
			ConstLabels: constLabels,
		},
		[]string{"queue", "state"},
	)

	creditsDebited := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "esglite_credits_debited_total",
			Help:        "Credits collected at admission.",
			ConstLabels: constLabels,
		},
	)

	creditsCompensated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "esglite_credits_compensated_total",
			Help:        "Credits returned by admission compensation.",
			ConstLabels: constLabels,
		},
	)

	rateLimitDenials := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "esglite_rate_limit_denials_total",
			Help:        "Denied rate-limit checks by reason.",
			ConstLabels: constLabels,
		},
		[]string{"reason"},
	)

	reconciliationAlert := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "esglite_reconciliation_required_total",
			Help:        "Admissions whose compensation failed and need manual reconciliation.",
			ConstLabels: constLabels,
		},
	)

	registerer.MustRegister(
		jobDuration,
		jobsProcessed,
		jobErrors,
		queueDepth,
		creditsDebited,
		creditsCompensated,
		rateLimitDenials,
		reconciliationAlert,
	)

	return &QueueMetrics{
		jobDuration:         jobDuration,
		jobsProcessed:       jobsProcessed,
		jobErrors:           jobErrors,
		queueDepth:          queueDepth,
		creditsDebited:      creditsDebited,
		creditsCompensated:  creditsCompensated,
		rateLimitDenials:    rateLimitDenials,
		reconciliationAlert: reconciliationAlert,
	}
}

// ObserveJobDuration records execution time for a job result.
func (m *QueueMetrics) ObserveJobDuration(queue, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(queue, result).Observe(d.Seconds())
	m.jobsProcessed.WithLabelValues(queue, result).Inc()
}

// IncJobError counts a processing failure by kind.
func (m *QueueMetrics) IncJobError(queue, kind string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(queue, kind).Inc()
}

// SetQueueDepth publishes the number of jobs in a state.
func (m *QueueMetrics) SetQueueDepth(queue, state string, value int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, state).Set(float64(value))
}

// AddCreditsDebited counts credits collected at admission.
func (m *QueueMetrics) AddCreditsDebited(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDebited.Add(amount)
}

// AddCreditsCompensated counts credits returned by compensation.
func (m *QueueMetrics) AddCreditsCompensated(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsCompensated.Add(amount)
}

// IncRateLimitDenial counts a denied rate-limit check.
func (m *QueueMetrics) IncRateLimitDenial(reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(reason).Inc()
}

// IncReconciliationRequired counts a failed admission compensation.
func (m *QueueMetrics) IncReconciliationRequired() {
	if m == nil {
		return
	}
	m.reconciliationAlert.Inc()
}
