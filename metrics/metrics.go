package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the nurturing engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Enrollment lifecycle
	EnrollmentsCreated   *prometheus.CounterVec
	TriggersSkipped      *prometheus.CounterVec
	EnrollmentsCancelled *prometheus.CounterVec
	EnrollmentsCompleted *prometheus.CounterVec
	EnrollmentsFailed    *prometheus.CounterVec

	// Delivery
	StepsSent        *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	ClaimConflicts   prometheus.Counter
	SendDuration     prometheus.Histogram

	// Runner
	RunDuration    *prometheus.HistogramVec
	StaleRecovered prometheus.Counter
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EnrollmentsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_enrollments_created_total",
				Help: "Total number of enrollments created",
			},
			[]string{"sequence_type"},
		),
		TriggersSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_triggers_skipped_total",
				Help: "Total number of trigger events that did not create an enrollment",
			},
			[]string{"reason"}, // inactive, already_enrolled
		),
		EnrollmentsCancelled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_enrollments_cancelled_total",
				Help: "Total number of cancel requests accepted",
			},
			[]string{"reason"}, // replied, purchased, manual
		),
		EnrollmentsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_enrollments_completed_total",
				Help: "Total number of enrollments that delivered their last step",
			},
			[]string{"sequence_type"},
		),
		EnrollmentsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_enrollments_failed_total",
				Help: "Total number of enrollments dead-lettered after exhausting retries",
			},
			[]string{"sequence_type"},
		),
		StepsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_steps_sent_total",
				Help: "Total number of sequence steps delivered",
			},
			[]string{"sequence_type", "platform"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nurture_delivery_failures_total",
				Help: "Total number of failed delivery attempts",
			},
			[]string{"sequence_type"},
		),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "nurture_claim_conflicts_total",
			Help: "Total number of enrollments skipped because another runner claimed them",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nurture_send_duration_seconds",
			Help:    "Time spent waiting on the sender",
			Buckets: prometheus.DefBuckets,
		}),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nurture_run_duration_seconds",
				Help:    "Duration of a runner pass",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"mode"}, // live, dry_run
		),
		StaleRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "nurture_stale_claims_recovered_total",
			Help: "Total number of abandoned claims returned to the queue",
		}),
	}
}

func (m *Metrics) EnrollmentCreated(sequenceType string) {
	if m == nil {
		return
	}
	m.EnrollmentsCreated.WithLabelValues(sequenceType).Inc()
}

func (m *Metrics) TriggerSkipped(reason string) {
	if m == nil {
		return
	}
	m.TriggersSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnrollmentCancelled(reason string) {
	if m == nil {
		return
	}
	m.EnrollmentsCancelled.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnrollmentCompleted(sequenceType string) {
	if m == nil {
		return
	}
	m.EnrollmentsCompleted.WithLabelValues(sequenceType).Inc()
}

func (m *Metrics) EnrollmentFailed(sequenceType string) {
	if m == nil {
		return
	}
	m.EnrollmentsFailed.WithLabelValues(sequenceType).Inc()
}

func (m *Metrics) StepSent(sequenceType, platform string, seconds float64) {
	if m == nil {
		return
	}
	m.StepsSent.WithLabelValues(sequenceType, platform).Inc()
	m.SendDuration.Observe(seconds)
}

func (m *Metrics) DeliveryFailed(sequenceType string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(sequenceType).Inc()
	m.SendDuration.Observe(seconds)
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

func (m *Metrics) RunFinished(dryRun bool, seconds float64) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.RunDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) StaleClaimsRecovered(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleRecovered.Add(float64(n))
}
