package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forseti-judge/worker/pkg/submission"
)

const (
	namespace = "forseti"
	subsystem = "judge"
)

// Outcome labels of SubmissionsProcessed.
const (
	OutcomeJudged    = "judged"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

var (
	SubmissionsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "submissions_received_total",
		Help:      "Total number of submissions taken by a worker.",
	})

	SubmissionsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "submissions_processed_total",
		Help:      "Total number of finished judging attempts by outcome.",
	}, []string{"outcome"})

	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verdicts_total",
		Help:      "Total number of verdicts by answer.",
	}, []string{"answer"})

	JudgingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "judging_duration_seconds",
		Help:      "Duration of judging attempts in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"language"})

	QueueWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_wait_seconds",
		Help:      "Time a task spent in the queue before a worker took it.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
	})

	BusyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "busy_workers",
		Help:      "Current number of workers judging a submission.",
	})
)

func init() {
	prometheus.MustRegister(
		SubmissionsReceived,
		SubmissionsProcessed,
		Verdicts,
		JudgingDurationSeconds,
		QueueWaitSeconds,
		BusyWorkers,
	)
}

func ObserveVerdict(answer submission.Answer) {
	Verdicts.WithLabelValues(string(answer)).Inc()
}
