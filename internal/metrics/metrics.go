package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evently_events_total",
			Help: "Ingested events by result",
		},
		[]string{"result"}, // accepted|duplicate|invalid
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evently_jobs_total",
			Help: "Job status transitions",
		},
		[]string{"status"}, // created|running|succeeded|requeued|dead|reclaimed
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evently_attempts_total",
			Help: "Execution attempts by classification",
		},
		[]string{"action", "class"}, // webhook.deliver , success|retryable|permanent
	)

	OutboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evently_outbox_published_total",
			Help: "Outbox entries accepted by the broker",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		JobsTotal,
		AttemptsTotal,
		OutboxPublishedTotal,
	)
}
