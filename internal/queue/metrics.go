// ABOUTME: Prometheus counters for scheduled, processed, retried and dead-lettered tasks.
package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend labels used in metrics.
const (
	BackendBroker  = "rabbitmq"
	BackendPolling = "postgres"
)

var (
	tasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "queue",
		Name:      "tasks_scheduled_total",
		Help:      "Envelopes accepted by the backend.",
	}, []string{"backend", "queue"})

	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "queue",
		Name:      "tasks_processed_total",
		Help:      "Handler invocations by outcome.",
	}, []string{"backend", "queue", "outcome"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Envelopes scheduled for a delayed republish.",
	}, []string{"backend", "queue"})

	deadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Envelopes moved to dead-letter or archive storage.",
	}, []string{"backend", "queue"})
)

// ObserveScheduled counts an accepted submission.
func ObserveScheduled(backend, queueName string) {
	tasksScheduled.WithLabelValues(backend, queueName).Inc()
}

// ObserveProcessed counts a handler outcome.
func ObserveProcessed(backend, queueName string, s Status) {
	tasksProcessed.WithLabelValues(backend, queueName, string(s)).Inc()
}

// ObserveRetry counts a scheduled republish.
func ObserveRetry(backend, queueName string) {
	retries.WithLabelValues(backend, queueName).Inc()
}

// ObserveDeadLettered counts an envelope diverted to terminal storage.
func ObserveDeadLettered(backend, queueName string) {
	deadLettered.WithLabelValues(backend, queueName).Inc()
}
