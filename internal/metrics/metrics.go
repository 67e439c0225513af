// Package metrics exposes Prometheus collectors for the studio service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksEnqueuedTotal     *prometheus.CounterVec
	tasksSettledTotal      *prometheus.CounterVec
	taskRedeliveriesTotal  *prometheus.CounterVec
	leaseExpirationsTotal  *prometheus.CounterVec
	queueDepth             *prometheus.GaugeVec
	activeWorkers          *prometheus.GaugeVec
	extractionDurationSecs *prometheus.HistogramVec
	executionsTotal        *prometheus.CounterVec
	evaluationsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_tasks_enqueued_total",
				Help: "Total tasks routed into the queue topology, labeled by kind and queue.",
			},
			[]string{"kind", "queue"},
		)

		tasksSettledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_tasks_settled_total",
				Help: "Total tasks that left the topology, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		taskRedeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_task_redeliveries_total",
				Help: "Total redeliveries scheduled after a nack or lease expiry, labeled by queue.",
			},
			[]string{"queue"},
		)

		leaseExpirationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_lease_expirations_total",
				Help: "Total claims reaped because the worker missed its lease deadline.",
			},
			[]string{"queue"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "studio_queue_depth",
				Help: "Unclaimed tasks currently sitting in each queue.",
			},
			[]string{"queue"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "studio_active_workers",
				Help: "Worker slots currently executing a task, labeled by pool.",
			},
			[]string{"pool"},
		)

		extractionDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "studio_extraction_duration_seconds",
				Help:    "Latency of extractor subagent invocations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"subagent"},
		)

		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_workflow_executions_total",
				Help: "Workflow executions reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		evaluationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_subagent_evaluations_total",
				Help: "Subagent evaluations reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TaskEnqueued records a routed enqueue.
func TaskEnqueued(kind, queue string) {
	if tasksEnqueuedTotal == nil {
		return
	}
	tasksEnqueuedTotal.WithLabelValues(kind, queue).Inc()
}

// TaskSettled records a task leaving the topology: acked, canceled, or
// exhausted.
func TaskSettled(kind, outcome string) {
	if tasksSettledTotal == nil {
		return
	}
	tasksSettledTotal.WithLabelValues(kind, outcome).Inc()
}

// TaskRedelivered records one redelivery scheduling.
func TaskRedelivered(queue string) {
	if taskRedeliveriesTotal == nil {
		return
	}
	taskRedeliveriesTotal.WithLabelValues(queue).Inc()
}

// LeaseExpired records a reaped claim.
func LeaseExpired(queue string) {
	if leaseExpirationsTotal == nil {
		return
	}
	leaseExpirationsTotal.WithLabelValues(queue).Inc()
}

// SetQueueDepth publishes the current unclaimed backlog of a queue.
func SetQueueDepth(queue string, depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// WorkerActive adjusts the busy-slot gauge for a pool.
func WorkerActive(pool string, delta float64) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.WithLabelValues(pool).Add(delta)
}

// ObserveExtraction records one extractor invocation's latency.
func ObserveExtraction(subagent string, d time.Duration) {
	if extractionDurationSecs == nil {
		return
	}
	extractionDurationSecs.WithLabelValues(subagent).Observe(d.Seconds())
}

// ExecutionFinished records a workflow execution terminal transition.
func ExecutionFinished(status string) {
	if executionsTotal == nil {
		return
	}
	executionsTotal.WithLabelValues(status).Inc()
}

// EvaluationFinished records a subagent evaluation terminal transition.
func EvaluationFinished(status string) {
	if evaluationsTotal == nil {
		return
	}
	evaluationsTotal.WithLabelValues(status).Inc()
}
