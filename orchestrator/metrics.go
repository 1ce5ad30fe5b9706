package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_tasks_created_total",
		Help: "Total number of tasks created",
	})
	tasksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_tasks_retried_total",
		Help: "Total number of user-initiated retries",
	})
	tasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_tasks_cancelled_total",
		Help: "Total number of user-initiated cancellations",
	})
	dispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_dispatch_failures_total",
		Help: "Total number of broker submissions that failed after the queued attempt was persisted",
	})
)
