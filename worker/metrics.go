package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_executions_total",
		Help: "Task executions by outcome (completed, failed, skipped).",
	}, []string{"outcome"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskorch_execution_duration_seconds",
		Help:    "Wall time of the provider call per execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
