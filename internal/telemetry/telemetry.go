// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// execution engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsExecuted counts finished executions by terminal status.
	RunsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cres",
		Name:      "runs_executed_total",
		Help:      "Run executions by terminal status.",
	}, []string{"status"})

	// RunDuration tracks wall-clock time of run executions.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cres",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of run executions.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ApprovalDecisions counts resume decisions by approve/deny.
	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cres",
		Name:      "approval_decisions_total",
		Help:      "Tool approval decisions applied to checkpointed runs.",
	}, []string{"decision"})

	// RetrievalQueries counts hybrid retrieval queries.
	RetrievalQueries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cres",
		Name:      "retrieval_queries_total",
		Help:      "Hybrid memory retrieval queries served.",
	})

	// RewardSignals counts reward applications by resulting outcome.
	RewardSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cres",
		Name:      "reward_signals_total",
		Help:      "Reward signals applied by resulting episode outcome.",
	}, []string{"outcome"})
)

// ObserveRun records a finished execution.
func ObserveRun(status string, started time.Time) {
	RunsExecuted.WithLabelValues(status).Inc()
	RunDuration.Observe(time.Since(started).Seconds())
}
