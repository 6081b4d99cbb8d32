// Package metrics exposes Prometheus collectors for plan execution, merge controllers and the admin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts executed operations by type and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_operations_total",
		Help: "Total number of plan operations executed",
	}, []string{"type", "outcome"})

	// OperationDuration tracks per-operation execution time.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mergeplane_operation_duration_seconds",
		Help:    "Duration of plan operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"type"})

	// PlansTotal counts plan executions by outcome.
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_plans_total",
		Help: "Total number of plans executed",
	}, []string{"outcome"})

	// RPCRetries counts retried admin calls.
	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_rpc_retries_total",
		Help: "Total number of admin RPC retries after a retryable failure",
	}, []string{"call"})

	// MergeTasksTotal counts terminal merge task results per controller kind.
	MergeTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_merge_tasks_total",
		Help: "Total number of merge tasks that reached a terminal status",
	}, []string{"controller", "outcome"})

	// AdminTasksStarted counts StartTask calls by admin error code.
	AdminTasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_admin_tasks_started_total",
		Help: "Total number of StartTask requests handled by the admin",
	}, []string{"code"})

	// AdminTasksFinished counts admin task completions by final step.
	AdminTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeplane_admin_tasks_finished_total",
		Help: "Total number of admin tasks that reached a terminal step",
	}, []string{"step"})

	// AdminTasksRunning is the number of tasks currently executing on the admin.
	AdminTasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mergeplane_admin_tasks_running",
		Help: "Number of admin tasks currently executing",
	})
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// OutcomeOf maps an error to an outcome label.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
