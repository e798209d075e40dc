package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "agentforge"

	reasonLabel         = "reason"
	jobTypeLabel        = "job_type"
	statusLabel         = "status"
	classificationLabel = "classification"
	roleLabel           = "role"
	decisionLabel       = "decision"
)

var stageTransitionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "stage_transitions_total",
		Help:      "number of candidate stage transitions by reason",
	},
	[]string{reasonLabel},
)

var approvalDecisionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "approval_decisions_total",
		Help:      "number of approval decisions by role and outcome",
	},
	[]string{roleLabel, decisionLabel},
)

var jobRunsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "job_runs_total",
		Help:      "number of worker job runs by type and final status",
	},
	[]string{jobTypeLabel, statusLabel},
)

var reconciledOrdersMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "reconciled_orders_total",
		Help:      "number of orders checked against the broker by classification",
	},
	[]string{classificationLabel},
)

var notificationFailuresMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "notification_failures_total",
		Help:      "number of downstream notifications that failed",
	},
)

func IncreaseStageTransitions(reason string) {
	stageTransitionsMetric.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

func IncreaseApprovalDecisions(role string, approved bool) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	approvalDecisionsMetric.With(prometheus.Labels{roleLabel: role, decisionLabel: decision}).Inc()
}

func IncreaseJobRuns(jobType, status string) {
	jobRunsMetric.With(prometheus.Labels{jobTypeLabel: jobType, statusLabel: status}).Inc()
}

func IncreaseReconciledOrders(classification string, n int) {
	if n <= 0 {
		return
	}
	reconciledOrdersMetric.With(prometheus.Labels{classificationLabel: classification}).Add(float64(n))
}

func IncreaseNotificationFailures() {
	notificationFailuresMetric.Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(stageTransitionsMetric)
	prometheus.MustRegister(approvalDecisionsMetric)
	prometheus.MustRegister(jobRunsMetric)
	prometheus.MustRegister(reconciledOrdersMetric)
	prometheus.MustRegister(notificationFailuresMetric)
}
