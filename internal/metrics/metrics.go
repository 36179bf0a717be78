// Package metrics provides Prometheus metrics for monitoring the task orchestration engine.
package metrics

import (
	"time"

	"github.com/nadmax/autopilot/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_task_transitions_total",
			Help: "Total number of task status transitions",
		},
		[]string{"from", "to"},
	)
	PlansGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_plans_generated_total",
			Help: "Total number of plan generation attempts by result",
		},
		[]string{"result"},
	)
	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_approvals_resolved_total",
			Help: "Total number of approval requests resolved",
		},
		[]string{"action"},
	)
	StepsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_steps_dispatched_total",
			Help: "Total number of plan steps dispatched",
		},
		[]string{"kind", "result"},
	)
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_step_duration_seconds",
			Help:    "Plan step execution duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)
	OutcomesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_outcomes_recorded_total",
			Help: "Total number of outcome ledger records written",
		},
		[]string{"action_type", "success"},
	)
	OutcomeWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_outcome_write_failures_total",
			Help: "Total number of outcome ledger writes that failed",
		},
	)
	DedupChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_dedup_checks_total",
			Help: "Total number of dedup guard checks by source and result",
		},
		[]string{"source", "result"},
	)
	CronJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_cron_job_runs_total",
			Help: "Total number of dispatcher job runs",
		},
		[]string{"job", "result"},
	)
	TasksAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_tasks_abandoned_total",
			Help: "Total number of stuck tasks failed by the dispatcher",
		},
	)
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopilot_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCreated() {
	TasksCreated.Inc()
}

func RecordTransition(from, to task.TaskStatus) {
	TaskTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func RecordPlanGenerated(result string) {
	PlansGenerated.WithLabelValues(result).Inc()
}

func RecordApprovalResolved(action string) {
	ApprovalsResolved.WithLabelValues(action).Inc()
}

func RecordStep(kind task.ActionKind, success bool, duration time.Duration) {
	StepsDispatched.WithLabelValues(string(kind), resultLabel(success)).Inc()
	StepDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func RecordOutcome(actionType string, success bool) {
	OutcomesRecorded.WithLabelValues(actionType, boolLabel(success)).Inc()
}

func RecordOutcomeWriteFailure() {
	OutcomeWriteFailures.Inc()
}

func RecordDedupCheck(source string, posted bool) {
	DedupChecks.WithLabelValues(source, boolLabel(posted)).Inc()
}

func RecordCronJob(job, result string) {
	CronJobRuns.WithLabelValues(job, result).Inc()
}

func RecordTaskAbandoned() {
	TasksAbandoned.Inc()
}

func RecordTick(duration time.Duration) {
	TickDuration.Observe(duration.Seconds())
}

func UpdateTaskGauges(counts map[task.TaskStatus]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
