// Package metrics exposes the scheduler's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Executor manager metrics
	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_executors_total",
			Help: "Total number of registered executors by status",
		},
		[]string{"status"},
	)

	TaskSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_task_slots_total",
			Help: "Total task slots across all registered executors",
		},
	)

	TaskSlotsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_task_slots_available",
			Help: "Currently unreserved task slots across all executors",
		},
	)

	// Task manager metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_tasks_total",
			Help: "Total number of task attempts by state",
		},
		[]string{"state"},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_task_retries_total",
			Help: "Total number of task attempts retried after failure",
		},
	)

	TaskAttemptsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_task_attempts_exhausted_total",
			Help: "Total number of partitions that exhausted their retry budget",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_offer_reservation_latency_seconds",
			Help:    "Time taken to process one offer_reservation call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Jobs
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobPlanningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_planning_duration_seconds",
			Help:    "Time taken to plan a submitted job into its execution graph",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sessions
	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_sessions_total",
			Help: "Total number of active sessions",
		},
	)

	// Gateway (inbound RPC surface)
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_gateway_request_duration_seconds",
			Help:    "Time taken to handle one inbound SchedulerGateway RPC, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// State backend / raft
	StateApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_state_apply_duration_seconds",
			Help:    "Time taken to apply a state mutation (raft log entry or local transaction)",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_raft_is_leader",
			Help: "Whether this node is the Raft leader (1) or a follower (0)",
		},
	)

	// Reconciliation
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_reconciliation_duration_seconds",
			Help:    "Time taken for one executor-expiry reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ExecutorsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_executors_expired_total",
			Help: "Total number of executors expired due to missed heartbeats",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutorsTotal,
		TaskSlotsTotal,
		TaskSlotsAvailable,
		TasksTotal,
		TaskRetriesTotal,
		TaskAttemptsExhaustedTotal,
		SchedulingLatency,
		GatewayRequestDuration,
		JobsTotal,
		JobPlanningDuration,
		SessionsTotal,
		StateApplyDuration,
		RaftIsLeader,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ExecutorsExpiredTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
