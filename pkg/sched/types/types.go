// Package types defines the domain model shared by every scheduler
// component: executors, reservations, jobs and their execution graphs,
// and sessions.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Executor represents a worker process capable of running tasks.
type Executor struct {
	ID           string
	Host         string
	Port         int
	GRPCPort     int
	TaskSlots    int // total slots advertised at registration
	Labels       map[string]string
	Status       ExecutorStatus
	LastSeen     time.Time
	RegisteredAt time.Time
}

// ExecutorStatus represents the liveness state of an executor.
type ExecutorStatus string

const (
	ExecutorStatusActive ExecutorStatus = "active"
	ExecutorStatusDead   ExecutorStatus = "dead"
)

// ExecutorData tracks an executor's slot accounting separately from its
// registration metadata, mirroring the split between static metadata and
// mutable slot state.
type ExecutorData struct {
	ExecutorID         string
	TotalTaskSlots     int
	AvailableTaskSlots int
}

// ExecutorReservation represents a single claimed (or free) task slot on
// an executor. A reservation is a linear resource: it must eventually be
// either consumed by assigning a task to it, or explicitly cancelled to
// return the slot to the pool. Losing track of one leaks a slot forever.
type ExecutorReservation struct {
	// ID distinguishes this token from every other reservation ever
	// issued against the same executor, so cancelling the same token
	// twice can be detected and ignored.
	ID         string
	ExecutorID string
	// TaskKey is set once a reservation has been bound to a specific
	// task; zero value means the reservation is still free.
	TaskKey TaskKey
	bound   bool
}

// NewFreeReservation creates an unbound reservation against an executor.
func NewFreeReservation(executorID string) ExecutorReservation {
	return ExecutorReservation{ID: uuid.NewString(), ExecutorID: executorID}
}

// Bound reports whether this reservation has been assigned to a task.
func (r ExecutorReservation) Bound() bool { return r.bound }

// WithTask returns a copy of the reservation bound to the given task key.
func (r ExecutorReservation) WithTask(key TaskKey) ExecutorReservation {
	r.TaskKey = key
	r.bound = true
	return r
}

// TaskKey identifies a single task within a job's execution graph.
type TaskKey struct {
	JobID       string
	StageID     int
	PartitionID int
	Attempt     int
}

// JobStatus represents the overall state of a submitted job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is the top-level unit of work submitted by a client: a physical
// execution plan broken into an ordered sequence of stages.
type Job struct {
	ID          string
	SessionID   string
	SchedulerID string
	Status      JobStatus
	Stages      []*Stage
	Error       string
	SubmittedAt time.Time
	CompletedAt time.Time
}

// StageStatus represents the state of a single stage in a job's graph.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"  // inputs not yet ready
	StageStatusRunnable  StageStatus = "runnable" // inputs ready, partitions may be scheduled
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// Stage is a shuffle boundary: a set of partitions that can run once the
// stage's upstream inputs (if any) have all completed.
type Stage struct {
	ID         int
	JobID      string
	Status     StageStatus
	InputStage []int // stage IDs this stage depends on
	Partitions []*Partition
	// PlanBytes is the opaque encoded physical plan fragment for this
	// stage, produced by the caller's plan encoder. The scheduler never
	// interprets it.
	PlanBytes []byte
}

// PartitionStatus mirrors TaskState but is tracked per-partition so a
// stage can tell readiness apart from its tasks' attempt history.
type PartitionStatus string

const (
	PartitionStatusPending   PartitionStatus = "pending"
	PartitionStatusRunning   PartitionStatus = "running"
	PartitionStatusCompleted PartitionStatus = "completed"
	PartitionStatusFailed    PartitionStatus = "failed"
)

// Partition is one unit of parallelism within a stage; it is executed by
// a sequence of task attempts until it completes or exhausts its retry
// budget.
type Partition struct {
	ID      int
	StageID int
	JobID   string
	Status  PartitionStatus
	Tasks   []*Task // attempt history, ordered; last entry is current
}

// TaskState represents the lifecycle state of a single task attempt.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Task is a single attempt to execute one partition of one stage.
type Task struct {
	Key        TaskKey
	ExecutorID string // empty until launched
	State      TaskState
	Retriable  bool // set on Failed: whether another attempt should be made
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	// ShufflePartitions describes the output partitions this task wrote,
	// consumed by downstream stages. Opaque to the scheduler beyond the
	// count.
	ShufflePartitions []ShuffleWritePartition
}

// ShuffleWritePartition records one output partition written by a
// completed task, consumed as input by a downstream stage.
type ShuffleWritePartition struct {
	PartitionID int
	Path        string
	NumRows     int64
	NumBytes    int64
}

// Session represents a client's planning context: configuration values
// that influence how subsequent jobs submitted under it are planned and
// scheduled.
type Session struct {
	ID        string
	Config    map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Default session configuration keys.
const (
	ConfigShufflePartitions     = "ballista.shuffle.partitions"
	ConfigWithInformationSchema = "ballista.with_information_schema"
	ConfigTaskMaxAttempts       = "scheduler.task.max_attempts"
)

// DefaultSessionConfig returns the scheduler's built-in configuration
// defaults, copied fresh for each new session.
func DefaultSessionConfig() map[string]string {
	return map[string]string{
		ConfigShufflePartitions:     "16",
		ConfigWithInformationSchema: "false",
		ConfigTaskMaxAttempts:       "4",
	}
}
