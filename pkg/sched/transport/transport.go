// Package transport declares the scheduler's external RPC surface as
// plain Go interfaces. The wire transport itself (bidirectional RPC)
// is an external collaborator referenced only through these contracts.
// A real deployment implements SchedulerGateway as a gRPC (or any
// other) server and ExecutorGateway as the matching client.
package transport

import (
	"context"

	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// ExecuteQueryRequest is the inbound request to plan and schedule a new
// job.
type ExecuteQueryRequest struct {
	SessionID string
	Stages    []StageSpec
}

// StageSpec mirrors task.StageSpec at the transport boundary so this
// package has no dependency on pkg/sched/task.
type StageSpec struct {
	ID            int
	InputStages   []int
	NumPartitions int
	PlanBytes     []byte
}

// ExecuteQueryResponse acknowledges a submitted job and reports the
// session id the request was (or now is) bound to.
type ExecuteQueryResponse struct {
	SessionID string
	JobID     string
}

// PollWorkRequest is how an executor reports its heartbeat and current
// task statuses, and asks for more work in the same round trip.
type PollWorkRequest struct {
	ExecutorID  string
	TaskSlots   int
	TaskUpdates []TaskStatusUpdate
}

// TaskStatusUpdate mirrors task.TaskStatusUpdate at the transport
// boundary.
type TaskStatusUpdate struct {
	Key               types.TaskKey
	State             types.TaskState
	Retriable         bool
	Error             string
	ShufflePartitions []types.ShuffleWritePartition
}

// PollWorkResponse carries newly assigned tasks back to the executor.
type PollWorkResponse struct {
	AssignedTasks []AssignedTask
}

// AssignedTask is one task handed to an executor in response to a poll.
type AssignedTask struct {
	Key       types.TaskKey
	PlanBytes []byte
}

// UpdateTaskStatusRequest is the inbound out-of-band status push an
// executor may use instead of (or between) poll round trips.
type UpdateTaskStatusRequest struct {
	ExecutorID  string
	TaskUpdates []TaskStatusUpdate
}

// SchedulerGateway is the inbound RPC contract implemented by the
// scheduler and called by clients and executors.
type SchedulerGateway interface {
	ExecuteQuery(ctx context.Context, req ExecuteQueryRequest) (ExecuteQueryResponse, error)
	PollWork(ctx context.Context, req PollWorkRequest) (PollWorkResponse, error)
	UpdateTaskStatus(ctx context.Context, req UpdateTaskStatusRequest) error
}

// LaunchTaskRequest is the outbound request the scheduler sends an
// executor to start a task.
type LaunchTaskRequest struct {
	Key       types.TaskKey
	PlanBytes []byte
}

// CancelTaskRequest is the outbound request the scheduler sends an
// executor to stop a running task.
type CancelTaskRequest struct {
	Key types.TaskKey
}

// ExecutorGateway is the outbound RPC contract the scheduler uses to
// control executors.
type ExecutorGateway interface {
	LaunchTask(ctx context.Context, executor *types.Executor, req LaunchTaskRequest) error
	CancelTask(ctx context.Context, executor *types.Executor, req CancelTaskRequest) error
}
