package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

func singlePartitionJob(sessionID string) task.JobSpec {
	return task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 1}}}
}

func TestExecuteQueryCreatesSessionWithoutStages(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	gw := NewGateway(s)

	resp, err := gw.ExecuteQuery(ctx, transport.ExecuteQueryRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Empty(t, resp.JobID)

	// The session it handed out is real and reusable.
	again, err := gw.ExecuteQuery(ctx, transport.ExecuteQueryRequest{SessionID: resp.SessionID})
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, again.SessionID)
}

func TestExecuteQueryRejectsUnknownSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	gw := NewGateway(s)

	_, err := gw.ExecuteQuery(ctx, transport.ExecuteQueryRequest{SessionID: "nope"})
	assert.Error(t, err)
}

// A full poll-driven lifecycle: the first poll registers the executor
// and drives its slots through the offer loop; the second delivers the
// completion and the job finishes.
func TestPollWorkRegistersExecutorAndDrivesWork(t *testing.T) {
	ctx := context.Background()
	s, fakeGW := newTestState(t)
	gw := NewGateway(s)
	sessionID := newSession(t, s)

	jobID, _, err := s.SubmitJob(ctx, singlePartitionJob(sessionID))
	require.NoError(t, err)

	_, err = gw.PollWork(ctx, transport.PollWorkRequest{ExecutorID: "executor-1", TaskSlots: 2})
	require.NoError(t, err)
	require.Len(t, fakeGW.launched, 1)

	key := fakeGW.launched[0]
	_, err = gw.PollWork(ctx, transport.PollWorkRequest{
		ExecutorID: "executor-1",
		TaskSlots:  2,
		TaskUpdates: []transport.TaskStatusUpdate{
			{Key: key, State: types.TaskStateCompleted},
		},
	})
	require.NoError(t, err)

	job, err := s.Tasks.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)

	// Both slots are back in the free pool once the work is done.
	freed, err := s.Executors.ReserveSlots(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, freed, 2)
}

func TestUpdateTaskStatusReoffersFreedSlot(t *testing.T) {
	ctx := context.Background()
	s, fakeGW := newTestState(t)
	gw := NewGateway(s)
	sessionID := newSession(t, s)

	// Two single-partition jobs, one slot: the second job's task should
	// ride the slot freed by the first one's completion.
	_, _, err := s.SubmitJob(ctx, singlePartitionJob(sessionID))
	require.NoError(t, err)
	_, _, err = s.SubmitJob(ctx, singlePartitionJob(sessionID))
	require.NoError(t, err)

	_, err = gw.PollWork(ctx, transport.PollWorkRequest{ExecutorID: "executor-1", TaskSlots: 1})
	require.NoError(t, err)
	require.Len(t, fakeGW.launched, 1)

	first := fakeGW.launched[0]
	err = gw.UpdateTaskStatus(ctx, transport.UpdateTaskStatusRequest{
		ExecutorID: "executor-1",
		TaskUpdates: []transport.TaskStatusUpdate{
			{Key: first, State: types.TaskStateCompleted},
		},
	})
	require.NoError(t, err)
	assert.Len(t, fakeGW.launched, 2)
	assert.NotEqual(t, first.JobID, fakeGW.launched[1].JobID)
}
