package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scheduler-core/pkg/sched/events"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

func newTestManager(t *testing.T) (*Manager, state.Backend) {
	t.Helper()
	b, err := state.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewManager(b, broker), b
}

func fourPartitionSpec() JobSpec {
	return JobSpec{
		SessionID: "session-1",
		Stages: []StageSpec{
			{ID: 1, NumPartitions: 4},
		},
	}
}

// When there is no pending work, every offered reservation should come
// back unassigned.
func TestFillReservationsWithNoPendingWorkLeavesAllUnassigned(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	reservations := []types.ExecutorReservation{
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
	}

	assignments, unassigned, pending, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	assert.Empty(t, assignments)
	assert.Len(t, unassigned, 4)
	assert.Zero(t, pending)
}

// Four jobs each with one pending partition should exactly consume
// four offered reservations.
func TestFillReservationsConsumesExactMatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
		require.NoError(t, err)
	}

	reservations := []types.ExecutorReservation{
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
		types.NewFreeReservation("executor-1"),
	}

	assignments, unassigned, pending, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	assert.Len(t, assignments, 4)
	assert.Empty(t, unassigned)
	assert.Zero(t, pending)
}

// A stage with 4 partitions offered only 1 reservation should leave 3
// tasks pending, reported back as a nonzero pendingCount so the caller
// knows to request more slots.
func TestFillReservationsReportsExcessDemand(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, fourPartitionSpec())
	require.NoError(t, err)

	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}

	assignments, unassigned, pending, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
	assert.Empty(t, unassigned)
	assert.Equal(t, 3, pending)
}

func TestUpdateTaskStatusesCompletesStageAndUnlocksDownstream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{
		SessionID: "s",
		Stages: []StageSpec{
			{ID: 1, NumPartitions: 1},
			{ID: 2, InputStages: []int{1}, NumPartitions: 1},
		},
	})
	require.NoError(t, err)

	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
	assignments, _, _, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	key := assignments[0].TaskKey
	evts, freed, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateCompleted},
	})
	require.NoError(t, err)
	require.Len(t, freed, 1)

	var sawRunnable bool
	for _, e := range evts {
		if e.Type == events.EventStageRunnable && e.StageID == 2 {
			sawRunnable = true
		}
	}
	assert.True(t, sawRunnable, "expected stage 2 to become runnable once stage 1 completed")
}

func TestUpdateTaskStatusesRetriesRetriableFailure(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
	assignments, _, _, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	key := assignments[0].TaskKey

	_, _, err = m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "executor restarted"},
	})
	require.NoError(t, err)

	// A fresh attempt should now be schedulable.
	more, _, pending, err := m.FillReservations(ctx, []types.ExecutorReservation{types.NewFreeReservation("executor-2")})
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, key.PartitionID, more[0].TaskKey.PartitionID)
	assert.Equal(t, key.Attempt+1, more[0].TaskKey.Attempt)
	assert.Zero(t, pending)
}

// Failing the same partition 5 times in a row against the default
// budget (4) must retry the first 4 failures and only fail the job on
// the 5th.
func TestUpdateTaskStatusesFailsJobOnFifthFailureWithDefaultBudget(t *testing.T) {
	m, _ := newTestManager(t)
	require.Equal(t, 4, m.maxAttempts)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	key := types.TaskKey{}
	for attempt := 0; attempt < 4; attempt++ {
		reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
		assignments, _, _, err := m.FillReservations(ctx, reservations)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		key = assignments[0].TaskKey
		require.Equal(t, attempt, key.Attempt)

		evts, _, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
			{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "boom"},
		})
		require.NoError(t, err)
		for _, e := range evts {
			assert.NotEqual(t, events.EventJobFailed, e.Type, "job must not fail before the 5th attempt")
		}
	}

	// 5th attempt.
	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
	assignments, _, _, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	key = assignments[0].TaskKey
	require.Equal(t, 4, key.Attempt)

	evts, _, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "boom"},
	})
	require.NoError(t, err)

	var sawJobFailed bool
	for _, e := range evts {
		if e.Type == events.EventJobFailed {
			sawJobFailed = true
		}
	}
	assert.True(t, sawJobFailed, "expected job to fail on the 5th failure")
}

func TestUpdateTaskStatusesFailsJobAfterAttemptsExhausted(t *testing.T) {
	m, _ := newTestManager(t)
	m.WithMaxAttempts(0) // no retries: the first failure already exhausts the budget
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
	assignments, _, _, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	key := assignments[0].TaskKey

	evts, _, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "boom"},
	})
	require.NoError(t, err)

	var sawJobFailed bool
	for _, e := range evts {
		if e.Type == events.EventJobFailed {
			sawJobFailed = true
		}
	}
	assert.True(t, sawJobFailed, "expected job to fail once the retry budget is exhausted")
}

func TestUpdateTaskStatusesIgnoresStaleAttempt(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	reservations := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
	assignments, _, _, err := m.FillReservations(ctx, reservations)
	require.NoError(t, err)
	key := assignments[0].TaskKey

	// Fail and retry once so attempt 0 is no longer current.
	_, _, err = m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateFailed, Retriable: true},
	})
	require.NoError(t, err)

	// A late status report for the stale attempt 0 should be a no-op:
	// no events, no double-completion, and no second slot freed on top
	// of the one the failure report already produced.
	evts, freed, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateCompleted},
	})
	require.NoError(t, err)
	assert.Empty(t, evts)
	assert.Empty(t, freed)
}

// Delivering the same Completed status twice must advance the graph and
// free a slot exactly once.
func TestUpdateTaskStatusesDuplicateCompletedIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	jobID, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	assignments, _, _, err := m.FillReservations(ctx, []types.ExecutorReservation{types.NewFreeReservation("executor-1")})
	require.NoError(t, err)
	key := assignments[0].TaskKey

	evts, freed, err := m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, freed, 1)
	var sawCompleted bool
	for _, e := range evts {
		if e.Type == events.EventJobCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted)

	evts, freed, err = m.UpdateTaskStatuses(ctx, "executor-1", []TaskStatusUpdate{
		{Key: key, State: types.TaskStateCompleted},
	})
	require.NoError(t, err)
	assert.Empty(t, evts)
	assert.Empty(t, freed)

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

// A job whose graph has no partitions at all has nothing to run and
// completes at submission.
func TestSubmitJobWithZeroPartitionsCompletesImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	jobID, evts, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 0}}})
	require.NoError(t, err)

	var sawCompleted bool
	for _, e := range evts {
		if e.Type == events.EventJobCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)

	job, err := m.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

// Concurrent FillReservations calls against the same job must never
// bind the same partition twice: the per-job backend lock serializes
// the Pending -> Running transition even though each call's initial
// scan is an unlocked, advisory snapshot. Two calls that race on the
// same snapshot may pick the same partition; the loser's reservation
// comes back unassigned, never double-bound.
func TestFillReservationsUnderConcurrencyNeverDoubleBinds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.SubmitJob(ctx, JobSpec{SessionID: "s", Stages: []StageSpec{{ID: 1, NumPartitions: 8}}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allAssignments []types.ExecutorReservation
	var allUnassigned []types.ExecutorReservation

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := []types.ExecutorReservation{types.NewFreeReservation("executor-1")}
			assignments, unassigned, _, err := m.FillReservations(ctx, res)
			assert.NoError(t, err)
			mu.Lock()
			allAssignments = append(allAssignments, assignments...)
			allUnassigned = append(allUnassigned, unassigned...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, a := range allAssignments {
		assert.False(t, seen[a.TaskKey.PartitionID], "partition %d bound twice", a.TaskKey.PartitionID)
		seen[a.TaskKey.PartitionID] = true
	}
	// Every offered reservation is accounted for, one way or the other.
	assert.Equal(t, 8, len(allAssignments)+len(allUnassigned))
}
