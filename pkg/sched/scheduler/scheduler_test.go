package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scheduler-core/pkg/sched/events"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// fakeExecutorGateway records LaunchTask calls instead of making a real
// RPC.
type fakeExecutorGateway struct {
	launched []types.TaskKey
	failNext bool
}

func (g *fakeExecutorGateway) LaunchTask(_ context.Context, _ *types.Executor, req transport.LaunchTaskRequest) error {
	if g.failNext {
		g.failNext = false
		return assertErr{}
	}
	g.launched = append(g.launched, req.Key)
	return nil
}

func (g *fakeExecutorGateway) CancelTask(_ context.Context, _ *types.Executor, _ transport.CancelTaskRequest) error {
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated launch failure" }

func newTestState(t *testing.T) (*State, *fakeExecutorGateway) {
	t.Helper()
	b, err := state.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	gw := &fakeExecutorGateway{}
	return New(b, broker, gw), gw
}

func newSession(t *testing.T, s *State) string {
	t.Helper()
	sess, err := s.Sessions.CreateSession(context.Background(), map[string]string{
		types.ConfigShufflePartitions: "4",
	})
	require.NoError(t, err)
	return sess.ID
}

// Scenario 1: free unmatched reservations. Register one executor with 4
// slots, reserving all 4. With no jobs submitted, offering those
// reservations should return nothing bound and hand every slot back to
// the free pool.
func TestOfferReservationWithNoJobsFreesAllSlots(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	reservations, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 4}, true)
	require.NoError(t, err)
	require.Len(t, reservations, 4)

	newRes, err := s.OfferReservation(ctx, reservations)
	require.NoError(t, err)
	assert.Empty(t, newRes)

	again, err := s.Executors.ReserveSlots(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

// Scenario 2: fill reservations with pending tasks. Four single-
// partition jobs plus a 4-slot reserve-all executor should exactly
// consume every slot.
func TestOfferReservationConsumesExactMatch(t *testing.T) {
	ctx := context.Background()
	s, gw := newTestState(t)
	sessionID := newSession(t, s)

	for i := 0; i < 4; i++ {
		_, _, err := s.SubmitJob(ctx, task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 1}}})
		require.NoError(t, err)
	}

	reservations, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 4}, true)
	require.NoError(t, err)

	newRes, err := s.OfferReservation(ctx, reservations)
	require.NoError(t, err)
	assert.Empty(t, newRes)
	assert.Len(t, gw.launched, 4)

	more, err := s.Executors.ReserveSlots(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, more)
}

// Scenario 3: resubmit pending when reservation count is less than the
// number of pending tasks. A 4-partition job offered only one slot
// should report back 3 new reservations for the caller to re-offer.
func TestOfferReservationRequestsMoreWhenDemandExceedsSupply(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	sessionID := newSession(t, s)

	_, _, err := s.SubmitJob(ctx, task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 4}}})
	require.NoError(t, err)

	_, err = s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 4}, false)
	require.NoError(t, err)

	one, err := s.Executors.ReserveSlots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)

	newRes, err := s.OfferReservation(ctx, one)
	require.NoError(t, err)
	assert.Len(t, newRes, 3)

	none, err := s.Executors.ReserveSlots(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// Scenario 4: a launch_task failure returns the task to Pending and
// frees the reservation, leaving slot accounting unchanged.
func TestOfferReservationRetriesOnLaunchFailure(t *testing.T) {
	ctx := context.Background()
	s, gw := newTestState(t)
	sessionID := newSession(t, s)

	_, _, err := s.SubmitJob(ctx, task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	reservations, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 1}, true)
	require.NoError(t, err)

	gw.failNext = true
	newRes, err := s.OfferReservation(ctx, reservations)
	require.NoError(t, err)
	assert.Empty(t, newRes)
	assert.Empty(t, gw.launched)

	// The slot should be back in the free pool.
	freed, err := s.Executors.ReserveSlots(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, freed, 1)
}

// Scenario 5: attempt budget. Failing the same partition repeatedly
// should fail the job once the retry budget is exhausted.
func TestAttemptBudgetFailsJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	sessionID := newSession(t, s)
	s.Tasks.WithMaxAttempts(2)

	jobID, _, err := s.SubmitJob(ctx, task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 1}}})
	require.NoError(t, err)

	initial, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 1}, true)
	require.NoError(t, err)
	require.Len(t, initial, 1)

	// With a budget of 2, attempts 0 and 1 are retried; the failure of
	// attempt 2 fails the job.
	var key types.TaskKey
	reservations := initial
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			reservations, err = s.Executors.ReserveSlots(ctx, 1)
			require.NoError(t, err)
			require.Len(t, reservations, 1)
		}
		assignments, unassigned, _, err := s.Tasks.FillReservations(ctx, reservations)
		require.NoError(t, err)
		assert.Empty(t, unassigned)
		require.Len(t, assignments, 1)
		key = assignments[0].TaskKey

		_, freed, err := s.Tasks.UpdateTaskStatuses(ctx, "executor-1", []task.TaskStatusUpdate{
			{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "boom"},
		})
		require.NoError(t, err)
		require.NoError(t, s.Executors.CancelReservations(ctx, freed))
	}

	job, err := s.Tasks.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
}

// Scenario 6: completion cascade. A 2-stage job where stage B depends
// on stage A should unblock B's partitions once A completes, and a
// subsequent offer should bind them.
func TestCompletionCascadeUnlocksDownstreamStage(t *testing.T) {
	ctx := context.Background()
	s, gw := newTestState(t)
	sessionID := newSession(t, s)

	jobID, _, err := s.SubmitJob(ctx, task.JobSpec{
		SessionID: sessionID,
		Stages: []task.StageSpec{
			{ID: 1, NumPartitions: 2},
			{ID: 2, InputStages: []int{1}, NumPartitions: 2},
		},
	})
	require.NoError(t, err)

	initial, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 2}, true)
	require.NoError(t, err)
	require.Len(t, initial, 2)

	assignments, _, _, err := s.Tasks.FillReservations(ctx, initial)
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	var updates []task.TaskStatusUpdate
	for _, a := range assignments {
		updates = append(updates, task.TaskStatusUpdate{Key: a.TaskKey, State: types.TaskStateCompleted})
	}
	evts, freed, err := s.Tasks.UpdateTaskStatuses(ctx, "executor-1", updates)
	require.NoError(t, err)
	require.NoError(t, s.Executors.CancelReservations(ctx, freed))

	var sawStageTwoRunnable bool
	for _, e := range evts {
		if e.Type == events.EventStageRunnable && e.StageID == 2 {
			sawStageTwoRunnable = true
		}
	}
	assert.True(t, sawStageTwoRunnable)

	more, err := s.Executors.ReserveSlots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, more, 2)

	newRes, err := s.OfferReservation(ctx, more)
	require.NoError(t, err)
	assert.Empty(t, newRes)
	assert.Len(t, gw.launched, 2)

	job, err := s.Tasks.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusCompleted, job.Stages[0].Status)
}

func TestOfferReservationWithEmptyInputIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	newRes, err := s.OfferReservation(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, newRes)
}

func TestCancelJobReturnsReservations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	sessionID := newSession(t, s)

	jobID, _, err := s.SubmitJob(ctx, task.JobSpec{SessionID: sessionID, Stages: []task.StageSpec{{ID: 1, NumPartitions: 2}}})
	require.NoError(t, err)

	initial, err := s.Executors.RegisterExecutor(ctx, &types.Executor{ID: "executor-1", TaskSlots: 2}, true)
	require.NoError(t, err)

	assignments, _, _, err := s.Tasks.FillReservations(ctx, initial)
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	require.NoError(t, s.CancelJob(ctx, jobID))

	job, err := s.Tasks.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)

	freed, err := s.Executors.ReserveSlots(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, freed, 2)
}
