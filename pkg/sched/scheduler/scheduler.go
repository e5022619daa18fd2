// Package scheduler composes the Executor Manager, Task Manager, and
// Session Manager into the scheduler state, and exposes the
// event-driven entry points the RPC surface calls into: job
// submission, reservation offers, and task status ingestion.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler-core/pkg/log"
	"github.com/cuemby/scheduler-core/pkg/sched/events"
	"github.com/cuemby/scheduler-core/pkg/sched/executor"
	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/schederr"
	"github.com/cuemby/scheduler-core/pkg/sched/session"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// State is the single process-wide owner of the three managers. There
// are no hidden singletons behind it; tests construct fresh State
// instances against a throwaway backend.
type State struct {
	Executors *executor.Manager
	Tasks     *task.Manager
	Sessions  *session.Manager

	backend state.Backend
	broker  *events.Broker
	gateway transport.ExecutorGateway

	log zerolog.Logger
}

// New constructs a Scheduler State over backend b, publishing events on
// broker and dispatching outbound RPCs to executors through gateway.
func New(b state.Backend, broker *events.Broker, gateway transport.ExecutorGateway) *State {
	return &State{
		Executors: executor.NewManager(b),
		Tasks:     task.NewManager(b, broker),
		Sessions:  session.NewManager(b),
		backend:   b,
		broker:    broker,
		gateway:   gateway,
		log:       log.WithComponent("scheduler"),
	}
}

// PlanContext is the external collaborator that optimizes a logical
// plan and lowers it to a physical execution graph. Planning and
// optimization live outside the scheduler; it only calls through this
// capability interface, supplied by the caller at submission time.
type PlanContext interface {
	// Plan turns a logical plan (opaque bytes, produced by the SQL
	// front-end) into a physical execution graph spec. Non-leaf stages
	// are expressed as StageSpecs whose InputStages reference earlier
	// entries.
	Plan(ctx context.Context, sess *types.Session, logicalPlan []byte) (task.JobSpec, error)
}

// SubmitLogicalPlan optimizes and lowers a raw logical plan via pc
// before handing the resulting graph to SubmitJob. Callers that
// already hold a lowered physical plan (e.g. the RPC gateway in
// gateway.go) call SubmitJob directly instead.
func (s *State) SubmitLogicalPlan(ctx context.Context, sessionID string, logicalPlan []byte, pc PlanContext) (jobID string, reservationsNeeded int, err error) {
	sess, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, schederr.FatalToJob(err)
	}

	timer := metrics.NewTimer()
	spec, err := pc.Plan(ctx, sess, logicalPlan)
	timer.ObserveDuration(metrics.JobPlanningDuration)
	if err != nil {
		return "", 0, schederr.FatalToJobf("plan job: %w", err)
	}
	spec.SessionID = sessionID

	return s.SubmitJob(ctx, spec)
}

// SubmitJob delegates an already-lowered execution graph to the Task
// Manager and returns the job id plus the number of initially-ready
// partitions, which the caller's event loop should use to solicit
// slots.
func (s *State) SubmitJob(ctx context.Context, spec task.JobSpec) (jobID string, reservationsNeeded int, err error) {
	if _, err := s.Sessions.GetSession(ctx, spec.SessionID); err != nil {
		return "", 0, schederr.FatalToJob(err)
	}

	jobID, evts, err := s.Tasks.SubmitJob(ctx, spec)
	if err != nil {
		return "", 0, err
	}

	ready := 0
	for _, e := range evts {
		if e.Type == events.EventStageRunnable {
			if n, err := strconv.Atoi(e.Metadata["partitions"]); err == nil {
				ready += n
			}
		}
	}

	// A job with no partitions at all produces zero stage-runnable
	// events and completes immediately inside Tasks.SubmitJob; there is
	// nothing to solicit reservations for.
	if ready > 0 {
		s.broker.Publish(&events.Event{
			Type:     events.EventReservationsFree,
			JobID:    jobID,
			Metadata: map[string]string{"needed": strconv.Itoa(ready)},
		})
	}

	return jobID, ready, nil
}

// OfferReservation is the single point where a reservation could be
// lost, and is audited so none is: every reservation in `reservations`
// ends in exactly one of bound-and-launched, cancelled, or returned in
// `newReservations` for the caller to re-offer.
func (s *State) OfferReservation(ctx context.Context, reservations []types.ExecutorReservation) (newReservations []types.ExecutorReservation, err error) {
	if len(reservations) == 0 {
		return nil, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	assignments, freeList, pendingCount, err := s.Tasks.FillReservations(ctx, reservations)
	if err != nil {
		return nil, err
	}

	for _, assignment := range assignments {
		key := assignment.TaskKey

		exec, err := s.Executors.GetExecutorMetadata(ctx, assignment.ExecutorID)
		if err != nil || exec.Status != types.ExecutorStatusActive {
			// The executor vanished or was expired between
			// FillReservations binding the task to it and us looking it
			// up here; fail the task for retry rather than leave it
			// Running against a dead executor, and there is no
			// reservation to reclaim since the executor's slots no
			// longer exist.
			s.log.Warn().Str("executor_id", assignment.ExecutorID).Msg("executor metadata missing after fill, failing task for retry")
			if _, _, ferr := s.Tasks.UpdateTaskStatuses(ctx, assignment.ExecutorID, []task.TaskStatusUpdate{
				{Key: key, State: types.TaskStateFailed, Retriable: true, Error: "executor unknown"},
			}); ferr != nil {
				return nil, ferr
			}
			continue
		}

		planBytes := s.stagePlanBytes(ctx, key)
		if err := s.Tasks.LaunchTask(ctx, s.gateway, exec, key, planBytes); err != nil {
			s.log.Warn().Err(err).Str("executor_id", exec.ID).Msg("launch_task failed, returning task to pending")
			if _, _, ferr := s.Tasks.UpdateTaskStatuses(ctx, exec.ID, []task.TaskStatusUpdate{
				{Key: key, State: types.TaskStateFailed, Retriable: true, Error: err.Error()},
			}); ferr != nil {
				return nil, ferr
			}
			// The slot this assignment bound on exec is reclaimed as a
			// fresh free reservation.
			freeList = append(freeList, types.NewFreeReservation(exec.ID))
		}
	}

	if len(freeList) > 0 {
		if err := s.Executors.CancelReservations(ctx, freeList); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if pendingCount > 0 {
		more, err := s.Executors.ReserveSlots(ctx, pendingCount)
		if err != nil {
			return nil, err
		}
		return more, nil
	}

	return nil, nil
}

// stagePlanBytes fetches the opaque plan bytes for the stage a task
// belongs to, so LaunchTask has something to hand the executor. This
// is the one place plan bytes are read back out of the graph.
func (s *State) stagePlanBytes(ctx context.Context, key types.TaskKey) []byte {
	job, err := s.Tasks.GetJob(ctx, key.JobID)
	if err != nil {
		return nil
	}
	for _, stage := range job.Stages {
		if stage.ID == key.StageID {
			return stage.PlanBytes
		}
	}
	return nil
}

// UpdateTaskStatuses verifies the reporting executor is known,
// delegates to the Task Manager, and returns the events produced plus
// one freed reservation per terminated task for the caller's event
// loop to re-offer.
func (s *State) UpdateTaskStatuses(ctx context.Context, executorID string, updates []task.TaskStatusUpdate) ([]*events.Event, []types.ExecutorReservation, error) {
	if _, err := s.Executors.GetExecutorMetadata(ctx, executorID); err != nil {
		return nil, nil, err
	}
	return s.Tasks.UpdateTaskStatuses(ctx, executorID, updates)
}

// CancelJob cancels a running job and returns its reservations to the
// Executor Manager's free pool.
func (s *State) CancelJob(ctx context.Context, jobID string) error {
	reservations, err := s.Tasks.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.Executors.CancelReservations(ctx, reservations)
}

// ReconcileExecutors expires executors that have missed their
// heartbeat deadline and surfaces their in-flight tasks as retriable
// failures, returning the events produced. Intended to be called
// periodically by the event loop.
func (s *State) ReconcileExecutors(ctx context.Context, now time.Time) ([]*events.Event, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	expired, err := s.Executors.Expire(ctx, now)
	if err != nil {
		return nil, err
	}

	var evts []*events.Event
	for _, executorID := range expired {
		e, freed, err := s.Tasks.FailTasksOnExecutor(ctx, executorID, "executor heartbeat timeout")
		if err != nil {
			return nil, err
		}
		// The dead executor's own freed slots drop silently (its slot
		// record is gone), but a failure cascade can reclaim slots on
		// executors that are still alive; those must go back to the
		// pool.
		if err := s.Executors.CancelReservations(ctx, freed); err != nil {
			return nil, err
		}
		evts = append(evts, e...)
		evts = append(evts, &events.Event{Type: events.EventExecutorLost, ExecutorID: executorID})
	}

	s.broker.PublishAll(evts)
	return evts, nil
}
