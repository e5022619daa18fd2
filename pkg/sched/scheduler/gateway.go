package scheduler

import (
	"context"
	"time"

	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// maxOfferRounds bounds how many times one PollWork call will re-enter
// OfferReservation chasing its own pendingCount > 0 replenishment
// signal, so a pathological backlog can't turn a single RPC into an
// unbounded loop.
const maxOfferRounds = 8

// Gateway adapts the scheduler state's internal API to the wire-level
// SchedulerGateway contract. It is the thin translation layer a real
// RPC server (gRPC or otherwise) sits in front of.
type Gateway struct {
	state *State
}

// NewGateway wraps state as a transport.SchedulerGateway.
func NewGateway(state *State) *Gateway {
	return &Gateway{state: state}
}

var _ transport.SchedulerGateway = (*Gateway)(nil)

// drainOfferRounds re-enters OfferReservation with reservations until
// either nothing comes back or maxOfferRounds is hit. If the round cap
// is reached while slots are still outstanding, those reservations are
// returned to the Executor Manager's free pool instead of being
// dropped: every reservation must end up bound-and-launched, cancelled,
// or re-offered, and breaking out of this loop early is not one of the
// sanctioned exits for the ones still in hand.
func (g *Gateway) drainOfferRounds(ctx context.Context, reservations []types.ExecutorReservation) error {
	round := 0
	for len(reservations) > 0 && round < maxOfferRounds {
		next, err := g.state.OfferReservation(ctx, reservations)
		if err != nil {
			return err
		}
		reservations = next
		round++
	}

	if len(reservations) > 0 {
		return g.state.Executors.CancelReservations(ctx, reservations)
	}
	return nil
}

// ExecuteQuery creates or reuses a session, and if the request carries
// a stage graph, submits it as a job. SQL parsing and planning happen
// upstream of the scheduler; by the time a request reaches this
// gateway, req.Stages is the lowered physical graph.
func (g *Gateway) ExecuteQuery(ctx context.Context, req transport.ExecuteQueryRequest) (transport.ExecuteQueryResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, "ExecuteQuery")

	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := g.state.Sessions.CreateSession(ctx, nil)
		if err != nil {
			return transport.ExecuteQueryResponse{}, err
		}
		sessionID = sess.ID
	} else if _, err := g.state.Sessions.GetSession(ctx, sessionID); err != nil {
		return transport.ExecuteQueryResponse{}, err
	}

	if len(req.Stages) == 0 {
		return transport.ExecuteQueryResponse{SessionID: sessionID}, nil
	}

	spec := task.JobSpec{SessionID: sessionID}
	for _, ss := range req.Stages {
		spec.Stages = append(spec.Stages, task.StageSpec{
			ID:            ss.ID,
			InputStages:   ss.InputStages,
			NumPartitions: ss.NumPartitions,
			PlanBytes:     ss.PlanBytes,
		})
	}

	jobID, reservationsNeeded, err := g.state.SubmitJob(ctx, spec)
	if err != nil {
		return transport.ExecuteQueryResponse{}, err
	}

	if reservationsNeeded > 0 {
		reservations, err := g.state.Executors.ReserveSlots(ctx, reservationsNeeded)
		if err != nil {
			return transport.ExecuteQueryResponse{}, err
		}
		if err := g.drainOfferRounds(ctx, reservations); err != nil {
			return transport.ExecuteQueryResponse{}, err
		}
	}

	return transport.ExecuteQueryResponse{SessionID: sessionID, JobID: jobID}, nil
}

// PollWork records the executor's liveness, ingests any piggybacked
// task status updates, and drives those freed slots (plus any the
// executor is offering for the first time) through OfferReservation.
// Matched tasks are dispatched to the executor via the outbound
// ExecutorGateway.LaunchTask inside OfferReservation itself, not
// through this response, so PollWorkResponse.AssignedTasks is left
// empty; it exists on the wire type for a transport that prefers
// inlining assignments into the poll reply instead of a second RPC.
func (g *Gateway) PollWork(ctx context.Context, req transport.PollWorkRequest) (transport.PollWorkResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, "PollWork")

	now := time.Now()

	var reservations []types.ExecutorReservation

	// Unknown executors and executors that were expired while away both
	// (re-)register from scratch: an expired executor's slot record is
	// gone, so a plain heartbeat cannot revive it.
	meta, err := g.state.Executors.GetExecutorMetadata(ctx, req.ExecutorID)
	if err != nil || meta.Status != types.ExecutorStatusActive {
		fresh, rerr := g.state.Executors.RegisterExecutor(ctx, &types.Executor{
			ID:        req.ExecutorID,
			TaskSlots: req.TaskSlots,
		}, true)
		if rerr != nil {
			return transport.PollWorkResponse{}, rerr
		}
		reservations = append(reservations, fresh...)
	} else if err := g.state.Executors.Heartbeat(ctx, req.ExecutorID, now); err != nil {
		return transport.PollWorkResponse{}, err
	}

	if len(req.TaskUpdates) > 0 {
		updates := make([]task.TaskStatusUpdate, len(req.TaskUpdates))
		for i, u := range req.TaskUpdates {
			updates[i] = task.TaskStatusUpdate{
				Key:               u.Key,
				State:             u.State,
				Retriable:         u.Retriable,
				Error:             u.Error,
				ShufflePartitions: u.ShufflePartitions,
			}
		}
		_, freed, err := g.state.UpdateTaskStatuses(ctx, req.ExecutorID, updates)
		if err != nil {
			return transport.PollWorkResponse{}, err
		}
		reservations = append(reservations, freed...)
	}

	if err := g.drainOfferRounds(ctx, reservations); err != nil {
		return transport.PollWorkResponse{}, err
	}

	return transport.PollWorkResponse{}, nil
}

// UpdateTaskStatus is the out-of-band status push an executor may use
// instead of (or between) poll round trips.
func (g *Gateway) UpdateTaskStatus(ctx context.Context, req transport.UpdateTaskStatusRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, "UpdateTaskStatus")

	updates := make([]task.TaskStatusUpdate, len(req.TaskUpdates))
	for i, u := range req.TaskUpdates {
		updates[i] = task.TaskStatusUpdate{
			Key:               u.Key,
			State:             u.State,
			Retriable:         u.Retriable,
			Error:             u.Error,
			ShufflePartitions: u.ShufflePartitions,
		}
	}

	_, freed, err := g.state.UpdateTaskStatuses(ctx, req.ExecutorID, updates)
	if err != nil {
		return err
	}

	return g.drainOfferRounds(ctx, freed)
}
