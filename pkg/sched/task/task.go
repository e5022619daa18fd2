// Package task implements the Task Manager: job submission into a
// stage/partition/task execution graph, matching offered reservations
// to runnable tasks, launching tasks, and ingesting status updates
// with retry-budget escalation.
package task

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scheduler-core/pkg/sched/events"
	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/schederr"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

const keyJobPrefix = "jobs/"

// DefaultMaxAttempts is the number of retries permitted after a
// partition's first attempt before its job is failed outright.
const DefaultMaxAttempts = 4

func jobKey(id string) string { return keyJobPrefix + id }

// StageSpec describes one stage of a job's execution graph as supplied
// by the caller at submission time. The scheduler treats NumPartitions
// and PlanBytes as opaque inputs: it never parses or optimizes a plan
// itself.
type StageSpec struct {
	ID            int
	InputStages   []int
	NumPartitions int
	PlanBytes     []byte
}

// JobSpec is the caller-supplied description of a job to submit.
type JobSpec struct {
	SessionID string
	Stages    []StageSpec
}

// TaskStatusUpdate is how an executor reports the outcome of one task
// attempt back to the Task Manager.
type TaskStatusUpdate struct {
	Key               types.TaskKey
	State             types.TaskState
	Retriable         bool
	Error             string
	ShufflePartitions []types.ShuffleWritePartition
}

// ReservationCandidate is a pending task attempt eligible to be matched
// against an offered reservation.
type ReservationCandidate struct {
	Job  *types.Job
	Task *types.Task
}

// ReservationMatcher selects which of candidates (pre-sorted by the
// default tie-break order: oldest job, then lowest (stage_id,
// partition_id)) should be bound to a reservation on executorID. It
// returns the chosen candidate's index, or -1 if none of them should be
// matched. The default (localityMatcher) prefers a candidate whose
// input-stage partitions last ran on executorID, falling back to the
// first candidate in default order when no local candidate exists.
type ReservationMatcher func(executorID string, candidates []ReservationCandidate) int

// localityMatcher is the default ReservationMatcher: it prefers tasks
// whose input data resides on the reservation's executor, falling back
// to plain FIFO order so no reservation sits idle waiting for local
// work.
func localityMatcher(executorID string, candidates []ReservationCandidate) int {
	if len(candidates) == 0 {
		return -1
	}
	for i, c := range candidates {
		if hasLocalInput(c.Job, c.Task.Key.StageID, executorID) {
			return i
		}
	}
	return 0
}

// hasLocalInput reports whether any partition of any stage feeding
// stageID within job last completed its task on executorID, i.e.
// whether stageID has shuffle input already local to that executor.
func hasLocalInput(job *types.Job, stageID int, executorID string) bool {
	stage := findStage(job, stageID)
	if stage == nil {
		return false
	}
	for _, inputID := range stage.InputStage {
		input := findStage(job, inputID)
		if input == nil {
			continue
		}
		for _, p := range input.Partitions {
			t := currentTask(p)
			if t != nil && t.State == types.TaskStateCompleted && t.ExecutorID == executorID {
				return true
			}
		}
	}
	return false
}

// Manager is the Task Manager.
type Manager struct {
	backend     state.Backend
	broker      *events.Broker
	schedulerID string
	maxAttempts int
	matcher     ReservationMatcher
}

// NewManager constructs a Task Manager backed by b, publishing events
// through broker.
func NewManager(b state.Backend, broker *events.Broker) *Manager {
	return &Manager{
		backend:     b,
		broker:      broker,
		schedulerID: uuid.NewString(),
		maxAttempts: DefaultMaxAttempts,
		matcher:     localityMatcher,
	}
}

// WithMaxAttempts overrides the default retry budget.
func (m *Manager) WithMaxAttempts(n int) *Manager {
	m.maxAttempts = n
	return m
}

// WithReservationMatcher overrides the default locality-aware matching
// policy used by FillReservations.
func (m *Manager) WithReservationMatcher(matcher ReservationMatcher) *Manager {
	m.matcher = matcher
	return m
}

// SubmitJob plans spec into a Job with one Stage per StageSpec and one
// Partition per stage slot, persists it, and returns the job ID plus
// the events produced: a job-submitted event, a stage-runnable event
// for every stage with no unmet dependencies, and a job-completed
// event right away if the graph has no partitions at all.
func (m *Manager) SubmitJob(ctx context.Context, spec JobSpec) (string, []*events.Event, error) {
	jobID := uuid.NewString()
	now := time.Now()

	job := &types.Job{
		ID:          jobID,
		SessionID:   spec.SessionID,
		SchedulerID: m.schedulerID,
		Status:      types.JobStatusRunning,
		SubmittedAt: now,
	}

	for _, ss := range spec.Stages {
		stage := &types.Stage{
			ID:         ss.ID,
			JobID:      jobID,
			Status:     types.StageStatusPending,
			InputStage: ss.InputStages,
			PlanBytes:  ss.PlanBytes,
		}
		for p := 0; p < ss.NumPartitions; p++ {
			stage.Partitions = append(stage.Partitions, &types.Partition{
				ID:      p,
				StageID: ss.ID,
				JobID:   jobID,
				Status:  types.PartitionStatusPending,
			})
		}
		job.Stages = append(job.Stages, stage)
	}

	evts := []*events.Event{{Type: events.EventJobSubmitted, JobID: jobID}}
	evts = append(evts, advanceStages(job)...)

	if jobCompleted(job) {
		// Nothing to run: every stage (possibly zero of them) resolved
		// with no partitions.
		job.Status = types.JobStatusCompleted
		job.CompletedAt = time.Now()
		evts = append(evts, &events.Event{Type: events.EventJobCompleted, JobID: jobID})
	}

	if err := state.WithLock(ctx, m.backend, jobKey(jobID), func() error {
		return m.putJob(ctx, job)
	}); err != nil {
		return "", nil, err
	}

	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()

	m.broker.PublishAll(evts)

	return jobID, evts, nil
}

func stageInputsSatisfied(inputs []int, completed map[int]bool) bool {
	for _, id := range inputs {
		if !completed[id] {
			return false
		}
	}
	return true
}

func newPendingTask(jobID string, stageID, partitionID, attempt int) *types.Task {
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatePending)).Inc()
	return &types.Task{
		Key:       types.TaskKey{JobID: jobID, StageID: stageID, PartitionID: partitionID, Attempt: attempt},
		State:     types.TaskStatePending,
		CreatedAt: time.Now(),
	}
}

// transitionTaskState moves a task's state-count gauge from one label to
// another, keeping scheduler_tasks_total accurate as tasks move through
// their lifecycle.
func transitionTaskState(from, to types.TaskState) {
	metrics.TasksTotal.WithLabelValues(string(from)).Dec()
	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
}

// advanceStages drives the graph to its readiness fixpoint: pending
// stages whose inputs are all complete become runnable (seeding their
// partitions' first task attempt), and runnable stages with no
// partitions are trivially complete, which may unblock further stages.
// Returns a stage-runnable event, tagged with the stage's partition
// count, for each stage that became runnable.
func advanceStages(job *types.Job) []*events.Event {
	var evts []*events.Event
	for {
		progressed := false

		completed := map[int]bool{}
		for _, s := range job.Stages {
			if s.Status == types.StageStatusCompleted {
				completed[s.ID] = true
			}
		}

		for _, stage := range job.Stages {
			if stage.Status == types.StageStatusPending && stageInputsSatisfied(stage.InputStage, completed) {
				stage.Status = types.StageStatusRunnable
				for _, partition := range stage.Partitions {
					if len(partition.Tasks) == 0 {
						partition.Tasks = []*types.Task{newPendingTask(job.ID, stage.ID, partition.ID, 0)}
					}
				}
				if len(stage.Partitions) > 0 {
					evts = append(evts, &events.Event{
						Type:     events.EventStageRunnable,
						JobID:    job.ID,
						StageID:  stage.ID,
						Metadata: map[string]string{"partitions": strconv.Itoa(len(stage.Partitions))},
					})
				}
				progressed = true
			}
			if stage.Status == types.StageStatusRunnable && len(stage.Partitions) == 0 {
				stage.Status = types.StageStatusCompleted
				completed[stage.ID] = true
				progressed = true
			}
		}

		if !progressed {
			return evts
		}
	}
}

// FillReservations matches offered reservations against pending tasks
// using the Task Manager's ReservationMatcher (locality-first by
// default, falling back to oldest-job-then-lowest-(stage,partition)
// order), and marks matched tasks Running. It returns the assignments
// made, the reservations left unmatched (because there were more slots
// than runnable tasks), and the count of runnable tasks left unmatched
// (because there were more tasks than slots).
func (m *Manager) FillReservations(ctx context.Context, reservations []types.ExecutorReservation) (assignments []types.ExecutorReservation, unassigned []types.ExecutorReservation, pendingCount int, err error) {
	jobs, err := m.listRunningJobs(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	candidates := collectPendingTasks(jobs)

	// picks is provisional: the snapshot above is a point-in-time read,
	// so the only binding decision made here is which job/task key each
	// reservation targets. The actual Pending -> Running transition
	// happens below, per job, under that job's lock against a freshly
	// re-fetched copy.
	type pick struct {
		res   types.ExecutorReservation
		jobID string
		key   types.TaskKey
	}
	var picks []pick
	for _, res := range reservations {
		idx := m.matcher(res.ExecutorID, candidates)
		if idx < 0 || idx >= len(candidates) {
			unassigned = append(unassigned, res)
			continue
		}

		c := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		picks = append(picks, pick{res: res, jobID: c.Job.ID, key: c.Task.Key})
	}
	pendingCount = len(candidates)

	byJob := map[string][]pick{}
	var jobOrder []string
	for _, p := range picks {
		if _, ok := byJob[p.jobID]; !ok {
			jobOrder = append(jobOrder, p.jobID)
		}
		byJob[p.jobID] = append(byJob[p.jobID], p)
	}

	for _, jobID := range jobOrder {
		jobPicks := byJob[jobID]
		lockErr := state.WithLock(ctx, m.backend, jobKey(jobID), func() error {
			job, err := m.getJob(ctx, jobID)
			if err != nil {
				return err
			}

			dirty := false
			for _, p := range jobPicks {
				stage := findStage(job, p.key.StageID)
				if stage == nil {
					unassigned = append(unassigned, p.res)
					continue
				}
				partition := findPartition(stage, p.key.PartitionID)
				if partition == nil {
					unassigned = append(unassigned, p.res)
					continue
				}
				task := currentTask(partition)
				if task == nil || task.Key.Attempt != p.key.Attempt || task.State != types.TaskStatePending {
					// Raced with a concurrent status update or cancel
					// since the snapshot was taken; give the slot back
					// unmatched rather than double-run the partition.
					unassigned = append(unassigned, p.res)
					continue
				}

				transitionTaskState(types.TaskStatePending, types.TaskStateRunning)
				task.State = types.TaskStateRunning
				task.ExecutorID = p.res.ExecutorID
				task.StartedAt = time.Now()
				partition.Status = types.PartitionStatusRunning
				dirty = true

				assignments = append(assignments, p.res.WithTask(task.Key))
			}

			if !dirty {
				return nil
			}
			return m.putJob(ctx, job)
		})
		if lockErr != nil {
			return nil, nil, 0, lockErr
		}
	}

	return assignments, unassigned, pendingCount, nil
}

func collectPendingTasks(jobs []*types.Job) []ReservationCandidate {
	var pending []ReservationCandidate
	for _, job := range jobs {
		for _, stage := range job.Stages {
			if stage.Status != types.StageStatusRunnable {
				continue
			}
			for _, partition := range stage.Partitions {
				if partition.Status != types.PartitionStatusPending || len(partition.Tasks) == 0 {
					continue
				}
				last := partition.Tasks[len(partition.Tasks)-1]
				if last.State == types.TaskStatePending {
					pending = append(pending, ReservationCandidate{Job: job, Task: last})
				}
			}
		}
	}

	sort.Slice(pending, func(a, b int) bool {
		ja, jb := pending[a].Job, pending[b].Job
		if !ja.SubmittedAt.Equal(jb.SubmittedAt) {
			return ja.SubmittedAt.Before(jb.SubmittedAt)
		}
		ka, kb := pending[a].Task.Key, pending[b].Task.Key
		if ka.JobID != kb.JobID {
			return ka.JobID < kb.JobID
		}
		if ka.StageID != kb.StageID {
			return ka.StageID < kb.StageID
		}
		return ka.PartitionID < kb.PartitionID
	})
	return pending
}

// LaunchTask dispatches a matched task to its assigned executor via the
// outbound ExecutorGateway. On failure the caller must free the
// reservation back to the Executor Manager; LaunchTask itself never
// touches reservation state.
func (m *Manager) LaunchTask(ctx context.Context, gateway transport.ExecutorGateway, executor *types.Executor, key types.TaskKey, planBytes []byte) error {
	err := gateway.LaunchTask(ctx, executor, transport.LaunchTaskRequest{
		Key:       key,
		PlanBytes: planBytes,
	})
	if err != nil {
		return schederr.Transientf("launch task %+v on executor %s: %w", key, executor.ID, err)
	}
	return nil
}

// UpdateTaskStatuses ingests status reports for tasks that were running
// on executorID. It returns the events produced and one free
// reservation for each task attempt an update actually terminated;
// freed reservations are returned to the caller to re-offer, never
// auto-cancelled internally. Duplicate deliveries of the same terminal
// status are no-ops and free nothing a second time.
func (m *Manager) UpdateTaskStatuses(ctx context.Context, executorID string, updates []TaskStatusUpdate) ([]*events.Event, []types.ExecutorReservation, error) {
	var evts []*events.Event
	var freed []types.ExecutorReservation

	byJob := map[string][]TaskStatusUpdate{}
	var jobOrder []string
	for _, u := range updates {
		if _, ok := byJob[u.Key.JobID]; !ok {
			jobOrder = append(jobOrder, u.Key.JobID)
		}
		byJob[u.Key.JobID] = append(byJob[u.Key.JobID], u)
	}

	for _, jobID := range jobOrder {
		jobUpdates := byJob[jobID]
		lockErr := state.WithLock(ctx, m.backend, jobKey(jobID), func() error {
			job, err := m.getJob(ctx, jobID)
			if err != nil {
				return err
			}
			dirty := m.applyJobStatusUpdates(job, executorID, jobUpdates, &evts, &freed)
			if !dirty {
				return nil
			}
			return m.putJob(ctx, job)
		})
		if lockErr != nil {
			return nil, nil, lockErr
		}
	}

	m.broker.PublishAll(evts)
	return evts, freed, nil
}

// applyJobStatusUpdates applies every status update targeting job,
// appending produced events and freed reservations to evts/freed, and
// reports whether job was mutated (and so needs persisting). Called
// with job's lock held by the caller.
func (m *Manager) applyJobStatusUpdates(job *types.Job, executorID string, updates []TaskStatusUpdate, evts *[]*events.Event, freed *[]types.ExecutorReservation) bool {
	dirty := false
	for _, u := range updates {
		stage := findStage(job, u.Key.StageID)
		if stage == nil {
			continue
		}
		partition := findPartition(stage, u.Key.PartitionID)
		if partition == nil {
			continue
		}
		current := currentTask(partition)
		if current == nil || current.Key.Attempt != u.Key.Attempt {
			// Stale status for an attempt the graph has already moved
			// past; the attempt it names was terminated (and its slot
			// freed) when the graph moved on, so this is a no-op.
			continue
		}
		if u.State == types.TaskStateRunning {
			// Liveness marker; the task is exactly where the graph
			// thinks it is.
			continue
		}
		if terminalTaskState(current.State) {
			// Duplicate delivery of a terminal status; the first
			// delivery already advanced the graph and freed the slot.
			continue
		}

		wasRunning := current.State == types.TaskStateRunning
		dirty = true
		if wasRunning {
			*freed = append(*freed, types.NewFreeReservation(executorID))
		}

		switch u.State {
		case types.TaskStateCompleted:
			transitionTaskState(current.State, types.TaskStateCompleted)
			current.State = types.TaskStateCompleted
			current.FinishedAt = time.Now()
			current.ShufflePartitions = u.ShufflePartitions
			partition.Status = types.PartitionStatusCompleted

			*evts = append(*evts, &events.Event{Type: events.EventTaskCompleted, JobID: job.ID, StageID: stage.ID, ExecutorID: executorID})

			if stageCompleted(stage) {
				stage.Status = types.StageStatusCompleted
				*evts = append(*evts, advanceStages(job)...)

				if jobCompleted(job) {
					job.Status = types.JobStatusCompleted
					job.CompletedAt = time.Now()
					*evts = append(*evts, &events.Event{Type: events.EventJobCompleted, JobID: job.ID})
					metrics.JobsTotal.WithLabelValues(string(types.JobStatusRunning)).Dec()
					metrics.JobsTotal.WithLabelValues(string(types.JobStatusCompleted)).Inc()
				}
			}

		case types.TaskStateFailed:
			transitionTaskState(current.State, types.TaskStateFailed)
			current.State = types.TaskStateFailed
			current.FinishedAt = time.Now()
			current.Error = u.Error
			current.Retriable = u.Retriable

			*evts = append(*evts, &events.Event{Type: events.EventTaskFailed, JobID: job.ID, StageID: stage.ID, ExecutorID: executorID})

			if u.Retriable && current.Key.Attempt < m.maxAttempts {
				next := newPendingTask(job.ID, stage.ID, partition.ID, current.Key.Attempt+1)
				partition.Tasks = append(partition.Tasks, next)
				partition.Status = types.PartitionStatusPending
				metrics.TaskRetriesTotal.Inc()
			} else {
				partition.Status = types.PartitionStatusFailed
				stage.Status = types.StageStatusFailed
				job.Status = types.JobStatusFailed
				job.Error = u.Error
				job.CompletedAt = time.Now()
				metrics.TaskAttemptsExhaustedTotal.Inc()
				metrics.JobsTotal.WithLabelValues(string(types.JobStatusRunning)).Dec()
				metrics.JobsTotal.WithLabelValues(string(types.JobStatusFailed)).Inc()
				*evts = append(*evts, &events.Event{Type: events.EventJobFailed, JobID: job.ID, Message: u.Error})

				// Attempt budget exhausted dooms the whole job: cancel
				// every other Running task so its executor's slot comes
				// back instead of waiting on a status that will never
				// arrive for a job nobody is tracking anymore.
				*freed = append(*freed, cancelOtherRunningTasks(job, current)...)
			}

		case types.TaskStateCancelled:
			transitionTaskState(current.State, types.TaskStateCancelled)
			current.State = types.TaskStateCancelled
			current.FinishedAt = time.Now()
		}
	}

	return dirty
}

func terminalTaskState(s types.TaskState) bool {
	switch s {
	case types.TaskStateCompleted, types.TaskStateFailed, types.TaskStateCancelled:
		return true
	}
	return false
}

// cancelOtherRunningTasks marks every Running task in job other than
// except as Cancelled and returns one reservation per task cancelled,
// so the slots it held are not stranded once the job that owns them has
// failed outright.
func cancelOtherRunningTasks(job *types.Job, except *types.Task) []types.ExecutorReservation {
	var reclaimed []types.ExecutorReservation
	for _, stage := range job.Stages {
		for _, partition := range stage.Partitions {
			task := currentTask(partition)
			if task == nil || task == except || task.State != types.TaskStateRunning {
				continue
			}
			reclaimed = append(reclaimed, types.NewFreeReservation(task.ExecutorID))
			transitionTaskState(types.TaskStateRunning, types.TaskStateCancelled)
			task.State = types.TaskStateCancelled
			task.FinishedAt = time.Now()
		}
	}
	return reclaimed
}

// GetJob returns the current execution graph for jobID. A job's
// terminal status is read through here rather than pushed to the
// client.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	return m.getJob(ctx, jobID)
}

// FailTasksOnExecutor surfaces every Running task assigned to executorID
// as a retriable failure: when an executor is deregistered for missing
// heartbeats, its in-flight tasks must not be left stuck Running
// forever. It is built on top of UpdateTaskStatuses so retry and
// attempt-budget escalation apply identically to a heartbeat timeout as
// to an explicit failure report.
func (m *Manager) FailTasksOnExecutor(ctx context.Context, executorID string, reason string) ([]*events.Event, []types.ExecutorReservation, error) {
	jobs, err := m.listRunningJobs(ctx)
	if err != nil {
		return nil, nil, err
	}

	var updates []TaskStatusUpdate
	for _, job := range jobs {
		for _, stage := range job.Stages {
			for _, partition := range stage.Partitions {
				task := currentTask(partition)
				if task == nil || task.State != types.TaskStateRunning || task.ExecutorID != executorID {
					continue
				}
				updates = append(updates, TaskStatusUpdate{
					Key:       task.Key,
					State:     types.TaskStateFailed,
					Retriable: true,
					Error:     reason,
				})
			}
		}
	}

	if len(updates) == 0 {
		return nil, nil, nil
	}
	return m.UpdateTaskStatuses(ctx, executorID, updates)
}

// CancelJob transitions every non-terminal partition of jobID to a
// cancelled terminal state and returns one reservation per Running task
// it preempted, so the caller can return those slots to the Executor
// Manager.
func (m *Manager) CancelJob(ctx context.Context, jobID string) ([]types.ExecutorReservation, error) {
	var reclaimed []types.ExecutorReservation

	err := state.WithLock(ctx, m.backend, jobKey(jobID), func() error {
		job, err := m.getJob(ctx, jobID)
		if err != nil {
			return err
		}

		for _, stage := range job.Stages {
			for _, partition := range stage.Partitions {
				task := currentTask(partition)
				if task == nil {
					continue
				}
				switch task.State {
				case types.TaskStateRunning:
					reclaimed = append(reclaimed, types.NewFreeReservation(task.ExecutorID))
					transitionTaskState(types.TaskStateRunning, types.TaskStateCancelled)
					task.State = types.TaskStateCancelled
					task.FinishedAt = time.Now()
					partition.Status = types.PartitionStatusFailed
				case types.TaskStatePending:
					transitionTaskState(types.TaskStatePending, types.TaskStateCancelled)
					task.State = types.TaskStateCancelled
					task.FinishedAt = time.Now()
					partition.Status = types.PartitionStatusFailed
				}
				if stage.Status != types.StageStatusCompleted && stage.Status != types.StageStatusFailed {
					stage.Status = types.StageStatusFailed
				}
			}
		}

		if job.Status == types.JobStatusRunning {
			job.Status = types.JobStatusCancelled
			job.CompletedAt = time.Now()
			metrics.JobsTotal.WithLabelValues(string(types.JobStatusRunning)).Dec()
			metrics.JobsTotal.WithLabelValues(string(types.JobStatusCancelled)).Inc()
		}

		if err := m.putJob(ctx, job); err != nil {
			return err
		}

		m.broker.Publish(&events.Event{Type: events.EventJobFailed, JobID: job.ID, Message: "cancelled"})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return reclaimed, nil
}

func findStage(job *types.Job, stageID int) *types.Stage {
	for _, s := range job.Stages {
		if s.ID == stageID {
			return s
		}
	}
	return nil
}

func findPartition(stage *types.Stage, partitionID int) *types.Partition {
	for _, p := range stage.Partitions {
		if p.ID == partitionID {
			return p
		}
	}
	return nil
}

func currentTask(p *types.Partition) *types.Task {
	if len(p.Tasks) == 0 {
		return nil
	}
	return p.Tasks[len(p.Tasks)-1]
}

func stageCompleted(stage *types.Stage) bool {
	for _, p := range stage.Partitions {
		if p.Status != types.PartitionStatusCompleted {
			return false
		}
	}
	return true
}

func jobCompleted(job *types.Job) bool {
	for _, s := range job.Stages {
		if s.Status != types.StageStatusCompleted {
			return false
		}
	}
	return true
}

func (m *Manager) listRunningJobs(ctx context.Context) ([]*types.Job, error) {
	kvs, err := m.backend.Scan(ctx, keyJobPrefix)
	if err != nil {
		return nil, schederr.Transientf("scan jobs: %w", err)
	}

	var jobs []*types.Job
	for _, kv := range kvs {
		var job types.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			return nil, schederr.FatalToSchedulerf("decode job %s: %w", kv.Key, err)
		}
		if job.Status == types.JobStatusRunning {
			jobs = append(jobs, &job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt) })
	return jobs, nil
}

func (m *Manager) getJob(ctx context.Context, jobID string) (*types.Job, error) {
	raw, ok, err := m.backend.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, schederr.Transientf("get job %s: %w", jobID, err)
	}
	if !ok {
		return nil, schederr.Recoverablef("unknown job %s", jobID)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, schederr.FatalToSchedulerf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (m *Manager) putJob(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return schederr.FatalToSchedulerf("encode job %s: %w", job.ID, err)
	}
	if err := m.backend.Put(ctx, jobKey(job.ID), raw); err != nil {
		return schederr.Transientf("put job %s: %w", job.ID, err)
	}
	return nil
}
