// Package executor implements the Executor Manager: it tracks
// registered executors, their available task slots, and hands out and
// reclaims reservations against those slots. It also expires executors
// that stop heartbeating.
package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/schederr"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

const (
	keyExecutorPrefix     = "executors/"
	keyExecutorDataPrefix = "executor_data/"
)

// DefaultHeartbeatTimeout is how long an executor may go without a
// heartbeat before it is expired.
const DefaultHeartbeatTimeout = 30 * time.Second

// Manager is the Executor Manager. It is safe for concurrent use; all
// slot mutation is serialized under a single internal lock
// (registering/deregistering executors is rare enough that per-executor
// locking would add complexity without a measurable benefit).
type Manager struct {
	backend          state.Backend
	heartbeatTimeout time.Duration

	mu sync.Mutex
	// cancelled records the IDs of reservations already returned to the
	// pool, so cancelling the same token twice returns the slot exactly
	// once. The set lives only as long as the process; reservations
	// issued before a restart are simply fresh tokens afterwards.
	cancelled map[string]bool
}

// NewManager constructs an Executor Manager backed by b.
func NewManager(b state.Backend) *Manager {
	return &Manager{
		backend:          b,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		cancelled:        make(map[string]bool),
	}
}

// WithHeartbeatTimeout overrides the default expiry threshold.
func (m *Manager) WithHeartbeatTimeout(d time.Duration) *Manager {
	m.heartbeatTimeout = d
	return m
}

func executorKey(id string) string     { return keyExecutorPrefix + id }
func executorDataKey(id string) string { return keyExecutorDataPrefix + id }

// RegisterExecutor records a new (or re-registering) executor and
// returns reservations for every slot it advertises. If reserveAll is
// false, the executor is registered with zero slots initially reserved
// (used when the executor is already running tasks and the caller will
// reconcile occupied slots separately).
func (m *Manager) RegisterExecutor(ctx context.Context, meta *types.Executor, reserveAll bool) ([]types.ExecutorReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A re-registration replaces whatever was recorded before; retire
	// the previous entry's contribution to the gauges first.
	if prev, err := m.getExecutor(ctx, meta.ID); err == nil {
		metrics.ExecutorsTotal.WithLabelValues(string(prev.Status)).Dec()
	}
	if prevData, ok, _ := m.getExecutorData(ctx, meta.ID); ok {
		metrics.TaskSlotsTotal.Sub(float64(prevData.TotalTaskSlots))
		metrics.TaskSlotsAvailable.Sub(float64(prevData.AvailableTaskSlots))
	}

	meta.Status = types.ExecutorStatusActive
	meta.LastSeen = time.Now()
	if meta.RegisteredAt.IsZero() {
		meta.RegisteredAt = meta.LastSeen
	}

	data := &types.ExecutorData{
		ExecutorID:         meta.ID,
		TotalTaskSlots:     meta.TaskSlots,
		AvailableTaskSlots: meta.TaskSlots,
	}

	if err := m.putExecutor(ctx, meta); err != nil {
		return nil, err
	}
	if err := m.putExecutorData(ctx, data); err != nil {
		return nil, err
	}

	metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorStatusActive)).Inc()
	metrics.TaskSlotsTotal.Add(float64(meta.TaskSlots))
	metrics.TaskSlotsAvailable.Add(float64(meta.TaskSlots))

	if !reserveAll {
		return nil, nil
	}

	reservations := make([]types.ExecutorReservation, 0, meta.TaskSlots)
	for i := 0; i < meta.TaskSlots; i++ {
		reservations = append(reservations, types.NewFreeReservation(meta.ID))
	}
	data.AvailableTaskSlots = 0
	if err := m.putExecutorData(ctx, data); err != nil {
		return nil, err
	}
	metrics.TaskSlotsAvailable.Sub(float64(meta.TaskSlots))

	return reservations, nil
}

// GetExecutorMetadata returns the registration metadata for executorID.
func (m *Manager) GetExecutorMetadata(ctx context.Context, executorID string) (*types.Executor, error) {
	return m.getExecutor(ctx, executorID)
}

// ReserveSlots reserves up to n free task slots across active
// executors, round-robin across executors in ascending id order so a
// single hot executor can't starve the slots a cold executor is
// offering. It may return fewer than n reservations if capacity is
// exhausted; it never fails for lack of capacity.
func (m *Manager) ReserveSlots(ctx context.Context, n int) ([]types.ExecutorReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kvs, err := m.backend.Scan(ctx, keyExecutorDataPrefix)
	if err != nil {
		return nil, schederr.Transientf("scan executor data: %w", err)
	}

	datas := make([]*types.ExecutorData, 0, len(kvs))
	for _, kv := range kvs {
		var d types.ExecutorData
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			return nil, schederr.FatalToSchedulerf("decode executor data %s: %w", kv.Key, err)
		}
		datas = append(datas, &d)
	}

	sort.Slice(datas, func(i, j int) bool { return datas[i].ExecutorID < datas[j].ExecutorID })

	var reservations []types.ExecutorReservation
	touched := map[string]*types.ExecutorData{}
	for len(reservations) < n {
		tookAny := false
		for _, d := range datas {
			if len(reservations) == n {
				break
			}
			if d.AvailableTaskSlots <= 0 {
				continue
			}
			d.AvailableTaskSlots--
			reservations = append(reservations, types.NewFreeReservation(d.ExecutorID))
			touched[d.ExecutorID] = d
			tookAny = true
		}
		if !tookAny {
			break
		}
	}

	for _, d := range touched {
		if err := m.putExecutorData(ctx, d); err != nil {
			return nil, err
		}
	}

	metrics.TaskSlotsAvailable.Sub(float64(len(reservations)))
	return reservations, nil
}

// CancelReservations returns a set of reservations to the available
// pool, whether or not they were ever bound to a task. Cancelling the
// same reservation twice returns its slot exactly once, and
// reservations whose executor has since been deregistered are silently
// dropped. Every reservation that will not be consumed by a task
// assignment must come back through here, or the slot is permanently
// lost.
func (m *Manager) CancelReservations(ctx context.Context, reservations []types.ExecutorReservation) error {
	if len(reservations) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byExecutor := make(map[string]int)
	for _, r := range reservations {
		if r.ID != "" {
			if m.cancelled[r.ID] {
				continue
			}
			m.cancelled[r.ID] = true
		}
		byExecutor[r.ExecutorID]++
	}

	returned := 0
	for executorID, count := range byExecutor {
		d, ok, err := m.getExecutorData(ctx, executorID)
		if err != nil {
			return err
		}
		if !ok {
			// Executor was deregistered while its reservations were in
			// flight; the slots simply no longer exist.
			continue
		}
		d.AvailableTaskSlots += count
		if d.AvailableTaskSlots > d.TotalTaskSlots {
			d.AvailableTaskSlots = d.TotalTaskSlots
		}
		if err := m.putExecutorData(ctx, d); err != nil {
			return err
		}
		returned += count
	}

	metrics.TaskSlotsAvailable.Add(float64(returned))
	return nil
}

// Expire deregisters every executor whose last heartbeat is older than
// the manager's heartbeat timeout and returns their IDs, so the caller
// can surface their in-flight tasks as retriable failures. The expired
// executor's slot record is deleted outright: reservations still out
// against it become dead tokens that CancelReservations drops silently.
func (m *Manager) Expire(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kvs, err := m.backend.Scan(ctx, keyExecutorPrefix)
	if err != nil {
		return nil, schederr.Transientf("scan executors: %w", err)
	}

	var expired []string
	for _, kv := range kvs {
		var exec types.Executor
		if err := json.Unmarshal(kv.Value, &exec); err != nil {
			return nil, schederr.FatalToSchedulerf("decode executor %s: %w", kv.Key, err)
		}
		if exec.Status != types.ExecutorStatusActive {
			continue
		}
		if now.Sub(exec.LastSeen) <= m.heartbeatTimeout {
			continue
		}

		exec.Status = types.ExecutorStatusDead
		if err := m.putExecutor(ctx, &exec); err != nil {
			return nil, err
		}

		if d, ok, err := m.getExecutorData(ctx, exec.ID); err != nil {
			return nil, err
		} else if ok {
			metrics.TaskSlotsTotal.Sub(float64(d.TotalTaskSlots))
			metrics.TaskSlotsAvailable.Sub(float64(d.AvailableTaskSlots))
			if err := m.backend.Delete(ctx, executorDataKey(exec.ID)); err != nil {
				return nil, schederr.Transientf("delete executor data %s: %w", exec.ID, err)
			}
		}

		expired = append(expired, exec.ID)
		metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorStatusActive)).Dec()
		metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorStatusDead)).Inc()
		metrics.ExecutorsExpiredTotal.Inc()
	}

	return expired, nil
}

// Heartbeat records that executorID is alive at time t. An expired
// executor cannot be revived by a late heartbeat; it must re-register
// so its slot record is rebuilt.
func (m *Manager) Heartbeat(ctx context.Context, executorID string, t time.Time) error {
	exec, err := m.getExecutor(ctx, executorID)
	if err != nil {
		return err
	}
	if exec.Status != types.ExecutorStatusActive {
		return schederr.Recoverablef("executor %s expired, must re-register", executorID)
	}
	exec.LastSeen = t
	return m.putExecutor(ctx, exec)
}

func (m *Manager) getExecutor(ctx context.Context, executorID string) (*types.Executor, error) {
	raw, ok, err := m.backend.Get(ctx, executorKey(executorID))
	if err != nil {
		return nil, schederr.Transientf("get executor %s: %w", executorID, err)
	}
	if !ok {
		return nil, schederr.Recoverablef("unknown executor %s", executorID)
	}

	var exec types.Executor
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, schederr.FatalToSchedulerf("decode executor %s: %w", executorID, err)
	}
	return &exec, nil
}

func (m *Manager) getExecutorData(ctx context.Context, executorID string) (*types.ExecutorData, bool, error) {
	raw, ok, err := m.backend.Get(ctx, executorDataKey(executorID))
	if err != nil {
		return nil, false, schederr.Transientf("get executor data %s: %w", executorID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var d types.ExecutorData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, schederr.FatalToSchedulerf("decode executor data %s: %w", executorID, err)
	}
	return &d, true, nil
}

func (m *Manager) putExecutor(ctx context.Context, exec *types.Executor) error {
	raw, err := json.Marshal(exec)
	if err != nil {
		return schederr.FatalToSchedulerf("encode executor %s: %w", exec.ID, err)
	}
	if err := m.backend.Put(ctx, executorKey(exec.ID), raw); err != nil {
		return schederr.Transientf("put executor %s: %w", exec.ID, err)
	}
	return nil
}

func (m *Manager) putExecutorData(ctx context.Context, d *types.ExecutorData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return schederr.FatalToSchedulerf("encode executor data %s: %w", d.ExecutorID, err)
	}
	if err := m.backend.Put(ctx, executorDataKey(d.ExecutorID), raw); err != nil {
		return schederr.Transientf("put executor data %s: %w", d.ExecutorID, err)
	}
	return nil
}
