package state

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/raft"
)

// command is the unit of work replicated through the Raft log.
type command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

const (
	opPut         = "put"
	opDelete      = "delete"
	opLockAcquire = "lock_acquire"
	opLockRelease = "lock_release"
)

// applyResult is returned from fsm.Apply through raft.ApplyFuture.Response().
type applyResult struct {
	err      error
	acquired bool
}

// schedulerFSM is the raft.FSM implementation backing RaftBackend: a
// mutex-guarded in-memory map mutated only through Apply, with
// Snapshot/Restore for log compaction.
type schedulerFSM struct {
	mu    sync.RWMutex
	data  map[string][]byte
	locks map[string]bool
}

func newSchedulerFSM() *schedulerFSM {
	return &schedulerFSM{
		data:  make(map[string][]byte),
		locks: make(map[string]bool),
	}
}

func (f *schedulerFSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &applyResult{err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPut:
		f.data[cmd.Key] = cmd.Value
		return &applyResult{}
	case opDelete:
		delete(f.data, cmd.Key)
		return &applyResult{}
	case opLockAcquire:
		if f.locks[cmd.Key] {
			return &applyResult{acquired: false}
		}
		f.locks[cmd.Key] = true
		return &applyResult{acquired: true}
	case opLockRelease:
		delete(f.locks, cmd.Key)
		return &applyResult{}
	default:
		return &applyResult{err: fmt.Errorf("unknown command op %q", cmd.Op)}
	}
}

func (f *schedulerFSM) get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (f *schedulerFSM) scan(prefix string) []KV {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var result []KV
	for k, v := range f.data {
		if strings.HasPrefix(k, prefix) {
			result = append(result, KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	return result
}

type fsmSnapshot struct {
	Data  map[string][]byte `json:"data"`
	Locks map[string]bool   `json:"locks"`
}

func (f *schedulerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := fsmSnapshot{
		Data:  make(map[string][]byte, len(f.data)),
		Locks: make(map[string]bool, len(f.locks)),
	}
	for k, v := range f.data {
		snap.Data[k] = append([]byte(nil), v...)
	}
	for k, v := range f.locks {
		snap.Locks[k] = v
	}
	return &snap, nil
}

func (f *schedulerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = snap.Data
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.locks = snap.Locks
	if f.locks == nil {
		f.locks = make(map[string]bool)
	}
	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
