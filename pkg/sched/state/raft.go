package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	schedmetrics "github.com/cuemby/scheduler-core/pkg/sched/metrics"
)

// RaftConfig configures a RaftBackend.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool // true for the first node of a new cluster
}

// RaftBackend is the distributed, HA State Backend implementation: a
// Raft-replicated log feeding an in-memory FSM, with raft-boltdb
// providing the durable log and stable stores.
type RaftBackend struct {
	nodeID string
	raft   *raft.Raft
	fsm    *schedulerFSM
}

// NewRaftBackend starts (or rejoins) a Raft node persisting its log and
// snapshots under cfg.DataDir.
func NewRaftBackend(cfg RaftConfig) (*RaftBackend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	fsm := newSchedulerFSM()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft bolt store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		cfgFuture := r.GetConfiguration()
		if err := cfgFuture.Error(); err != nil {
			return nil, fmt.Errorf("get raft configuration: %w", err)
		}
		if len(cfgFuture.Configuration().Servers) == 0 {
			r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{
					{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
				},
			})
		}
	}

	return &RaftBackend{nodeID: cfg.NodeID, raft: r, fsm: fsm}, nil
}

// AddVoter adds a new voting member to the cluster. Only the leader may
// call this.
func (b *RaftBackend) AddVoter(nodeID, addr string) error {
	future := b.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (b *RaftBackend) IsLeader() bool {
	isLeader := b.raft.State() == raft.Leader
	if isLeader {
		schedmetrics.RaftIsLeader.Set(1)
	} else {
		schedmetrics.RaftIsLeader.Set(0)
	}
	return isLeader
}

// LeaderAddr returns the address of the current Raft leader, if known.
func (b *RaftBackend) LeaderAddr() string {
	addr, _ := b.raft.LeaderWithID()
	return string(addr)
}

func (b *RaftBackend) apply(cmd command) (*applyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	timer := schedmetrics.NewTimer()
	future := b.raft.Apply(data, 5*time.Second)
	timer.ObserveDuration(schedmetrics.StateApplyDuration)

	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply: %w", err)
	}

	resp, ok := future.Response().(*applyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return resp, nil
}

func (b *RaftBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.fsm.get(key)
	return v, ok, nil
}

func (b *RaftBackend) Put(_ context.Context, key string, value []byte) error {
	_, err := b.apply(command{Op: opPut, Key: key, Value: value})
	return err
}

func (b *RaftBackend) Delete(_ context.Context, key string) error {
	_, err := b.apply(command{Op: opDelete, Key: key})
	return err
}

func (b *RaftBackend) Scan(_ context.Context, prefix string) ([]KV, error) {
	return b.fsm.scan(prefix), nil
}

// Lock acquires a named lock by repeatedly attempting an atomic
// check-and-set Apply against the FSM until it succeeds or ctx is
// cancelled. Because every Apply is linearized through the Raft log,
// this requires no separate mutex registry the way the in-process
// BoltBackend does.
func (b *RaftBackend) Lock(ctx context.Context, name string) (Lock, error) {
	key := "locks/" + name

	for {
		resp, err := b.apply(command{Op: opLockAcquire, Key: key})
		if err != nil {
			return nil, err
		}
		if resp.acquired {
			return &raftLock{backend: b, key: key}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (b *RaftBackend) Close() error {
	return b.raft.Shutdown().Error()
}

type raftLock struct {
	backend  *RaftBackend
	key      string
	released bool
}

func (l *raftLock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	_, err := l.backend.apply(command{Op: opLockRelease, Key: l.key})
	return err
}
