// Package session implements the Session Manager: it tracks client
// planning-context sessions and their configuration maps, persisting
// config to the State Backend so a restarted scheduler can lazily
// reconstruct sessions clients still reference.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/schederr"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// DefaultTTL is how long a session remains valid without being
// refreshed.
const DefaultTTL = 1 * time.Hour

const keySessionPrefix = "sessions/"

func sessionKey(id string) string { return keySessionPrefix + id }

// Manager tracks sessions in an in-memory cache backed by the State
// Backend. Only the config map is durable; CreatedAt/ExpiresAt are
// cache-local bookkeeping and are reset to fresh values whenever a
// session is reconstructed from the backend.
type Manager struct {
	backend state.Backend

	mu       sync.RWMutex
	sessions map[string]*types.Session
	ttl      time.Duration
}

// NewManager creates a Session Manager backed by b.
func NewManager(b state.Backend) *Manager {
	return &Manager{
		backend:  b,
		sessions: make(map[string]*types.Session),
		ttl:      DefaultTTL,
	}
}

// WithTTL overrides the default session lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// CreateSession creates a new session seeded with the scheduler's
// default configuration overlaid with any caller-supplied overrides,
// persists its config, and caches it.
func (m *Manager) CreateSession(ctx context.Context, overrides map[string]string) (*types.Session, error) {
	now := time.Now()

	cfg := types.DefaultSessionConfig()
	for k, v := range overrides {
		cfg[k] = v
	}

	sess := &types.Session{
		ID:        uuid.NewString(),
		Config:    cfg,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.putConfig(ctx, sess.ID, cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	metrics.SessionsTotal.Inc()
	return sess, nil
}

// GetSession returns the session for id. On a cache miss it attempts to
// reconstruct the session from its persisted config before reporting it
// unknown, so a query submitted shortly after a scheduler restart still
// resolves the session its client already holds.
func (m *Manager) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()

	if ok {
		if time.Now().After(sess.ExpiresAt) {
			return nil, schederr.Recoverablef("session %s expired", id)
		}
		return sess, nil
	}

	cfg, found, err := m.getConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schederr.Recoverablef("unknown session %s", id)
	}

	now := time.Now()
	sess = &types.Session{
		ID:        id,
		Config:    cfg,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	metrics.SessionsTotal.Inc()
	return sess, nil
}

// SetConfig updates a single configuration key on sess and persists the
// change so subsequent queries (and a post-restart reconstruction) see
// it. Keys the scheduler does not itself recognize are kept as-is and
// forwarded to planning unchanged.
func (m *Manager) SetConfig(ctx context.Context, id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return schederr.Recoverablef("unknown session %s", id)
	}
	sess.Config[key] = value
	return m.putConfig(ctx, id, sess.Config)
}

// UpdateSession replaces sess's entire configuration map; subsequent
// queries see the new config. As with SetConfig, keys the scheduler
// does not recognize are preserved rather than rejected.
func (m *Manager) UpdateSession(ctx context.Context, id string, config map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return schederr.Recoverablef("unknown session %s", id)
	}
	sess.Config = config
	return m.putConfig(ctx, id, sess.Config)
}

// RemoveSession deletes a session immediately, from both the cache and
// the backend.
func (m *Manager) RemoveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		metrics.SessionsTotal.Dec()
	}
	if err := m.backend.Delete(ctx, sessionKey(id)); err != nil {
		return schederr.Transientf("delete session %s: %w", id, err)
	}
	return nil
}

// ExpireSessions evicts every cached session whose TTL has elapsed as of
// now, returning the count removed. This only trims the in-memory
// cache; the durable config is left in place so a client that reconnects
// after the cache has been swept still reconstructs its session via
// GetSession.
func (m *Manager) ExpireSessions(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SessionsTotal.Sub(float64(removed))
	}
	return removed
}

// ListSessions returns every cached, non-expired session.
func (m *Manager) ListSessions() []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	sessions := make([]*types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func (m *Manager) putConfig(ctx context.Context, id string, cfg map[string]string) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return schederr.FatalToSchedulerf("encode session %s config: %w", id, err)
	}
	if err := m.backend.Put(ctx, sessionKey(id), raw); err != nil {
		return schederr.Transientf("put session %s: %w", id, err)
	}
	return nil
}

func (m *Manager) getConfig(ctx context.Context, id string) (map[string]string, bool, error) {
	raw, ok, err := m.backend.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, false, schederr.Transientf("get session %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var cfg map[string]string
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false, schederr.FatalToSchedulerf("decode session %s config: %w", id, err)
	}
	return cfg, true, nil
}
