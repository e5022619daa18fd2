package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b, err := state.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return NewManager(b)
}

func TestCreateSessionAppliesDefaultsAndOverrides(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, map[string]string{types.ConfigShufflePartitions: "8"})
	require.NoError(t, err)

	assert.Equal(t, "8", sess.Config[types.ConfigShufflePartitions])
	assert.Equal(t, "false", sess.Config[types.ConfigWithInformationSchema])
}

func TestSetConfigPreservesUnknownKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetConfig(ctx, sess.ID, "datafusion.some.planner.flag", "x"))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Config["datafusion.some.planner.flag"])
}

func TestGetSessionAfterExpiryFails(t *testing.T) {
	m := newTestManager(t).WithTTL(time.Millisecond)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = m.GetSession(ctx, sess.ID)
	assert.Error(t, err)
}

func TestExpireSessionsRemovesOnlyExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	fresh, err := m.CreateSession(ctx, nil)
	require.NoError(t, err)
	stale, err := m.CreateSession(ctx, nil)
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[stale.ID].ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	removed := m.ExpireSessions(time.Now())
	require.Equal(t, 1, removed)

	_, err = m.GetSession(ctx, fresh.ID)
	assert.NoError(t, err)

	// The stale session's cache entry was evicted, but its config is
	// still durable, so GetSession reconstructs it rather than failing.
	reconstructed, err := m.GetSession(ctx, stale.ID)
	assert.NoError(t, err)
	assert.Equal(t, stale.ID, reconstructed.ID)
}

func TestGetSessionReconstructsAfterCacheEviction(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, map[string]string{types.ConfigShufflePartitions: "32"})
	require.NoError(t, err)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	reconstructed, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "32", reconstructed.Config[types.ConfigShufflePartitions])
}

func TestGetSessionUnknownFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetSession(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestUpdateSessionReplacesWholeConfig(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, map[string]string{types.ConfigShufflePartitions: "8"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateSession(ctx, sess.ID, map[string]string{
		types.ConfigShufflePartitions: "64",
	}))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "64", got.Config[types.ConfigShufflePartitions])
	// The replacement is total: a key present before and absent from the
	// new map does not survive.
	_, stillPresent := got.Config[types.ConfigWithInformationSchema]
	assert.False(t, stillPresent)
}

func TestUpdateSessionPreservesUnknownKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateSession(ctx, sess.ID, map[string]string{"datafusion.some.planner.flag": "x"}))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Config["datafusion.some.planner.flag"])
}
