package correlate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarterdeck/qd/internal/correlate"
	"github.com/quarterdeck/qd/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "qd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCorrelateByExternalSession(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, store.Agent{Workdir: "/work/a"})
	require.NoError(t, err)
	require.NoError(t, st.AttachExternalSession(ctx, agent.ID, "ext-1"))

	c, err := correlate.New(st, nil, correlate.Options{})
	require.NoError(t, err)

	got, err := c.Correlate(ctx, correlate.Request{ExternalSessionID: "ext-1"})
	require.NoError(t, err)
	require.Equal(t, agent.ID, got.ID)
}

func TestCorrelateBySessionTokenAdoptsExternalID(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, store.Agent{Workdir: "/work/b"})
	require.NoError(t, err)

	cache := correlate.NewCache()
	c, err := correlate.New(st, cache, correlate.Options{})
	require.NoError(t, err)

	got, err := c.Correlate(ctx, correlate.Request{
		ExternalSessionID: "ext-2",
		SessionToken:      agent.SessionToken,
	})
	require.NoError(t, err)
	require.Equal(t, agent.ID, got.ID)
	require.Equal(t, "ext-2", got.ExternalSessionID)

	// The adoption is durable and cached.
	loaded, err := st.FindAgentByExternalSession(ctx, "ext-2")
	require.NoError(t, err)
	require.Equal(t, agent.ID, loaded.ID)

	cachedID, ok := cache.Get("ext-2")
	require.True(t, ok)
	require.Equal(t, agent.ID, cachedID)
}

func TestCorrelateByWorkdirWithinRecentWindow(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, store.Agent{Workdir: "/work/c"})
	require.NoError(t, err)
	require.NoError(t, st.TouchAgent(ctx, agent.ID, time.Now()))

	c, err := correlate.New(st, nil, correlate.Options{RecentWindow: time.Hour})
	require.NoError(t, err)

	got, err := c.Correlate(ctx, correlate.Request{
		ExternalSessionID: "ext-3",
		Workdir:           "/work/c",
	})
	require.NoError(t, err)
	require.Equal(t, agent.ID, got.ID)

	// Outside the window the directory match must not fire.
	require.NoError(t, st.TouchAgent(ctx, agent.ID, time.Now().Add(-2*time.Hour)))
	_, err = c.Correlate(ctx, correlate.Request{
		ExternalSessionID: "ext-unseen",
		Workdir:           "/work/c",
	})
	require.ErrorIs(t, err, correlate.ErrUnregistered)
}

func TestCorrelateAutoRegisters(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	c, err := correlate.New(st, nil, correlate.Options{AutoRegister: true})
	require.NoError(t, err)

	got, err := c.Correlate(ctx, correlate.Request{
		ExternalSessionID: "ext-new",
		Workdir:           "/work/new",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	require.Equal(t, "/work/new", got.Workdir)
	require.Equal(t, "ext-new", got.ExternalSessionID)

	// The same session resolves to the same agent from then on.
	again, err := c.Correlate(ctx, correlate.Request{ExternalSessionID: "ext-new"})
	require.NoError(t, err)
	require.Equal(t, got.ID, again.ID)
}

func TestCorrelateRejectsUnknownWhenAutoRegisterOff(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	c, err := correlate.New(st, nil, correlate.Options{AutoRegister: false})
	require.NoError(t, err)

	_, err = c.Correlate(ctx, correlate.Request{
		ExternalSessionID: "ext-x",
		Workdir:           "/work/x",
	})
	require.ErrorIs(t, err, correlate.ErrUnregistered)

	var unregistered *correlate.UnregisteredError
	require.ErrorAs(t, err, &unregistered)
	require.Equal(t, "ext-x", unregistered.ExternalSessionID)
	require.Equal(t, "/work/x", unregistered.Workdir)
}

func TestCacheSkipsRetiredAgents(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, store.Agent{Workdir: "/work/d"})
	require.NoError(t, err)
	require.NoError(t, st.AttachExternalSession(ctx, agent.ID, "ext-4"))

	cache := correlate.NewCache()
	cache.Put("ext-4", agent.ID)
	c, err := correlate.New(st, cache, correlate.Options{})
	require.NoError(t, err)

	require.NoError(t, st.SetAgentStatus(ctx, agent.ID, store.AgentRetired))

	// The stale cache entry is dropped and the store lookups exclude
	// retired agents, so the session is now unresolvable.
	_, err = c.Correlate(ctx, correlate.Request{ExternalSessionID: "ext-4"})
	require.ErrorIs(t, err, correlate.ErrUnregistered)

	_, ok := cache.Get("ext-4")
	require.False(t, ok)
}

func TestCacheInvalidateRemovesAllEntriesForAgent(t *testing.T) {
	cache := correlate.NewCache()
	cache.Put("ext-a", "agent-1")
	cache.Put("ext-b", "agent-1")
	cache.Put("ext-c", "agent-2")

	cache.Invalidate("agent-1")

	_, ok := cache.Get("ext-a")
	require.False(t, ok)
	_, ok = cache.Get("ext-b")
	require.False(t, ok)
	id, ok := cache.Get("ext-c")
	require.True(t, ok)
	require.Equal(t, "agent-2", id)
}
