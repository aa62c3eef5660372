package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "qd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAgentGeneratesIdentityAndToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/project"})
	require.NoError(t, err)
	require.NotEmpty(t, agent.ID)
	require.NotEmpty(t, agent.SessionToken)
	require.Equal(t, AgentActive, agent.Status)

	loaded, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, agent.ID, loaded.ID)
	require.Equal(t, "/work/project", loaded.Workdir)

	_, err = st.CreateAgent(ctx, Agent{})
	require.Error(t, err)
}

func TestFindAgentBySessionTokenAndExternalSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/a"})
	require.NoError(t, err)

	found, err := st.FindAgentBySessionToken(ctx, agent.SessionToken)
	require.NoError(t, err)
	require.Equal(t, agent.ID, found.ID)

	_, err = st.FindAgentByExternalSession(ctx, "ext-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.AttachExternalSession(ctx, agent.ID, "ext-1"))
	found, err = st.FindAgentByExternalSession(ctx, "ext-1")
	require.NoError(t, err)
	require.Equal(t, agent.ID, found.ID)
}

func TestFindAgentByWorkdirHonorsRecencyWindow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/b"})
	require.NoError(t, err)
	require.NoError(t, st.TouchAgent(ctx, agent.ID, time.Now().Add(-3*time.Hour)))

	_, err = st.FindAgentByWorkdir(ctx, "/work/b", time.Now().Add(-2*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.TouchAgent(ctx, agent.ID, time.Now()))
	found, err := st.FindAgentByWorkdir(ctx, "/work/b", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, agent.ID, found.ID)
}

func TestAdvanceTranscriptOffsetNeverMovesBackward(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/c"})
	require.NoError(t, err)

	require.NoError(t, st.AdvanceTranscriptOffset(ctx, agent.ID, 512))
	loaded, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(512), loaded.TranscriptOffset)

	// A stale writer with a smaller offset loses.
	require.NoError(t, st.AdvanceTranscriptOffset(ctx, agent.ID, 128))
	loaded, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(512), loaded.TranscriptOffset)
}

func TestAgentStatusTransitionsAndListing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	active, err := st.CreateAgent(ctx, Agent{Workdir: "/work/active"})
	require.NoError(t, err)
	retired, err := st.CreateAgent(ctx, Agent{Workdir: "/work/retired"})
	require.NoError(t, err)
	require.NoError(t, st.SetAgentStatus(ctx, retired.ID, AgentRetired))

	agents, err := st.ListAgentsByStatus(ctx, AgentActive)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, active.ID, agents[0].ID)

	agents, err = st.ListAgentsByStatus(ctx, AgentRetired)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, retired.ID, agents[0].ID)
}

func TestSetTranscriptAndContextTokens(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/d"})
	require.NoError(t, err)

	require.NoError(t, st.SetTranscript(ctx, agent.ID, "/logs/session.jsonl"))
	require.NoError(t, st.SetContextTokens(ctx, agent.ID, 42000))
	require.NoError(t, st.SetAgentTmuxPane(ctx, agent.ID, "%7"))

	loaded, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, "/logs/session.jsonl", loaded.TranscriptPath)
	require.Equal(t, int64(42000), loaded.ContextTokens)
	require.Equal(t, "%7", loaded.TmuxPane)
}
