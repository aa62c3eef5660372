package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarterdeck/qd/internal/state"
)

func TestCreateCommandStartsIdle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/a"})
	require.NoError(t, err)

	_, err = st.ActiveCommand(ctx, agent.ID)
	require.ErrorIs(t, err, ErrNotFound)

	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, state.Idle, cmd.State)
	require.True(t, cmd.CompletedAt.IsZero())

	active, err := st.ActiveCommand(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, cmd.ID, active.ID)
}

func TestOneActiveCommandPerAgent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/b"})
	require.NoError(t, err)

	first, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	// The partial unique index rejects a second non-complete command.
	_, err = st.CreateCommand(ctx, agent.ID)
	require.Error(t, err)

	require.NoError(t, st.SetCommandState(ctx, first.ID, state.Complete))
	second, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSetCommandStateStampsCompletion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/c"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	require.NoError(t, st.SetCommandState(ctx, cmd.ID, state.Commanded))
	loaded, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, state.Commanded, loaded.State)
	require.True(t, loaded.CompletedAt.IsZero())

	require.NoError(t, st.SetCommandState(ctx, cmd.ID, state.Complete))
	loaded, err = st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, state.Complete, loaded.State)
	require.False(t, loaded.CompletedAt.IsZero())

	_, err = st.ActiveCommand(ctx, agent.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, st.SetCommandState(ctx, "missing", state.Commanded), ErrNotFound)
}

func TestLatestCommandFallsBackToCompleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/d"})
	require.NoError(t, err)

	_, err = st.LatestCommand(ctx, agent.ID)
	require.ErrorIs(t, err, ErrNotFound)

	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)
	require.NoError(t, st.SetCommandState(ctx, cmd.ID, state.Complete))

	latest, err := st.LatestCommand(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, cmd.ID, latest.ID)
}

func TestCommandTextFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/e"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	require.NoError(t, st.SetCommandInstruction(ctx, cmd.ID, "  refactor the parser  "))
	require.NoError(t, st.SetCommandSummary(ctx, cmd.ID, "parser refactored"))

	loaded, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "refactor the parser", loaded.Instruction)
	require.Equal(t, "parser refactored", loaded.Summary)
}
