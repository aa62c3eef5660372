package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarterdeck/qd/internal/state"
)

func TestFingerprintIsStableAcrossFormatting(t *testing.T) {
	a := Fingerprint(state.ActorUser, state.IntentCommand, "fix  the\tbug\n", 0)
	b := Fingerprint(state.ActorUser, state.IntentCommand, "fix the bug", 0)
	require.Equal(t, a, b)

	require.NotEqual(t, a, Fingerprint(state.ActorAgent, state.IntentCommand, "fix the bug", 0))
	require.NotEqual(t, a, Fingerprint(state.ActorUser, state.IntentAnswer, "fix the bug", 0))
	require.NotEqual(t, a, Fingerprint(state.ActorUser, state.IntentCommand, "fix the bug", 1))
}

func TestInsertTurnRejectsDuplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/a"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	fp := Fingerprint(state.ActorUser, state.IntentCommand, "run the tests", 0)
	turn := Turn{
		CommandID:   cmd.ID,
		AgentID:     agent.ID,
		Actor:       state.ActorUser,
		Intent:      state.IntentCommand,
		Text:        "run the tests",
		Fingerprint: fp,
	}

	inserted, err := st.InsertTurn(ctx, turn)
	require.NoError(t, err)
	require.NotEmpty(t, inserted.ID)
	require.Equal(t, SourceServer, inserted.Source)
	require.Equal(t, int64(-1), inserted.LogOffset)

	_, err = st.InsertTurn(ctx, turn)
	require.ErrorIs(t, err, ErrDuplicateTurn)

	// Same content at the next occurrence index is a distinct turn.
	turn.Fingerprint = Fingerprint(state.ActorUser, state.IntentCommand, "run the tests", 1)
	_, err = st.InsertTurn(ctx, turn)
	require.NoError(t, err)

	count, err := st.CountTurns(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestCorrectTurnTimestampIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/b"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	inserted, err := st.InsertTurn(ctx, Turn{
		CommandID:   cmd.ID,
		AgentID:     agent.ID,
		Actor:       state.ActorAgent,
		Intent:      state.IntentCompletion,
		Text:        "done",
		Fingerprint: Fingerprint(state.ActorAgent, state.IntentCompletion, "done", 0),
	})
	require.NoError(t, err)
	require.Equal(t, SourceServer, inserted.Source)

	authoritative := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	require.NoError(t, st.CorrectTurnTimestamp(ctx, inserted.ID, authoritative, 4096))
	require.NoError(t, st.CorrectTurnTimestamp(ctx, inserted.ID, authoritative, 4096))

	loaded, err := st.FindTurnByFingerprint(ctx, cmd.ID, inserted.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, SourceTranscript, loaded.Source)
	require.Equal(t, int64(4096), loaded.LogOffset)
	require.True(t, loaded.Timestamp.Equal(authoritative))
}

func TestCountTurnsByContentSeparatesSources(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/c"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	for occurrence, source := range []TimestampSource{SourceServer, SourceTranscript, SourceTranscript} {
		_, err := st.InsertTurn(ctx, Turn{
			CommandID:   cmd.ID,
			AgentID:     agent.ID,
			Actor:       state.ActorAgent,
			Intent:      state.IntentProgress,
			Text:        "compiling",
			Source:      source,
			LogOffset:   int64(occurrence + 1),
			Fingerprint: Fingerprint(state.ActorAgent, state.IntentProgress, "compiling", occurrence),
		})
		require.NoError(t, err)
	}

	total, err := st.CountTurnsByContent(ctx, cmd.ID, state.ActorAgent, state.IntentProgress, "compiling")
	require.NoError(t, err)
	require.Equal(t, 3, total)

	reconciled, err := st.CountReconciledTurnsByContent(ctx, cmd.ID, state.ActorAgent, state.IntentProgress, "compiling")
	require.NoError(t, err)
	require.Equal(t, 2, reconciled)
}

func TestTurnsForCommandOrdersByTimestamp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, Agent{Workdir: "/work/d"})
	require.NoError(t, err)
	cmd, err := st.CreateCommand(ctx, agent.ID)
	require.NoError(t, err)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	texts := []string{"second", "first", "third"}
	offsets := []time.Duration{time.Minute, 0, 2 * time.Minute}
	for i, text := range texts {
		_, err := st.InsertTurn(ctx, Turn{
			CommandID:   cmd.ID,
			AgentID:     agent.ID,
			Actor:       state.ActorAgent,
			Intent:      state.IntentProgress,
			Text:        text,
			Timestamp:   base.Add(offsets[i]),
			Fingerprint: Fingerprint(state.ActorAgent, state.IntentProgress, text, 0),
		})
		require.NoError(t, err)
	}

	turns, err := st.TurnsForCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "first", turns[0].Text)
	require.Equal(t, "second", turns[1].Text)
	require.Equal(t, "third", turns[2].Text)
}
