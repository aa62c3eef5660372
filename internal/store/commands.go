package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarterdeck/qd/internal/state"
)

// Command is one unit of work owned by an agent. Exactly one command per
// agent is active (state != COMPLETE) at a time; the partial unique index
// in the schema enforces it.
type Command struct {
	ID          string
	AgentID     string
	State       state.State
	Instruction string
	Summary     string
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
}

// ActiveCommand returns the agent's current non-complete command.
func (s *Store) ActiveCommand(ctx context.Context, agentID string) (Command, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Command{}, ErrNotFound
	}
	return scanCommand(s.db.QueryRowContext(ctx, commandSelect+`
		WHERE agent_id = ? AND state != ?`,
		agentID, string(state.Complete),
	))
}

// LatestCommand returns the agent's most recently started command in any
// state. Used to give late-arriving turns a home after the command they
// belong to has already completed.
func (s *Store) LatestCommand(ctx context.Context, agentID string) (Command, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Command{}, ErrNotFound
	}
	return scanCommand(s.db.QueryRowContext(ctx, commandSelect+`
		WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		agentID,
	))
}

// GetCommand loads one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (Command, error) {
	return scanCommand(s.db.QueryRowContext(ctx, commandSelect+" WHERE id = ?", strings.TrimSpace(id)))
}

// CreateCommand inserts a new command in state IDLE for the agent.
func (s *Store) CreateCommand(ctx context.Context, agentID string) (Command, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Command{}, errors.New("agent id is required")
	}

	now := time.Now().UTC()
	cmd := Command{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		State:     state.Idle,
		StartedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, agent_id, state, instruction, summary, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, '', '', ?, NULL, ?)`,
		cmd.ID, cmd.AgentID, string(cmd.State), cmd.StartedAt, cmd.UpdatedAt,
	)
	if err != nil {
		return Command{}, fmt.Errorf("insert command: %w", err)
	}
	return cmd, nil
}

// SetCommandState commits a validated lifecycle transition. The caller is
// responsible for having run the transition through the state machine; this
// method records the outcome and stamps completed_at on COMPLETE.
func (s *Store) SetCommandState(ctx context.Context, commandID string, next state.State) error {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return errors.New("command id is required")
	}

	now := time.Now().UTC()
	var completedAt any
	if next == state.Complete {
		completedAt = now
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE commands SET state = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?`,
		string(next), completedAt, now, commandID,
	)
	if err != nil {
		return fmt.Errorf("update command %s state: %w", commandID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command %s state: %w", commandID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update command %s state: %w", commandID, ErrNotFound)
	}
	return nil
}

// SetCommandInstruction stores the free-text instruction summary. Populated
// asynchronously by the downstream intelligence layer, never by the
// consistency core itself.
func (s *Store) SetCommandInstruction(ctx context.Context, commandID, instruction string) error {
	return s.setCommandText(ctx, commandID, "instruction", instruction)
}

// SetCommandSummary stores the free-text completion summary.
func (s *Store) SetCommandSummary(ctx context.Context, commandID, summary string) error {
	return s.setCommandText(ctx, commandID, "summary", summary)
}

func (s *Store) setCommandText(ctx context.Context, commandID, column, value string) error {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return errors.New("command id is required")
	}
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE commands SET "+column+" = ?, updated_at = ? WHERE id = ?",
		strings.TrimSpace(value), time.Now().UTC(), commandID,
	)
	if err != nil {
		return fmt.Errorf("update command %s %s: %w", commandID, column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command %s %s: %w", commandID, column, err)
	}
	if affected == 0 {
		return fmt.Errorf("update command %s %s: %w", commandID, column, ErrNotFound)
	}
	return nil
}

const commandSelect = `
	SELECT id, agent_id, state, instruction, summary, started_at, completed_at, updated_at
	FROM commands`

func scanCommand(row *sql.Row) (Command, error) {
	var cmd Command
	var stateValue string
	var completedAt sql.NullTime
	err := row.Scan(
		&cmd.ID,
		&cmd.AgentID,
		&stateValue,
		&cmd.Instruction,
		&cmd.Summary,
		&cmd.StartedAt,
		&completedAt,
		&cmd.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, ErrNotFound
	}
	if err != nil {
		return Command{}, fmt.Errorf("scan command: %w", err)
	}
	parsed, err := state.ParseState(stateValue)
	if err != nil {
		return Command{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.State = parsed
	if completedAt.Valid {
		cmd.CompletedAt = completedAt.Time
	}
	return cmd, nil
}
