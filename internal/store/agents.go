package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the coarse availability state of one tracked agent.
type AgentStatus string

const (
	// AgentActive is a live, trackable agent.
	AgentActive AgentStatus = "active"
	// AgentUnavailable means the agent's harness or pane went missing.
	AgentUnavailable AgentStatus = "unavailable"
	// AgentRetired is a logically deleted agent; rows are never removed.
	AgentRetired AgentStatus = "retired"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Agent is one tracked external coding-assistant session.
type Agent struct {
	ID                string
	ExternalSessionID string
	SessionToken      string
	Workdir           string
	TmuxPane          string
	Status            AgentStatus
	TranscriptPath    string
	TranscriptOffset  int64
	ContextTokens     int64
	LastSeenAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateAgent inserts a new agent row. ID and SessionToken are generated
// when empty.
func (s *Store) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	agent.Workdir = strings.TrimSpace(agent.Workdir)
	if agent.Workdir == "" {
		return Agent{}, errors.New("workdir is required")
	}
	if strings.TrimSpace(agent.ID) == "" {
		agent.ID = uuid.NewString()
	}
	if strings.TrimSpace(agent.SessionToken) == "" {
		agent.SessionToken = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = AgentActive
	}

	now := time.Now().UTC()
	if agent.LastSeenAt.IsZero() {
		agent.LastSeenAt = now
	}
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, external_session_id, session_token, workdir, tmux_pane,
			status, transcript_path, transcript_offset, context_tokens,
			last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID,
		strings.TrimSpace(agent.ExternalSessionID),
		agent.SessionToken,
		agent.Workdir,
		strings.TrimSpace(agent.TmuxPane),
		string(agent.Status),
		strings.TrimSpace(agent.TranscriptPath),
		agent.TranscriptOffset,
		agent.ContextTokens,
		agent.LastSeenAt,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent loads one agent by internal id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, agentSelect+" WHERE id = ?", strings.TrimSpace(id)))
}

// FindAgentByExternalSession looks an agent up by its external session id.
func (s *Store) FindAgentByExternalSession(ctx context.Context, externalSessionID string) (Agent, error) {
	externalSessionID = strings.TrimSpace(externalSessionID)
	if externalSessionID == "" {
		return Agent{}, ErrNotFound
	}
	return s.scanAgent(s.db.QueryRowContext(
		ctx,
		agentSelect+" WHERE external_session_id = ? AND status != ?",
		externalSessionID,
		string(AgentRetired),
	))
}

// FindAgentBySessionToken looks an agent up by its internally issued token.
func (s *Store) FindAgentBySessionToken(ctx context.Context, token string) (Agent, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Agent{}, ErrNotFound
	}
	return s.scanAgent(s.db.QueryRowContext(
		ctx,
		agentSelect+" WHERE session_token = ? AND status != ?",
		token,
		string(AgentRetired),
	))
}

// FindAgentByWorkdir returns the most recently seen active agent in the
// given working directory, provided it was seen after the activeSince cutoff.
// A session restarted in the same directory continues the existing agent.
func (s *Store) FindAgentByWorkdir(ctx context.Context, workdir string, activeSince time.Time) (Agent, error) {
	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		return Agent{}, ErrNotFound
	}
	return s.scanAgent(s.db.QueryRowContext(
		ctx,
		agentSelect+` WHERE workdir = ? AND status = ? AND last_seen_at >= ?
		 ORDER BY last_seen_at DESC LIMIT 1`,
		workdir,
		string(AgentActive),
		activeSince.UTC(),
	))
}

// ListAgentsByStatus returns all agents with the given status.
func (s *Store) ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		agentSelect+" WHERE status = ? ORDER BY last_seen_at DESC",
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// AttachExternalSession binds an external session id to an existing agent.
// Used when a directory-matched or token-provisioned agent sees its first
// hook event from a fresh external session.
func (s *Store) AttachExternalSession(ctx context.Context, agentID, externalSessionID string) error {
	return s.updateAgent(ctx, agentID,
		"external_session_id = ?", strings.TrimSpace(externalSessionID))
}

// TouchAgent advances the agent's liveness timestamp.
func (s *Store) TouchAgent(ctx context.Context, agentID string, seenAt time.Time) error {
	return s.updateAgent(ctx, agentID, "last_seen_at = ?", seenAt.UTC())
}

// SetAgentStatus updates availability state.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	return s.updateAgent(ctx, agentID, "status = ?", string(status))
}

// SetAgentTmuxPane records the terminal pane handle used for responses.
func (s *Store) SetAgentTmuxPane(ctx context.Context, agentID, pane string) error {
	return s.updateAgent(ctx, agentID, "tmux_pane = ?", strings.TrimSpace(pane))
}

// SetTranscript records the transcript file pointer for an agent.
func (s *Store) SetTranscript(ctx context.Context, agentID, path string) error {
	return s.updateAgent(ctx, agentID, "transcript_path = ?", strings.TrimSpace(path))
}

// AdvanceTranscriptOffset stores the last durably processed byte offset.
// The offset only moves forward.
func (s *Store) AdvanceTranscriptOffset(ctx context.Context, agentID string, offset int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET transcript_offset = ?, updated_at = ?
		WHERE id = ? AND transcript_offset <= ?`,
		offset, time.Now().UTC(), strings.TrimSpace(agentID), offset,
	)
	if err != nil {
		return fmt.Errorf("advance transcript offset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance transcript offset: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("advance transcript offset for %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// SetContextTokens stores the latest context-usage figure for an agent.
func (s *Store) SetContextTokens(ctx context.Context, agentID string, tokens int64) error {
	return s.updateAgent(ctx, agentID, "context_tokens = ?", tokens)
}

const agentSelect = `
	SELECT id, external_session_id, session_token, workdir, tmux_pane,
	       status, transcript_path, transcript_offset, context_tokens,
	       last_seen_at, created_at, updated_at
	FROM agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAgent(row *sql.Row) (Agent, error) {
	return scanAgentRow(row)
}

func scanAgentRow(row rowScanner) (Agent, error) {
	var agent Agent
	var status string
	err := row.Scan(
		&agent.ID,
		&agent.ExternalSessionID,
		&agent.SessionToken,
		&agent.Workdir,
		&agent.TmuxPane,
		&status,
		&agent.TranscriptPath,
		&agent.TranscriptOffset,
		&agent.ContextTokens,
		&agent.LastSeenAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	agent.Status = AgentStatus(status)
	return agent, nil
}

func (s *Store) updateAgent(ctx context.Context, agentID, setClause string, value any) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return errors.New("agent id is required")
	}
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE agents SET "+setClause+", updated_at = ? WHERE id = ?",
		value, time.Now().UTC(), agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
