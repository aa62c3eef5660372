package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/quarterdeck/qd/internal/state"
)

// TimestampSource records which ingestion path assigned a turn's timestamp.
type TimestampSource string

const (
	// SourceServer is the approximate server-assigned time of the hook path.
	SourceServer TimestampSource = "server"
	// SourceTranscript is the authoritative time from the transcript log.
	SourceTranscript TimestampSource = "transcript"
)

// ErrDuplicateTurn indicates a turn with the same fingerprint already exists
// for the command. Duplicates are "already processed", not failures.
var ErrDuplicateTurn = errors.New("duplicate turn")

// Turn is one recorded exchange within a command.
type Turn struct {
	ID          string
	CommandID   string
	AgentID     string
	Actor       state.Actor
	Intent      state.Intent
	Text        string
	Timestamp   time.Time
	Source      TimestampSource
	Fingerprint string
	LogOffset   int64
	CreatedAt   time.Time
}

// Fingerprint computes the content fingerprint used to deduplicate turns
// across the hook and reconciler paths.
//
// The hash covers actor, intent, whitespace-normalized text, and the
// occurrence index of that exact content within the command. The occurrence
// index stands in for the originating log position: the push path never sees
// a byte offset, but both paths can count how many identical turns precede
// this one, so repeated identical entries stay distinct while the two paths
// still agree on the fingerprint of each.
func Fingerprint(actor state.Actor, intent state.Intent, text string, occurrence int) string {
	h := sha256.New()
	h.Write([]byte(string(actor)))
	h.Write([]byte{0x1f})
	h.Write([]byte(string(intent)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0x1f})
	h.Write([]byte(strconv.Itoa(occurrence)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText trims and collapses runs of whitespace to single spaces so
// formatting differences between the hook payload and the transcript entry
// do not defeat deduplication.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// CountTurnsByContent returns how many turns with the same actor, intent,
// and normalized text already exist for the command. Used to compute the
// occurrence index fed into Fingerprint.
func (s *Store) CountTurnsByContent(ctx context.Context, commandID string, actor state.Actor, intent state.Intent, text string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turns
		WHERE command_id = ? AND actor = ? AND intent = ? AND text = ?`,
		strings.TrimSpace(commandID), string(actor), string(intent), NormalizeText(text),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns by content: %w", err)
	}
	return count, nil
}

// CountReconciledTurnsByContent returns how many transcript-sourced turns
// with the same content exist for the command. Corrections and creations
// both leave transcript-sourced rows behind, so this count reproduces the
// occurrence index for entries replayed in log order.
func (s *Store) CountReconciledTurnsByContent(ctx context.Context, commandID string, actor state.Actor, intent state.Intent, text string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turns
		WHERE command_id = ? AND actor = ? AND intent = ? AND text = ? AND ts_source = ?`,
		strings.TrimSpace(commandID), string(actor), string(intent), NormalizeText(text), string(SourceTranscript),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reconciled turns by content: %w", err)
	}
	return count, nil
}

// InsertTurn persists one turn in its own implicit commit. A fingerprint
// collision maps to ErrDuplicateTurn so callers can treat redelivery as
// already processed.
func (s *Store) InsertTurn(ctx context.Context, turn Turn) (Turn, error) {
	if strings.TrimSpace(turn.CommandID) == "" {
		return Turn{}, errors.New("command id is required")
	}
	if strings.TrimSpace(turn.AgentID) == "" {
		return Turn{}, errors.New("agent id is required")
	}
	if strings.TrimSpace(turn.Fingerprint) == "" {
		return Turn{}, errors.New("fingerprint is required")
	}
	if strings.TrimSpace(turn.ID) == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Source == "" {
		turn.Source = SourceServer
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if turn.LogOffset == 0 && turn.Source == SourceServer {
		turn.LogOffset = -1
	}
	turn.Text = NormalizeText(turn.Text)
	turn.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, command_id, agent_id, actor, intent, text, ts, ts_source, fingerprint, log_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.CommandID,
		turn.AgentID,
		string(turn.Actor),
		string(turn.Intent),
		turn.Text,
		turn.Timestamp.UTC(),
		string(turn.Source),
		turn.Fingerprint,
		turn.LogOffset,
		turn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Turn{}, fmt.Errorf("turn %s: %w", turn.Fingerprint, ErrDuplicateTurn)
		}
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return turn, nil
}

// FindTurnByFingerprint looks up an existing turn for dedup or timestamp
// correction.
func (s *Store) FindTurnByFingerprint(ctx context.Context, commandID, fingerprint string) (Turn, error) {
	return scanTurn(s.db.QueryRowContext(ctx, turnSelect+`
		WHERE command_id = ? AND fingerprint = ?`,
		strings.TrimSpace(commandID), strings.TrimSpace(fingerprint),
	))
}

// CorrectTurnTimestamp replaces a server-assigned timestamp with the
// authoritative transcript value and records the originating log offset.
// Idempotent: re-applying the same correction changes nothing.
func (s *Store) CorrectTurnTimestamp(ctx context.Context, turnID string, ts time.Time, offset int64) error {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return errors.New("turn id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE turns SET ts = ?, ts_source = ?, log_offset = ?
		WHERE id = ?`,
		ts.UTC(), string(SourceTranscript), offset, turnID,
	)
	if err != nil {
		return fmt.Errorf("correct turn %s timestamp: %w", turnID, err)
	}
	return nil
}

// TurnsForCommand returns the command's turns in timestamp order.
func (s *Store) TurnsForCommand(ctx context.Context, commandID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, turnSelect+`
		WHERE command_id = ? ORDER BY ts ASC, created_at ASC`,
		strings.TrimSpace(commandID),
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		turn, err := scanTurnRow(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of turns recorded for a command.
func (s *Store) CountTurns(ctx context.Context, commandID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM turns WHERE command_id = ?",
		strings.TrimSpace(commandID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

const turnSelect = `
	SELECT id, command_id, agent_id, actor, intent, text, ts, ts_source, fingerprint, log_offset, created_at
	FROM turns`

func scanTurn(row *sql.Row) (Turn, error) {
	return scanTurnRow(row)
}

func scanTurnRow(row rowScanner) (Turn, error) {
	var turn Turn
	var actor, intent, source string
	err := row.Scan(
		&turn.ID,
		&turn.CommandID,
		&turn.AgentID,
		&actor,
		&intent,
		&turn.Text,
		&turn.Timestamp,
		&source,
		&turn.Fingerprint,
		&turn.LogOffset,
		&turn.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	turn.Actor = state.Actor(actor)
	turn.Intent = state.Intent(intent)
	turn.Source = TimestampSource(source)
	return turn, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
