// Package sqlite provides the SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/m-rizqinovniari/agentic-ko-design/internal/platform/storage/sqlitemigrate"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	ts := fromMillis(value.Int64)
	return &ts
}

// Store provides SQLite-backed persistence for session records.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateSession persists a new session record.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, title, current_phase, experiment_mode, created_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Title,
		string(session.CurrentPhase),
		string(session.Mode),
		toMillis(session.CreatedAt),
		toNullMillis(session.StartedAt),
		toNullMillis(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, binding := range session.Participants {
		if err := s.SaveParticipant(ctx, session.ID, binding); err != nil {
			return err
		}
	}
	return nil
}

// LoadSession returns the session or storage.ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, title, current_phase, experiment_mode, created_at, started_at, completed_at
FROM sessions WHERE id = ?`, sessionID)

	var (
		session     domain.Session
		phase       string
		mode        string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&session.ID, &session.Title, &phase, &mode, &createdAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.CurrentPhase = domain.Phase(phase)
	session.Mode = domain.ExperimentMode(mode)
	session.CreatedAt = fromMillis(createdAt)
	session.StartedAt = fromNullMillis(startedAt)
	session.CompletedAt = fromNullMillis(completedAt)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id, display_name, role, joined_at
FROM session_participants WHERE session_id = ? ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			binding  domain.ParticipantBinding
			role     string
			joinedAt int64
		)
		if err := rows.Scan(&binding.UserID, &binding.DisplayName, &role, &joinedAt); err != nil {
			return domain.Session{}, fmt.Errorf("scan participant: %w", err)
		}
		binding.Role = domain.Role(role)
		binding.JoinedAt = fromMillis(joinedAt)
		session.Participants = append(session.Participants, binding)
	}
	if err := rows.Err(); err != nil {
		return domain.Session{}, fmt.Errorf("iterate participants: %w", err)
	}
	return session, nil
}

// SaveParticipant upserts a participant binding for the session.
func (s *Store) SaveParticipant(ctx context.Context, sessionID string, binding domain.ParticipantBinding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(binding.UserID) == "" {
		return fmt.Errorf("participant user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_participants (session_id, user_id, display_name, role, joined_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id, user_id) DO UPDATE SET
	display_name = excluded.display_name,
	role = excluded.role`,
		sessionID,
		binding.UserID,
		binding.DisplayName,
		string(binding.Role),
		toMillis(binding.JoinedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// CompareAndSetPhase atomically moves the session phase from expected to next.
//
// The conditional UPDATE is the cross-actor guard: when two advance requests
// race, the second one matches zero rows and observes ErrPhaseConflict.
func (s *Store) CompareAndSetPhase(ctx context.Context, sessionID string, expected, next domain.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var set string
	args := []any{string(next)}
	switch {
	case expected == domain.PhaseSetup:
		set = "current_phase = ?, started_at = ?"
		args = append(args, toMillis(time.Now()))
	case next == domain.PhaseComplete:
		set = "current_phase = ?, completed_at = ?"
		args = append(args, toMillis(time.Now()))
	default:
		set = "current_phase = ?"
	}
	args = append(args, sessionID, string(expected))

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET "+set+" WHERE id = ? AND current_phase = ?", args...)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		row := s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID)
		if err := row.Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("check session: %w", err)
		}
		return storage.ErrPhaseConflict
	}
	return nil
}

// SaveTransition appends a write-only phase transition fact.
func (s *Store) SaveTransition(ctx context.Context, fact domain.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	forced := 0
	if fact.Forced {
		forced = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO phase_transitions (session_id, from_phase, to_phase, triggered_by, forced, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		fact.SessionID,
		string(fact.From),
		string(fact.To),
		fact.TriggeredBy,
		forced,
		toMillis(fact.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns the recorded facts in append order.
func (s *Store) ListTransitions(ctx context.Context, sessionID string) ([]domain.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT from_phase, to_phase, triggered_by, forced, occurred_at
FROM phase_transitions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var facts []domain.Transition
	for rows.Next() {
		var (
			fact       domain.Transition
			from, to   string
			forced     int
			occurredAt int64
		)
		if err := rows.Scan(&from, &to, &fact.TriggeredBy, &forced, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		fact.SessionID = sessionID
		fact.From = domain.Phase(from)
		fact.To = domain.Phase(to)
		fact.Forced = forced != 0
		fact.Timestamp = fromMillis(occurredAt)
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return facts, nil
}

// AppendInteraction appends to the session interaction log.
func (s *Store) AppendInteraction(ctx context.Context, record domain.Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO interaction_log (session_id, kind, actor_id, actor_role, phase, data_json, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		string(record.Kind),
		record.ActorID,
		string(record.ActorRole),
		string(record.Phase),
		record.DataJSON,
		toMillis(record.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// MarkMessageApplied records that a facilitator message was fully processed.
func (s *Store) MarkMessageApplied(ctx context.Context, sessionID, senderID string, messageID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO applied_messages (session_id, sender_id, message_id, applied_at)
VALUES (?, ?, ?, ?)`,
		sessionID, senderID, int64(messageID), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert applied message: %w", err)
	}
	return nil
}

// IsMessageApplied reports whether the message was already processed.
func (s *Store) IsMessageApplied(ctx context.Context, sessionID, senderID string, messageID uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM applied_messages WHERE session_id = ? AND sender_id = ? AND message_id = ?`,
		sessionID, senderID, int64(messageID))
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check applied message: %w", err)
	}
	return true, nil
}
