package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is one capture_sessions row.
type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	Phase       string    `json:"phase"`
	ErrorReason string    `json:"error_reason,omitempty"`
	StateLabel  string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	RetryCount  int       `json:"retry_count"`
	JobID       string    `json:"job_id,omitempty"`
	ResultCode  string    `json:"result_code,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionStore persists capture sessions.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts rec. Creating a session that already exists is a no-op,
// so every writer may call it before its first update.
func (s *SessionStore) Create(ctx context.Context, rec SessionRecord) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_sessions (
			session_id, phase, error_reason, state_label, reason,
			retry_count, job_id, result_code, started_at_ns, updated_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		rec.SessionID, rec.Phase, rec.ErrorReason, rec.StateLabel, rec.Reason,
		rec.RetryCount, rec.JobID, rec.ResultCode,
		rec.StartedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// UpdateState records the session's current state.
func (s *SessionStore) UpdateState(ctx context.Context, sessionID, phase, errorReason, label, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_sessions
		SET phase = ?, error_reason = ?, state_label = ?, reason = ?, updated_at_ns = ?
		WHERE session_id = ?`,
		phase, errorReason, label, reason, at.UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return expectOneRow(res, "session", sessionID)
}

// SetOutcome records the retry count and the job the session was
// submitted as.
func (s *SessionStore) SetOutcome(ctx context.Context, sessionID string, retryCount int, jobID, resultCode string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capture_sessions
		SET retry_count = ?, job_id = ?, result_code = ?
		WHERE session_id = ?`,
		retryCount, jobID, resultCode, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s outcome: %w", sessionID, err)
	}
	return expectOneRow(res, "session", sessionID)
}

const sessionColumns = `session_id, phase, error_reason, state_label, reason,
	retry_count, job_id, result_code, started_at_ns, updated_at_ns`

// Get returns one session.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return rec, nil
}

// List returns the most recently started sessions first. limit <= 0
// returns every session.
func (s *SessionStore) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions
		ORDER BY started_at_ns DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var startedNs, updatedNs int64
	err := row.Scan(
		&rec.SessionID, &rec.Phase, &rec.ErrorReason, &rec.StateLabel, &rec.Reason,
		&rec.RetryCount, &rec.JobID, &rec.ResultCode, &startedNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = time.Unix(0, startedNs).UTC()
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &rec, nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
