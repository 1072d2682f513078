package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransitionRecord is one capture_transitions row.
type TransitionRecord struct {
	TransitionID int64     `json:"transition_id"`
	SessionID    string    `json:"session_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// TransitionStore persists state machine transitions.
type TransitionStore struct {
	db *sql.DB
}

// NewTransitionStore creates a TransitionStore.
func NewTransitionStore(db *sql.DB) *TransitionStore {
	return &TransitionStore{db: db}
}

// Insert appends a transition and fills in its TransitionID.
func (s *TransitionStore) Insert(ctx context.Context, rec *TransitionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_transitions (session_id, from_state, to_state, reason, at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.From, rec.To, rec.Reason, rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.TransitionID = id
	return nil
}

// ListBySession returns the session's transitions in insertion order.
func (s *TransitionStore) ListBySession(ctx context.Context, sessionID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transition_id, session_id, from_state, to_state, reason, at_ns
		FROM capture_transitions
		WHERE session_id = ?
		ORDER BY transition_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []*TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var atNs int64
		if err := rows.Scan(&rec.TransitionID, &rec.SessionID, &rec.From, &rec.To,
			&rec.Reason, &atNs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.At = time.Unix(0, atNs).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
