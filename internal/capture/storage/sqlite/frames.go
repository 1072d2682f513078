package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame statuses.
const (
	FramePending   = "pending"
	FrameCommitted = "committed"
	FrameDiscarded = "discarded"
)

// FrameRecord is one capture_frames row.
type FrameRecord struct {
	FrameID    string    `json:"frame_id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Path       string    `json:"path"`
	Size       int       `json:"size_bytes"`
	Status     string    `json:"status"`
	CapturedAt time.Time `json:"captured_at"`
}

// FrameStore persists the frames a sink has written.
type FrameStore struct {
	db *sql.DB
}

// NewFrameStore creates a FrameStore.
func NewFrameStore(db *sql.DB) *FrameStore {
	return &FrameStore{db: db}
}

// Insert records a pending frame. An empty FrameID gets a UUID.
func (s *FrameStore) Insert(ctx context.Context, rec *FrameRecord) error {
	if rec.SessionID == "" {
		return errors.New("frame session id is required")
	}
	if rec.FrameID == "" {
		rec.FrameID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = FramePending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_frames (
			frame_id, session_id, role, path, size_bytes, status, captured_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FrameID, rec.SessionID, rec.Role, rec.Path, rec.Size, rec.Status,
		rec.CapturedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert frame %s: %w", rec.FrameID, err)
	}
	return nil
}

// MarkCommitted moves every pending frame of the session to committed and
// rewrites its path with relocate. It returns the number of frames moved.
func (s *FrameStore) MarkCommitted(ctx context.Context, sessionID string, relocate func(string) string) (int, error) {
	return s.settle(ctx, sessionID, FrameCommitted, relocate)
}

// MarkDiscarded moves every pending frame of the session to discarded.
func (s *FrameStore) MarkDiscarded(ctx context.Context, sessionID string) (int, error) {
	return s.settle(ctx, sessionID, FrameDiscarded, nil)
}

func (s *FrameStore) settle(ctx context.Context, sessionID, status string, relocate func(string) string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT frame_id, path FROM capture_frames WHERE session_id = ? AND status = ?`,
		sessionID, FramePending)
	if err != nil {
		return 0, fmt.Errorf("query pending frames: %w", err)
	}
	type pending struct{ id, path string }
	var frames []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, f := range frames {
		path := f.path
		if relocate != nil {
			path = relocate(path)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE capture_frames SET status = ?, path = ? WHERE frame_id = ?`,
			status, path, f.id); err != nil {
			return 0, fmt.Errorf("update frame %s: %w", f.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(frames), nil
}

// ListBySession returns the session's frames in capture order.
func (s *FrameStore) ListBySession(ctx context.Context, sessionID string) ([]*FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_id, session_id, role, path, size_bytes, status, captured_at_ns
		FROM capture_frames
		WHERE session_id = ?
		ORDER BY captured_at_ns, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []*FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var capturedNs int64
		if err := rows.Scan(&rec.FrameID, &rec.SessionID, &rec.Role, &rec.Path,
			&rec.Size, &rec.Status, &capturedNs); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		rec.CapturedAt = time.Unix(0, capturedNs).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
