package sqlite

import (
	"context"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l5session"
)

// Ledger bundles the three stores behind the calls the sink and the
// pipeline make.
type Ledger struct {
	Sessions    *SessionStore
	Frames      *FrameStore
	Transitions *TransitionStore
}

// NewLedger creates a Ledger over db. db must already be migrated.
func NewLedger(db *DB) *Ledger {
	return &Ledger{
		Sessions:    NewSessionStore(db.DB),
		Frames:      NewFrameStore(db.DB),
		Transitions: NewTransitionStore(db.DB),
	}
}

// RecordEvent stores a state machine transition and the session's new
// state. The session row is created on its first event.
func (l *Ledger) RecordEvent(ctx context.Context, ev l5session.Event) error {
	if err := l.Sessions.Create(ctx, SessionRecord{
		SessionID:  ev.SessionID,
		Phase:      string(ev.From.Phase),
		StateLabel: ev.From.String(),
		StartedAt:  ev.At,
	}); err != nil {
		return err
	}
	if err := l.Sessions.UpdateState(ctx, ev.SessionID, string(ev.To.Phase), string(ev.To.Error),
		ev.To.String(), string(ev.Reason), ev.At); err != nil {
		return err
	}
	return l.Transitions.Insert(ctx, &TransitionRecord{
		SessionID: ev.SessionID,
		From:      ev.From.String(),
		To:        ev.To.String(),
		Reason:    string(ev.Reason),
		At:        ev.At,
	})
}

// RecordFrame stores a frame the sink has just written to pending storage.
func (l *Ledger) RecordFrame(ctx context.Context, sessionID string, h l5session.FileHandle, at time.Time) error {
	return l.Frames.Insert(ctx, &FrameRecord{
		FrameID:    h.ID,
		SessionID:  sessionID,
		Role:       string(h.Role),
		Path:       h.Path,
		Size:       h.Size,
		CapturedAt: at,
	})
}

// CommitFrames marks the session's pending frames committed at their
// relocated paths.
func (l *Ledger) CommitFrames(ctx context.Context, sessionID string, relocate func(string) string) error {
	_, err := l.Frames.MarkCommitted(ctx, sessionID, relocate)
	return err
}

// DiscardFrames marks the session's pending frames discarded.
func (l *Ledger) DiscardFrames(ctx context.Context, sessionID string) error {
	_, err := l.Frames.MarkDiscarded(ctx, sessionID)
	return err
}

// RecordOutcome stores the retry count and job response of a submitted
// session.
func (l *Ledger) RecordOutcome(ctx context.Context, snap l5session.SessionSnapshot) error {
	if err := l.Sessions.Create(ctx, SessionRecord{
		SessionID:  snap.ID,
		Phase:      string(snap.State.Phase),
		StateLabel: snap.State.String(),
		StartedAt:  snap.StartedAt,
	}); err != nil {
		return err
	}
	var jobID, code string
	if snap.Response != nil {
		jobID, code = snap.Response.JobID, snap.Response.ResultCode
	}
	return l.Sessions.SetOutcome(ctx, snap.ID, snap.RetryCount, jobID, code)
}
