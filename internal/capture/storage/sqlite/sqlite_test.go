package sqlite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileidentity/captureflow/internal/capture/l4qualify"
	"github.com/smileidentity/captureflow/internal/capture/l5session"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenAndMigrate(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateUp())

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestMigrateVersionOnFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t).DB)

	require.NoError(t, store.Create(ctx, SessionRecord{SessionID: "a", Phase: "searching", StateLabel: "searching", StartedAt: t0}))
	require.NoError(t, store.Create(ctx, SessionRecord{SessionID: "b", Phase: "searching", StateLabel: "searching", StartedAt: t0.Add(time.Minute)}))
	// Second create is ignored.
	require.NoError(t, store.Create(ctx, SessionRecord{SessionID: "a", Phase: "success", StateLabel: "success", StartedAt: t0}))

	require.NoError(t, store.UpdateState(ctx, "a", "error", "cancelled", "error(cancelled)", "", t0.Add(time.Second)))
	require.NoError(t, store.SetOutcome(ctx, "a", 2, "job-1", "0810"))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Phase)
	assert.Equal(t, "cancelled", got.ErrorReason)
	assert.Equal(t, "error(cancelled)", got.StateLabel)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, t0, got.StartedAt)
	assert.Equal(t, t0.Add(time.Second), got.UpdatedAt)

	list, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].SessionID)

	list, err = store.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateState(ctx, "missing", "error", "", "", "", t0), ErrNotFound)
	assert.Error(t, store.Create(ctx, SessionRecord{}))
}

func TestFrameStoreSettlesPendingFramesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewFrameStore(openTestDB(t).DB)

	for i, role := range []string{"liveness", "liveness", "final"} {
		rec := &FrameRecord{
			SessionID:  "s1",
			Role:       role,
			Path:       "pending/s1/frame-" + string(rune('a'+i)) + ".jpg",
			Size:       100 + i,
			CapturedAt: t0.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Insert(ctx, rec))
		assert.NotEmpty(t, rec.FrameID)
	}
	require.NoError(t, store.Insert(ctx, &FrameRecord{SessionID: "s2", Role: "liveness", Path: "pending/s2/x.jpg", CapturedAt: t0}))

	n, err := store.MarkCommitted(ctx, "s1", func(p string) string {
		return strings.Replace(p, "pending/", "complete/", 1)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Already committed frames are not pending any more.
	n, err = store.MarkDiscarded(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	frames, err := store.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, FrameCommitted, f.Status)
		assert.True(t, strings.HasPrefix(f.Path, "complete/s1/"), f.Path)
	}
	assert.Equal(t, "final", frames[2].Role)

	n, err = store.MarkDiscarded(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	frames, err = store.ListBySession(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, FrameDiscarded, frames[0].Status)
	assert.Equal(t, "pending/s2/x.jpg", frames[0].Path)
}

func TestTransitionStore(t *testing.T) {
	ctx := context.Background()
	store := NewTransitionStore(openTestDB(t).DB)

	first := &TransitionRecord{SessionID: "s1", From: "searching", To: "analyzing", At: t0}
	require.NoError(t, store.Insert(ctx, first))
	require.NoError(t, store.Insert(ctx, &TransitionRecord{SessionID: "s1", From: "analyzing", To: "searching", Reason: "needs_light", At: t0.Add(time.Second)}))
	require.NoError(t, store.Insert(ctx, &TransitionRecord{SessionID: "s2", From: "searching", To: "analyzing", At: t0}))

	got, err := store.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.TransitionID, got[0].TransitionID)
	assert.Equal(t, "needs_light", got[1].Reason)
	assert.Equal(t, t0.Add(time.Second), got[1].At)
}

func TestLedgerRecordsSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))

	events := []l5session.Event{
		{SessionID: "s1", From: l5session.Searching, To: l5session.Analyzing, At: t0},
		{SessionID: "s1", From: l5session.Analyzing, To: l5session.CapturingLiveness(0), At: t0.Add(time.Second)},
		{SessionID: "s1", From: l5session.CapturingLiveness(0), To: l5session.Analyzing, Reason: l4qualify.ReasonHoldStill, At: t0.Add(2 * time.Second)},
		{SessionID: "s1", From: l5session.Analyzing, To: l5session.Failed(l5session.ErrorCancelled), At: t0.Add(3 * time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, ledger.RecordEvent(ctx, ev))
	}
	require.NoError(t, ledger.RecordFrame(ctx, "s1", l5session.FileHandle{ID: "f1", Path: "pending/s1/f1.jpg", Role: l5session.RoleLiveness, Size: 10}, t0))
	require.NoError(t, ledger.DiscardFrames(ctx, "s1"))

	sess, err := ledger.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "error", sess.Phase)
	assert.Equal(t, "cancelled", sess.ErrorReason)
	assert.Equal(t, t0, sess.StartedAt)

	transitions, err := ledger.Transitions.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	assert.Equal(t, "capturing_liveness(0)", transitions[1].To)
	assert.Equal(t, "hold_still", transitions[2].Reason)

	frames, err := ledger.Frames.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameDiscarded, frames[0].Status)
}

func TestLedgerRecordOutcome(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))

	snap := l5session.SessionSnapshot{
		ID:         "s9",
		State:      l5session.Success,
		StartedAt:  t0,
		RetryCount: 1,
		Response:   &l5session.JobResponse{JobID: "job-9", ResultCode: "0810"},
	}
	require.NoError(t, ledger.RecordOutcome(ctx, snap))

	sess, err := ledger.Sessions.Get(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.RetryCount)
	assert.Equal(t, "job-9", sess.JobID)
	assert.Equal(t, "0810", sess.ResultCode)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql")
}
