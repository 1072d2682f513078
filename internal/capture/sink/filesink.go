package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/fsutil"
	"github.com/smileidentity/captureflow/internal/security"
	"github.com/smileidentity/captureflow/internal/timeutil"
)

const (
	pendingDir  = "pending"
	completeDir = "complete"

	// ManifestName is the file written next to a completed session's frames.
	ManifestName = "session.json"
)

var (
	// ErrEmptyFrame is returned by PersistFrame for a zero-length buffer.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrNoPendingFrames is returned when promoting a session with no
	// pending directory.
	ErrNoPendingFrames = errors.New("no pending frames for session")
)

// Job is what a Submitter receives: the session and the directory its
// frames currently live in.
type Job struct {
	Session l5session.SessionSnapshot
	Dir     string
}

// Submitter uploads a finished session.
type Submitter interface {
	Submit(ctx context.Context, job Job) (l5session.JobResponse, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, job Job) (l5session.JobResponse, error)

func (f SubmitterFunc) Submit(ctx context.Context, job Job) (l5session.JobResponse, error) {
	return f(ctx, job)
}

// Ledger mirrors frame bookkeeping into durable storage. Ledger errors are
// logged and never fail a sink operation.
type Ledger interface {
	RecordFrame(ctx context.Context, sessionID string, h l5session.FileHandle, at time.Time) error
	CommitFrames(ctx context.Context, sessionID string, relocate func(string) string) error
	DiscardFrames(ctx context.Context, sessionID string) error
	RecordOutcome(ctx context.Context, snap l5session.SessionSnapshot) error
}

// Options configures a FileSink.
type Options struct {
	Root      string
	FS        fsutil.FileSystem // defaults to the OS filesystem
	Submitter Submitter
	Ledger    Ledger // optional
	Clock     timeutil.Clock
	NewID     func() string // frame IDs
}

// FileSink stores frames on a FileSystem.
type FileSink struct {
	root      string
	fs        fsutil.FileSystem
	submitter Submitter
	ledger    Ledger
	clock     timeutil.Clock
	newID     func() string

	mu  sync.Mutex
	seq map[string]int
}

var _ l5session.Sink = (*FileSink)(nil)

// NewFileSink creates the pending and complete directories under
// opts.Root and returns a sink writing into them.
func NewFileSink(opts Options) (*FileSink, error) {
	if opts.Root == "" {
		return nil, errors.New("sink root is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("sink submitter is required")
	}
	s := &FileSink{
		root:      filepath.Clean(opts.Root),
		fs:        opts.FS,
		submitter: opts.Submitter,
		ledger:    opts.Ledger,
		clock:     opts.Clock,
		newID:     opts.NewID,
		seq:       make(map[string]int),
	}
	if s.fs == nil {
		s.fs = fsutil.OSFileSystem{}
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	for _, dir := range []string{pendingDir, completeDir} {
		if err := s.fs.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the sink's base directory.
func (s *FileSink) Root() string { return s.root }

// PendingDir returns where the session's frames are written.
func (s *FileSink) PendingDir(sessionID string) (string, error) {
	return security.JoinWithin(s.root, pendingDir, security.SanitizeFilename(sessionID))
}

// CompleteDir returns where the session's frames end up once submitted.
func (s *FileSink) CompleteDir(sessionID string) (string, error) {
	return security.JoinWithin(s.root, completeDir, security.SanitizeFilename(sessionID))
}

// PersistFrame writes one encoded frame into the session's pending
// directory.
func (s *FileSink) PersistFrame(ctx context.Context, sessionID string, data []byte, role l5session.Role) (l5session.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return l5session.FileHandle{}, err
	}
	if len(data) == 0 {
		return l5session.FileHandle{}, ErrEmptyFrame
	}
	dir, err := s.PendingDir(sessionID)
	if err != nil {
		return l5session.FileHandle{}, err
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return l5session.FileHandle{}, fmt.Errorf("create session directory: %w", err)
	}

	s.mu.Lock()
	s.seq[sessionID]++
	n := s.seq[sessionID]
	s.mu.Unlock()

	id := s.newID()
	path := filepath.Join(dir, fmt.Sprintf("%03d_%s_%s.jpg", n, role, security.SanitizeFilename(id)))
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return l5session.FileHandle{}, fmt.Errorf("write frame: %w", err)
	}

	h := l5session.FileHandle{ID: id, Path: path, Role: role, Size: len(data)}
	tracef("session %s: wrote %s frame %s (%d bytes)", sessionID, role, path, len(data))
	if s.ledger != nil {
		if err := s.ledger.RecordFrame(ctx, sessionID, h, s.clock.Now()); err != nil {
			opsf("session %s: ledger frame %s: %v", sessionID, id, err)
		}
	}
	return h, nil
}

// SubmitJob hands the session to the Submitter.
func (s *FileSink) SubmitJob(ctx context.Context, snap l5session.SessionSnapshot) (l5session.JobResponse, error) {
	dir, err := s.PendingDir(snap.ID)
	if err != nil {
		return l5session.JobResponse{}, &l5session.SubmissionError{Kind: l5session.SubmissionValidation, Err: err}
	}
	diagf("session %s: submitting %d frames", snap.ID, len(snap.Frames()))
	return s.submitter.Submit(ctx, Job{Session: snap, Dir: dir})
}

// DiscardSession deletes the session's pending frames. Discarding a
// session with nothing pending is not an error.
func (s *FileSink) DiscardSession(ctx context.Context, snap l5session.SessionSnapshot) error {
	dir, err := s.PendingDir(snap.ID)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	s.forget(snap.ID)
	diagf("session %s: discarded pending frames", snap.ID)

	if s.ledger != nil {
		if err := s.ledger.DiscardFrames(ctx, snap.ID); err != nil {
			opsf("session %s: ledger discard: %v", snap.ID, err)
		}
	}
	return nil
}

// PromoteSessionToComplete moves the session's frames from pending to
// complete storage and writes the session manifest beside them.
func (s *FileSink) PromoteSessionToComplete(ctx context.Context, snap l5session.SessionSnapshot) error {
	src, err := s.PendingDir(snap.ID)
	if err != nil {
		return err
	}
	dst, err := s.CompleteDir(snap.ID)
	if err != nil {
		return err
	}
	if !s.fs.Exists(src) {
		return fmt.Errorf("session %s: %w", snap.ID, ErrNoPendingFrames)
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("promote session %s: %w", snap.ID, err)
	}
	s.forget(snap.ID)

	relocate := func(p string) string {
		if rel, err := filepath.Rel(src, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(dst, rel)
		}
		return p
	}
	snap = relocateSnapshot(snap, relocate)

	manifest, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(dst, ManifestName), manifest, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	diagf("session %s: promoted %d frames to %s", snap.ID, len(snap.Frames()), dst)

	if s.ledger != nil {
		if err := s.ledger.CommitFrames(ctx, snap.ID, relocate); err != nil {
			opsf("session %s: ledger commit: %v", snap.ID, err)
		}
		if err := s.ledger.RecordOutcome(ctx, snap); err != nil {
			opsf("session %s: ledger outcome: %v", snap.ID, err)
		}
	}
	return nil
}

func (s *FileSink) forget(sessionID string) {
	s.mu.Lock()
	delete(s.seq, sessionID)
	s.mu.Unlock()
}

func relocateSnapshot(snap l5session.SessionSnapshot, relocate func(string) string) l5session.SessionSnapshot {
	frames := make([]l5session.CapturedFrame, len(snap.LivenessFrames))
	for i, f := range snap.LivenessFrames {
		f.Path = relocate(f.Path)
		frames[i] = f
	}
	snap.LivenessFrames = frames
	if snap.Final != nil {
		f := *snap.Final
		f.Path = relocate(f.Path)
		snap.Final = &f
	}
	return snap
}
