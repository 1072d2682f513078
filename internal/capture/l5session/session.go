package l5session

import (
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l4qualify"
)

// Role says what a persisted frame is for.
type Role string

const (
	RoleLiveness Role = "liveness"
	RoleFinal    Role = "final"
)

// FileHandle identifies a frame held by the sink.
type FileHandle struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Role Role   `json:"role"`
	Size int    `json:"size"`
}

// CapturedFrame is a persisted frame plus the observation time it was
// taken at.
type CapturedFrame struct {
	FileHandle
	CapturedAt time.Time `json:"captured_at"`
}

// CaptureSession is the mutable bookkeeping for one capture attempt. It is
// owned by the Machine; everything outside sees SessionSnapshot copies.
type CaptureSession struct {
	ID             string
	LivenessFrames []CapturedFrame
	Final          *CapturedFrame
	StartedAt      time.Time
	LastCaptureAt  time.Time
	RetryCount     int
	Response       *JobResponse

	// discarded is set once the sink has been told to drop the frames.
	discarded bool
}

func newSession(id string, retries int) *CaptureSession {
	return &CaptureSession{ID: id, RetryCount: retries}
}

func (s *CaptureSession) clearFrames() {
	s.LivenessFrames = nil
	s.Final = nil
	s.LastCaptureAt = time.Time{}
}

// SessionSnapshot is an immutable copy of a session and its state.
type SessionSnapshot struct {
	ID             string           `json:"id"`
	State          State            `json:"state"`
	Reason         l4qualify.Reason `json:"reason,omitempty"`
	LivenessFrames []CapturedFrame  `json:"liveness_frames"`
	Final          *CapturedFrame   `json:"final,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	LastCaptureAt  time.Time        `json:"last_capture_at"`
	RetryCount     int              `json:"retry_count"`
	Response       *JobResponse     `json:"response,omitempty"`
}

// Frames returns every persisted frame, liveness frames first.
func (s SessionSnapshot) Frames() []CapturedFrame {
	out := append([]CapturedFrame(nil), s.LivenessFrames...)
	if s.Final != nil {
		out = append(out, *s.Final)
	}
	return out
}

func (s *CaptureSession) snapshot(state State, reason l4qualify.Reason) SessionSnapshot {
	snap := SessionSnapshot{
		ID:             s.ID,
		State:          state,
		Reason:         reason,
		LivenessFrames: append([]CapturedFrame(nil), s.LivenessFrames...),
		StartedAt:      s.StartedAt,
		LastCaptureAt:  s.LastCaptureAt,
		RetryCount:     s.RetryCount,
	}
	if s.Final != nil {
		f := *s.Final
		snap.Final = &f
	}
	if s.Response != nil {
		r := s.Response.clone()
		snap.Response = &r
	}
	return snap
}
