package l5session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/capture/l4qualify"
	"github.com/smileidentity/captureflow/internal/capture/liveness"
	"github.com/smileidentity/captureflow/internal/config"
	"github.com/smileidentity/captureflow/internal/timeutil"
)

// Observation is one input to the machine. Observations produced by a
// frame carry a FrameObservation; timer ticks do not.
type Observation struct {
	At        time.Time
	Stable    l3signals.StableQualityResult
	HasStable bool
	Frame     *FrameObservation
}

// FrameObservation is the per-frame context needed to capture.
type FrameObservation struct {
	Rotation   int
	TrackingID int
	// Pose is the unsmoothed pose of this frame, used by active liveness.
	Pose l2metrics.Pose
	// Encode renders the frame for the given role. It is only called when
	// the machine decides to capture this frame.
	Encode func(role Role) ([]byte, error)
}

// Event records one state transition.
type Event struct {
	SessionID string           `json:"session_id"`
	From      State            `json:"from"`
	To        State            `json:"to"`
	Reason    l4qualify.Reason `json:"reason,omitempty"`
	At        time.Time        `json:"at"`
}

// SubmissionResult is delivered on SubmitDone when SubmitJob returns.
type SubmissionResult struct {
	SessionID string
	Response  JobResponse
	Err       error
}

// Options customises a Machine. The zero value is usable.
type Options struct {
	// Clock stamps events that do not come from an observation
	// (Cancel, Retry, submission results).
	Clock timeutil.Clock
	// NewID generates session IDs.
	NewID func() string
	// Rand shuffles active liveness directions.
	Rand *rand.Rand
	// OnTransition is called synchronously for every state change.
	OnTransition func(Event)
}

// Machine drives one capture session at a time through
// Searching, Analyzing, CapturingLiveness(n), CapturingFinal and
// Submitting to Success or Error.
type Machine struct {
	cfg  config.ThresholdConfig
	sink Sink
	opts Options

	session *CaptureSession
	state   State
	reason  l4qualify.Reason

	qualifiedSince    time.Time
	disqualifiedSince time.Time
	rotation          int
	trackingID        int
	locked            bool

	task *liveness.Task

	submitCancel context.CancelFunc
	submitDone   chan SubmissionResult
}

// NewMachine returns a machine in Searching with a fresh session.
func NewMachine(cfg config.ThresholdConfig, sink Sink, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m := &Machine{
		cfg:        cfg,
		sink:       sink,
		opts:       opts,
		state:      Searching,
		reason:     l4qualify.ReasonSearching,
		submitDone: make(chan SubmissionResult, 1),
	}
	m.session = newSession(opts.NewID(), 0)
	m.newTask()
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Reason returns the most recent feedback reason.
func (m *Machine) Reason() l4qualify.Reason { return m.reason }

// Snapshot returns an immutable copy of the current session.
func (m *Machine) Snapshot() SessionSnapshot {
	return m.session.snapshot(m.state, m.reason)
}

// SubmitDone delivers submission results. The caller must drain it and
// pass each result to ApplySubmission.
func (m *Machine) SubmitDone() <-chan SubmissionResult { return m.submitDone }

// Thresholds returns the configuration in use.
func (m *Machine) Thresholds() config.ThresholdConfig { return m.cfg }

// SetThresholds replaces the configuration. It takes effect from the next
// observation; a change to active liveness applies to the next session.
func (m *Machine) SetThresholds(cfg config.ThresholdConfig) {
	m.cfg = cfg
}

// LivenessTarget is the number of liveness frames the current session
// needs before the final frame.
func (m *Machine) LivenessTarget() int {
	if m.cfg.Subject == config.SubjectDocument {
		return 0
	}
	if m.task != nil {
		return m.task.Len()
	}
	return m.cfg.NumLivenessFrames
}

// Step feeds one observation and returns the resulting state.
func (m *Machine) Step(ctx context.Context, obs Observation) State {
	if m.state.Terminal() {
		return m.state
	}
	if m.session.StartedAt.IsZero() {
		m.session.StartedAt = obs.At
	}
	if obs.At.Sub(m.session.StartedAt) > m.cfg.ForcedFailureTimeout {
		m.reason = l4qualify.ReasonNone
		m.fail(ctx, obs.At, ErrorForcedFailureTimeout, true)
		return m.state
	}
	if m.state.Phase == PhaseSubmitting {
		return m.state
	}

	if obs.Frame != nil && m.locked {
		if obs.Frame.Rotation != m.rotation {
			m.resetProgress(ctx, obs.At, l4qualify.ReasonDeviceUpright)
			return m.state
		}
		if obs.Frame.TrackingID != 0 && m.trackingID != 0 && obs.Frame.TrackingID != m.trackingID {
			m.resetProgress(ctx, obs.At, l4qualify.ReasonOnlyOneFace)
			return m.state
		}
	}

	verdict := m.evaluate(obs)
	m.reason = verdict.Reason

	switch m.state.Phase {
	case PhaseSearching:
		if !verdict.Qualified {
			return m.state
		}
		m.qualifiedSince = obs.At
		m.disqualifiedSince = time.Time{}
		m.transition(Analyzing, obs.At)
		m.stepAnalyzing(ctx, obs, verdict)
	case PhaseAnalyzing:
		m.stepAnalyzing(ctx, obs, verdict)
	case PhaseCapturingLiveness, PhaseCapturingFinal:
		m.stepCapturing(ctx, obs, verdict)
	}
	return m.state
}

func (m *Machine) evaluate(obs Observation) l4qualify.Verdict {
	if !obs.HasStable {
		return l4qualify.Verdict{Reason: l4qualify.ReasonSearching}
	}
	checks := l4qualify.Checks{SkipPose: m.activeTurn()}
	return l4qualify.Evaluate(obs.Stable, m.cfg, checks)
}

// activeTurn reports whether the user is being asked to turn their head,
// in which case the straight-ahead pose limits do not apply.
func (m *Machine) activeTurn() bool {
	if m.task == nil || m.task.Finished() {
		return false
	}
	return m.state.Phase == PhaseCapturingLiveness || len(m.session.LivenessFrames) > 0
}

func (m *Machine) stepAnalyzing(ctx context.Context, obs Observation, verdict l4qualify.Verdict) {
	if !verdict.Qualified {
		m.qualifiedSince = time.Time{}
		if len(m.session.LivenessFrames) == 0 {
			m.disqualifiedSince = time.Time{}
			m.transition(Searching, obs.At)
			return
		}
		if m.disqualifiedSince.IsZero() {
			m.disqualifiedSince = obs.At
		}
		if obs.At.Sub(m.disqualifiedSince) > m.cfg.NoFaceResetDelay {
			m.resetProgress(ctx, obs.At, verdict.Reason)
		}
		return
	}

	m.disqualifiedSince = time.Time{}
	if m.qualifiedSince.IsZero() {
		m.qualifiedSince = obs.At
	}
	if obs.At.Sub(m.qualifiedSince) < m.cfg.StabilityDuration {
		return
	}

	m.transition(CapturingLiveness(len(m.session.LivenessFrames)), obs.At)
	m.stepCapturing(ctx, obs, verdict)
}

func (m *Machine) stepCapturing(ctx context.Context, obs Observation, verdict l4qualify.Verdict) {
	if m.state.Phase == PhaseCapturingLiveness && len(m.session.LivenessFrames) >= m.LivenessTarget() {
		m.transition(CapturingFinal, obs.At)
	}

	if !verdict.Qualified {
		m.qualifiedSince = time.Time{}
		m.disqualifiedSince = obs.At
		m.transition(Analyzing, obs.At)
		return
	}
	if obs.Frame == nil || obs.Frame.Encode == nil {
		return
	}
	if !m.locked {
		m.locked = true
		m.rotation = obs.Frame.Rotation
		m.trackingID = obs.Frame.TrackingID
	}
	if last := m.session.LastCaptureAt; !last.IsZero() && obs.At.Sub(last) < m.cfg.MinInterCaptureDelay {
		return
	}

	switch m.state.Phase {
	case PhaseCapturingLiveness:
		if m.task != nil {
			if !m.task.Meets(obs.Frame.Pose, obs.At) {
				m.reason = m.task.Hint()
				return
			}
		}
		frame, ok := m.capture(ctx, obs, RoleLiveness)
		if !ok {
			return
		}
		m.session.LivenessFrames = append(m.session.LivenessFrames, frame)
		if m.task != nil {
			m.task.MarkSatisfied()
		}
		n := len(m.session.LivenessFrames)
		m.transition(CapturingLiveness(n), obs.At)
		if n >= m.LivenessTarget() {
			m.transition(CapturingFinal, obs.At)
		}
	case PhaseCapturingFinal:
		frame, ok := m.capture(ctx, obs, RoleFinal)
		if !ok {
			return
		}
		m.session.Final = &frame
		m.transition(Submitting, obs.At)
		m.startSubmit(ctx)
	}
}

// capture encodes and persists the observed frame. Encoding failures skip
// the frame; sink failures end the session with ErrorStorage.
func (m *Machine) capture(ctx context.Context, obs Observation, role Role) (CapturedFrame, bool) {
	data, err := obs.Frame.Encode(role)
	if err != nil {
		opsf("session %s: encode %s frame: %v", m.session.ID, role, err)
		return CapturedFrame{}, false
	}
	h, err := m.sink.PersistFrame(ctx, m.session.ID, data, role)
	if err != nil {
		opsf("session %s: persist %s frame: %v", m.session.ID, role, err)
		m.fail(ctx, obs.At, ErrorStorage, false)
		return CapturedFrame{}, false
	}
	m.session.LastCaptureAt = obs.At
	diagf("session %s: captured %s frame %s (%d bytes)", m.session.ID, role, h.ID, h.Size)
	return CapturedFrame{FileHandle: h, CapturedAt: obs.At}, true
}

func (m *Machine) startSubmit(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	m.submitCancel = cancel
	snap := m.Snapshot()
	sink := m.sink
	done := m.submitDone
	go func() {
		defer cancel()
		resp, err := sink.SubmitJob(ctx, snap)
		done <- SubmissionResult{SessionID: snap.ID, Response: resp, Err: err}
	}()
}

// ApplySubmission applies a result received from SubmitDone. Results for
// sessions that are no longer submitting are ignored.
func (m *Machine) ApplySubmission(ctx context.Context, res SubmissionResult) State {
	if m.state.Phase != PhaseSubmitting || res.SessionID != m.session.ID {
		tracef("ignoring stale submission result for session %s", res.SessionID)
		return m.state
	}
	m.submitCancel = nil
	now := m.opts.Clock.Now()

	if res.Err != nil {
		se := ClassifySubmissionError(res.Err)
		opsf("session %s: %v", m.session.ID, se)
		m.fail(ctx, now, se.Reason(), se.Kind == SubmissionCancelled)
		return m.state
	}

	resp := res.Response.clone()
	m.session.Response = &resp
	m.reason = l4qualify.ReasonNone
	if err := m.sink.PromoteSessionToComplete(ctx, m.Snapshot()); err != nil {
		// The job is accepted server-side, so the session still succeeds.
		opsf("session %s: promote to complete: %v", m.session.ID, err)
	}
	m.transition(Success, now)
	return m.state
}

// Cancel moves any non-terminal session to Error(Cancelled), aborts an
// in-flight submission and discards the session's frames.
func (m *Machine) Cancel(ctx context.Context) error {
	if m.state.Terminal() {
		return ErrSessionTerminal
	}
	m.reason = l4qualify.ReasonNone
	return m.fail(ctx, m.opts.Clock.Now(), ErrorCancelled, true)
}

// Close ends the current session for good. A live session is cancelled
// as by Cancel. A failed session whose frames were kept for Retry has them
// discarded now. A successful session is left as it is.
func (m *Machine) Close(ctx context.Context) error {
	switch {
	case !m.state.Terminal():
		return m.Cancel(ctx)
	case m.state.Phase == PhaseError && !m.session.discarded:
		diagf("session %s: closing in %s, discarding kept frames", m.session.ID, m.state)
		return m.discard(ctx)
	}
	return nil
}

// Retry starts a fresh session after a retryable error. The previous
// session's frames are discarded if they have not been already.
func (m *Machine) Retry(ctx context.Context) error {
	if m.state.Phase != PhaseError || !m.state.Error.Retryable() {
		return fmt.Errorf("%w from %s", ErrRetryNotAllowed, m.state)
	}
	if m.cfg.MaxRetries > 0 && m.session.RetryCount >= m.cfg.MaxRetries {
		return fmt.Errorf("%w: %d of %d retries used", ErrRetryNotAllowed, m.session.RetryCount, m.cfg.MaxRetries)
	}
	var discardErr error
	if !m.session.discarded {
		discardErr = m.discard(ctx)
	}

	prev := m.session
	m.session = newSession(m.opts.NewID(), prev.RetryCount+1)
	m.clearProgress()
	m.newTask()
	m.reason = l4qualify.ReasonSearching
	opsf("session %s: retry %d replaces session %s", m.session.ID, m.session.RetryCount, prev.ID)
	m.transition(Searching, m.opts.Clock.Now())
	return discardErr
}

// resetProgress throws away partial progress and returns to Searching
// within the same session.
func (m *Machine) resetProgress(ctx context.Context, at time.Time, reason l4qualify.Reason) {
	if len(m.session.LivenessFrames) > 0 || m.session.Final != nil {
		if err := m.discard(ctx); err != nil {
			opsf("session %s: discard partial progress: %v", m.session.ID, err)
		}
		m.session.discarded = false
	}
	diagf("session %s: progress reset (%s)", m.session.ID, reason)
	m.session.clearFrames()
	m.clearProgress()
	if m.task != nil {
		m.task.Restart()
	}
	m.reason = reason
	m.transition(Searching, at)
}

func (m *Machine) clearProgress() {
	m.qualifiedSince = time.Time{}
	m.disqualifiedSince = time.Time{}
	m.locked = false
	m.rotation = 0
	m.trackingID = 0
}

func (m *Machine) fail(ctx context.Context, at time.Time, reason ErrorReason, discard bool) error {
	if m.submitCancel != nil {
		m.submitCancel()
		m.submitCancel = nil
	}
	var err error
	if discard {
		err = m.discard(ctx)
		if err != nil {
			opsf("session %s: discard on %s: %v", m.session.ID, reason, err)
		}
	}
	m.transition(Failed(reason), at)
	return err
}

func (m *Machine) discard(ctx context.Context) error {
	m.session.discarded = true
	if err := m.sink.DiscardSession(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("discard session %s: %w", m.session.ID, err)
	}
	return nil
}

func (m *Machine) newTask() {
	m.task = nil
	if m.cfg.ActiveLiveness && m.cfg.Subject != config.SubjectDocument {
		m.task = liveness.NewTask(m.opts.Rand, liveness.DefaultAngles())
	}
}

func (m *Machine) transition(to State, at time.Time) {
	if to == m.state {
		return
	}
	ev := Event{SessionID: m.session.ID, From: m.state, To: to, Reason: m.reason, At: at}
	m.state = to
	diagf("session %s: %s -> %s (%s)", ev.SessionID, ev.From, ev.To, ev.Reason)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(ev)
	}
}
