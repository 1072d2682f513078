package l5session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/capture/l4qualify"
	"github.com/smileidentity/captureflow/internal/capture/liveness"
	"github.com/smileidentity/captureflow/internal/config"
	"github.com/smileidentity/captureflow/internal/testutil"
	"github.com/smileidentity/captureflow/internal/timeutil"
)

const step = 100 * time.Millisecond

type persistCall struct {
	SessionID string
	Role      Role
	Size      int
}

type fakeSink struct {
	mu         sync.Mutex
	persisted  []persistCall
	discarded  []SessionSnapshot
	promoted   []SessionSnapshot
	submitted  []SessionSnapshot
	persistErr error
	submitErr  error
	response   JobResponse
	block      bool
}

func (s *fakeSink) PersistFrame(ctx context.Context, sessionID string, data []byte, role Role) (FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return FileHandle{}, s.persistErr
	}
	n := len(s.persisted)
	s.persisted = append(s.persisted, persistCall{SessionID: sessionID, Role: role, Size: len(data)})
	return FileHandle{
		ID:   fmt.Sprintf("f%d", n),
		Path: fmt.Sprintf("%s/%s-%d.jpg", sessionID, role, n),
		Role: role,
		Size: len(data),
	}, nil
}

func (s *fakeSink) SubmitJob(ctx context.Context, snap SessionSnapshot) (JobResponse, error) {
	s.mu.Lock()
	s.submitted = append(s.submitted, snap)
	block, err, resp := s.block, s.submitErr, s.response
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return JobResponse{}, ctx.Err()
	}
	return resp, err
}

func (s *fakeSink) DiscardSession(ctx context.Context, snap SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, snap)
	return nil
}

func (s *fakeSink) PromoteSessionToComplete(ctx context.Context, snap SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoted = append(s.promoted, snap)
	return nil
}

func (s *fakeSink) roles() []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Role
	for _, p := range s.persisted {
		out = append(out, p.Role)
	}
	return out
}

func goodStable() l3signals.StableQualityResult {
	return l3signals.StableQualityResult{
		IsStablyPresent: true,
		Confidence:      1,
		AverageVariance: 800,
		AverageFaceFill: 0.2,
		SampleCount:     30,
	}
}

func blurryStable() l3signals.StableQualityResult {
	s := goodStable()
	s.IsStablyBlurry = true
	return s
}

type harness struct {
	t      *testing.T
	m      *Machine
	sink   *fakeSink
	clock  *timeutil.MockClock
	events []Event
	i      int

	rotation   int
	trackingID int
	pose       l2metrics.Pose
}

func newHarness(t *testing.T, cfg config.ThresholdConfig) *harness {
	t.Helper()
	h := &harness{t: t, sink: &fakeSink{}, clock: timeutil.NewMockClock(testutil.Epoch)}
	ids := 0
	h.m = NewMachine(cfg, h.sink, Options{
		Clock: h.clock,
		NewID: func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		},
		Rand:         rand.New(rand.NewSource(11)),
		OnTransition: func(ev Event) { h.events = append(h.events, ev) },
	})
	return h
}

func (h *harness) now() time.Time { return testutil.Epoch.Add(time.Duration(h.i) * step) }

// feed steps the machine with one frame observation and advances time.
func (h *harness) feed(stable l3signals.StableQualityResult) State {
	at := h.now()
	h.clock.Set(at)
	st := h.m.Step(context.Background(), Observation{
		At:        at,
		Stable:    stable,
		HasStable: true,
		Frame: &FrameObservation{
			Rotation:   h.rotation,
			TrackingID: h.trackingID,
			Pose:       h.pose,
			Encode: func(role Role) ([]byte, error) {
				return []byte("jpeg:" + string(role)), nil
			},
		},
	})
	h.i++
	return st
}

func (h *harness) feedUntil(stable l3signals.StableQualityResult, want State, limit int) {
	h.t.Helper()
	for n := 0; n < limit; n++ {
		if h.feed(stable) == want {
			return
		}
	}
	h.t.Fatalf("did not reach %s within %d observations, at %s", want, limit, h.m.State())
}

func (h *harness) awaitSubmission() SubmissionResult {
	h.t.Helper()
	select {
	case res := <-h.m.SubmitDone():
		return res
	case <-time.After(2 * time.Second):
		h.t.Fatal("submission result never arrived")
	}
	return SubmissionResult{}
}

func (h *harness) states() []State {
	var out []State
	for _, ev := range h.events {
		out = append(out, ev.To)
	}
	return out
}

func scenarioConfig() config.ThresholdConfig {
	cfg := config.DefaultThresholds()
	cfg.MinFaceFill = 0.15
	cfg.MaxFaceFill = 0.25
	cfg.LuminanceThreshold = 50
	cfg.StabilityDuration = time.Second
	cfg.NumLivenessFrames = 4
	return cfg
}

func TestLivenessSequenceScenario(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.sink.response = JobResponse{JobID: "job-1", Actions: map[string]ActionResult{"Liveness_Check": ActionPassed}}

	// 1.2s at 10 readings per second.
	for n := 0; n <= 12; n++ {
		h.feed(goodStable())
	}
	require.Equal(t, PhaseCapturingLiveness, h.m.State().Phase)

	h.feedUntil(goodStable(), Submitting, 50)
	assert.Equal(t, []Role{RoleLiveness, RoleLiveness, RoleLiveness, RoleLiveness, RoleFinal}, h.sink.roles())

	want := []State{
		Analyzing,
		CapturingLiveness(0),
		CapturingLiveness(1),
		CapturingLiveness(2),
		CapturingLiveness(3),
		CapturingLiveness(4),
		CapturingFinal,
		Submitting,
	}
	if diff := cmp.Diff(want, h.states()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	res := h.awaitSubmission()
	require.NoError(t, res.Err)
	assert.Equal(t, Success, h.m.ApplySubmission(context.Background(), res))
	require.Len(t, h.sink.promoted, 1)
	assert.Len(t, h.sink.promoted[0].LivenessFrames, 4)
	assert.NotNil(t, h.sink.promoted[0].Final)
	assert.Empty(t, h.sink.discarded)
	resp := h.m.Snapshot().Response
	require.NotNil(t, resp)
	assert.Equal(t, ActionPassed, resp.Actions["Liveness_Check"])

	// Terminal: further observations change nothing.
	assert.Equal(t, Success, h.feed(goodStable()))
}

func TestLivenessFramesNeverExceedTarget(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	for n := 0; n < 60 && h.m.State().Phase != PhaseSubmitting; n++ {
		h.feed(goodStable())
		assert.LessOrEqual(t, len(h.m.Snapshot().LivenessFrames), 4)
	}
	<-h.m.SubmitDone()
}

func TestLowLightNeverLeavesSearching(t *testing.T) {
	cfg := config.DefaultThresholds()
	h := newHarness(t, cfg)
	d := l3signals.NewDebouncer(cfg)

	for n := 0; n < 100; n++ {
		d.Update(testutil.DarkReading(h.now()))
		stable, ok := d.Current()
		at := h.now()
		st := h.m.Step(context.Background(), Observation{At: at, Stable: stable, HasStable: ok})
		h.i++
		require.Equal(t, Searching, st)
	}
	assert.Equal(t, l4qualify.ReasonNeedsLight, h.m.Reason())
	assert.Equal(t, "Move to a well-lit area", h.m.Reason().Feedback())
	assert.Empty(t, h.events)
}

func TestCancelDuringLivenessDiscardsFrames(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.feedUntil(goodStable(), CapturingLiveness(2), 30)

	require.NoError(t, h.m.Cancel(context.Background()))
	assert.Equal(t, Failed(ErrorCancelled), h.m.State())
	require.Len(t, h.sink.discarded, 1)
	assert.Len(t, h.sink.discarded[0].LivenessFrames, 2)
	assert.Equal(t, "session-1", h.sink.discarded[0].ID)

	assert.ErrorIs(t, h.m.Retry(context.Background()), ErrRetryNotAllowed)
	assert.ErrorIs(t, h.m.Cancel(context.Background()), ErrSessionTerminal)
	assert.Equal(t, Failed(ErrorCancelled), h.feed(goodStable()))
}

func TestCancelDuringSubmissionAbortsSubmit(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.sink.block = true
	h.feedUntil(goodStable(), Submitting, 40)

	require.NoError(t, h.m.Cancel(context.Background()))
	res := h.awaitSubmission()
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, Failed(ErrorCancelled), h.m.ApplySubmission(context.Background(), res))
	assert.Len(t, h.sink.discarded, 1)
	assert.Empty(t, h.sink.promoted)
}

func TestMachineIsDeterministic(t *testing.T) {
	run := func() ([]Event, []Role) {
		h := newHarness(t, scenarioConfig())
		rng := rand.New(rand.NewSource(3))
		for n := 0; n < 80 && h.m.State().Phase != PhaseSubmitting; n++ {
			if rng.Intn(6) == 0 {
				h.feed(blurryStable())
			} else {
				h.feed(goodStable())
			}
		}
		if h.m.State().Phase == PhaseSubmitting {
			<-h.m.SubmitDone()
		}
		return h.events, h.sink.roles()
	}

	events1, roles1 := run()
	events2, roles2 := run()
	if diff := cmp.Diff(events1, events2); diff != "" {
		t.Errorf("event sequence differs between runs (-first +second):\n%s", diff)
	}
	assert.Equal(t, roles1, roles2)
	assert.NotEmpty(t, events1)
}

func TestMinimumInterCaptureDelay(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		cfg := scenarioConfig()
		h := newHarness(t, cfg)
		rng := rand.New(rand.NewSource(seed))
		at := testutil.Epoch
		for n := 0; n < 500 && h.m.State().Phase != PhaseSubmitting; n++ {
			at = at.Add(time.Duration(5+rng.Intn(115)) * time.Millisecond)
			h.m.Step(context.Background(), Observation{
				At: at, Stable: goodStable(), HasStable: true,
				Frame: &FrameObservation{Encode: func(Role) ([]byte, error) { return []byte{1}, nil }},
			})
		}
		require.Equal(t, PhaseSubmitting, h.m.State().Phase, "seed %d", seed)
		frames := h.m.Snapshot().Frames()
		require.Len(t, frames, 5)
		for i := 1; i < len(frames); i++ {
			gap := frames[i].CapturedAt.Sub(frames[i-1].CapturedAt)
			assert.GreaterOrEqual(t, gap, cfg.MinInterCaptureDelay, "seed %d frames %d-%d", seed, i-1, i)
		}
		<-h.m.SubmitDone()
	}
}

func TestForcedFailureTimeout(t *testing.T) {
	cfg := scenarioConfig()
	cfg.StabilityDuration = time.Minute // never sustained long enough
	h := newHarness(t, cfg)

	for n := 0; n <= 200; n++ { // 0s .. 20.0s inclusive
		require.Equal(t, Analyzing, h.feed(goodStable()))
	}
	assert.Equal(t, Failed(ErrorForcedFailureTimeout), h.feed(goodStable()))
	assert.Len(t, h.sink.discarded, 1)
	assert.True(t, h.m.State().Error.Retryable())
}

func TestForcedFailureTimeoutOnTicks(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.feed(l3signals.StableQualityResult{})
	st := h.m.Step(context.Background(), Observation{At: testutil.Epoch.Add(21 * time.Second)})
	assert.Equal(t, Failed(ErrorForcedFailureTimeout), st)
}

func TestDisqualificationPolicy(t *testing.T) {
	t.Run("brief disqualification keeps partial progress", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.feedUntil(goodStable(), CapturingLiveness(2), 30)

		assert.Equal(t, Analyzing, h.feed(blurryStable()))
		assert.Equal(t, l4qualify.ReasonHoldStill, h.m.Reason())
		h.feed(blurryStable())
		h.feed(blurryStable())

		h.feedUntil(goodStable(), CapturingLiveness(3), 30)
		assert.Empty(t, h.sink.discarded)
		assert.Len(t, h.m.Snapshot().LivenessFrames, 3)
	})

	t.Run("prolonged disqualification discards progress", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.feedUntil(goodStable(), CapturingLiveness(2), 30)

		for n := 0; n < 6; n++ {
			require.Equal(t, Analyzing, h.feed(blurryStable()), "observation %d", n)
		}
		assert.Equal(t, Searching, h.feed(blurryStable()))
		require.Len(t, h.sink.discarded, 1)
		assert.Len(t, h.sink.discarded[0].LivenessFrames, 2)
		assert.Empty(t, h.m.Snapshot().LivenessFrames)
		assert.Equal(t, "session-1", h.m.Snapshot().ID, "same session continues")
	})
}

func TestOrientationAndSubjectLock(t *testing.T) {
	t.Run("rotation change", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.feedUntil(goodStable(), CapturingLiveness(1), 30)
		h.rotation = 90
		assert.Equal(t, Searching, h.feed(goodStable()))
		assert.Equal(t, l4qualify.ReasonDeviceUpright, h.m.Reason())
		require.Len(t, h.sink.discarded, 1)

		// The new orientation is accepted for the next attempt.
		h.feedUntil(goodStable(), CapturingLiveness(1), 30)
	})

	t.Run("tracking id change", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.trackingID = 7
		h.feedUntil(goodStable(), CapturingLiveness(1), 30)
		h.trackingID = 8
		assert.Equal(t, Searching, h.feed(goodStable()))
		assert.Equal(t, l4qualify.ReasonOnlyOneFace, h.m.Reason())
	})
}

func TestStorageFailure(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.sink.persistErr = errors.New("disk full")
	h.feedUntil(goodStable(), Failed(ErrorStorage), 30)
	assert.Empty(t, h.sink.discarded)

	require.NoError(t, h.m.Retry(context.Background()))
	assert.Equal(t, Searching, h.m.State())
	assert.Len(t, h.sink.discarded, 1)
	snap := h.m.Snapshot()
	assert.Equal(t, "session-2", snap.ID)
	assert.Equal(t, 1, snap.RetryCount)
	assert.True(t, snap.StartedAt.IsZero())
}

func TestSubmissionFailureAndRetryLimit(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.sink.submitErr = errors.New("connection reset")

	h.feedUntil(goodStable(), Submitting, 40)
	assert.Equal(t, Failed(ErrorNetwork), h.m.ApplySubmission(context.Background(), h.awaitSubmission()))
	assert.Empty(t, h.sink.discarded, "frames kept until retry")

	require.NoError(t, h.m.Retry(context.Background()))
	require.Len(t, h.sink.discarded, 1)
	assert.Equal(t, "session-1", h.sink.discarded[0].ID)

	h.sink.submitErr = &SubmissionError{Kind: SubmissionValidation, Err: errors.New("missing liveness images")}
	h.feedUntil(goodStable(), Submitting, 40)
	assert.Equal(t, Failed(ErrorValidation), h.m.ApplySubmission(context.Background(), h.awaitSubmission()))

	err := h.m.Retry(context.Background())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
	assert.Equal(t, Failed(ErrorValidation), h.m.State())
}

func TestCloseDiscardsKeptFrames(t *testing.T) {
	t.Run("after submission failure", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.sink.submitErr = errors.New("connection reset")
		h.feedUntil(goodStable(), Submitting, 40)
		require.Equal(t, Failed(ErrorNetwork), h.m.ApplySubmission(context.Background(), h.awaitSubmission()))
		require.Empty(t, h.sink.discarded)

		require.NoError(t, h.m.Close(context.Background()))
		require.Len(t, h.sink.discarded, 1)
		assert.Equal(t, "session-1", h.sink.discarded[0].ID)
		assert.Equal(t, Failed(ErrorNetwork), h.m.State())

		require.NoError(t, h.m.Close(context.Background()))
		assert.Len(t, h.sink.discarded, 1, "second close is a no-op")
	})

	t.Run("after storage failure", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.sink.persistErr = errors.New("disk full")
		h.feedUntil(goodStable(), Failed(ErrorStorage), 30)

		require.NoError(t, h.m.Close(context.Background()))
		assert.Len(t, h.sink.discarded, 1)
	})

	t.Run("live session is cancelled", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.feedUntil(goodStable(), CapturingLiveness(1), 30)

		require.NoError(t, h.m.Close(context.Background()))
		assert.Equal(t, Failed(ErrorCancelled), h.m.State())
		assert.Len(t, h.sink.discarded, 1)
	})

	t.Run("success is kept", func(t *testing.T) {
		h := newHarness(t, scenarioConfig())
		h.feedUntil(goodStable(), Submitting, 40)
		require.Equal(t, Success, h.m.ApplySubmission(context.Background(), h.awaitSubmission()))

		require.NoError(t, h.m.Close(context.Background()))
		assert.Empty(t, h.sink.discarded)
		assert.Equal(t, Success, h.m.State())
	})
}

func TestStaleSubmissionResultIgnored(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.feedUntil(goodStable(), Submitting, 40)
	res := h.awaitSubmission()

	res.SessionID = "someone-else"
	assert.Equal(t, Submitting, h.m.ApplySubmission(context.Background(), res))
}

func TestDocumentModeSkipsLiveness(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Subject = config.SubjectDocument
	h := newHarness(t, cfg)

	stable := goodStable()
	stable.AveragePose = l2metrics.Pose{Yaw: 60}
	h.feedUntil(stable, Submitting, 30)
	assert.Equal(t, []Role{RoleFinal}, h.sink.roles())
	assert.Equal(t, 0, h.m.LivenessTarget())
	<-h.m.SubmitDone()
}

func poseFor(d liveness.Direction) l2metrics.Pose {
	switch d {
	case liveness.LeftEnd:
		return l2metrics.Pose{Yaw: 35}
	case liveness.LeftMidpoint:
		return l2metrics.Pose{Yaw: 15}
	case liveness.RightEnd:
		return l2metrics.Pose{Yaw: -35}
	case liveness.RightMidpoint:
		return l2metrics.Pose{Yaw: -15}
	case liveness.UpEnd:
		return l2metrics.Pose{Pitch: 25}
	default:
		return l2metrics.Pose{Pitch: 10}
	}
}

func TestActiveLiveness(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ActiveLiveness = true
	h := newHarness(t, cfg)
	require.Equal(t, 6, h.m.LivenessTarget())

	h.feedUntil(goodStable(), CapturingLiveness(0), 20)
	hint := h.m.Reason()
	assert.Contains(t, []l4qualify.Reason{l4qualify.ReasonLookLeft, l4qualify.ReasonLookRight, l4qualify.ReasonLookUp}, hint)

	// A turned head would fail the straight-ahead pose limits; the
	// averaged pose follows the user while the task is running.
	for n := 0; n < 100 && h.m.State().Phase == PhaseCapturingLiveness; n++ {
		d, _ := h.m.task.Current()
		h.pose = poseFor(d)
		stable := goodStable()
		stable.AveragePose = h.pose
		h.feed(stable)
	}
	require.Equal(t, CapturingFinal, h.m.State())
	assert.Len(t, h.m.Snapshot().LivenessFrames, 6)

	h.pose = l2metrics.Pose{}
	h.feedUntil(goodStable(), Submitting, 10)
	<-h.m.SubmitDone()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "searching", Searching.String())
	assert.Equal(t, "capturing_liveness(3)", CapturingLiveness(3).String())
	assert.Equal(t, "error(cancelled)", Failed(ErrorCancelled).String())
	assert.True(t, Success.Terminal())
	assert.False(t, Submitting.Terminal())
	assert.True(t, CapturingFinal.Capturing())
	assert.False(t, ErrorCancelled.Retryable())
	assert.True(t, ErrorNetwork.Retryable())
}
