package l4qualify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/config"
)

func goodStable() l3signals.StableQualityResult {
	return l3signals.StableQualityResult{
		IsStablyPresent: true,
		Confidence:      1,
		AverageVariance: 800,
		AverageFaceFill: 0.2,
		SampleCount:     30,
	}
}

func TestQualifiesGoodResult(t *testing.T) {
	ok, reason := Qualifies(goodStable(), config.DefaultThresholds())
	assert.True(t, ok)
	assert.Equal(t, ReasonNone, reason)
	assert.Empty(t, reason.Feedback())
}

func TestEvaluateSingleFailures(t *testing.T) {
	cfg := config.DefaultThresholds()

	tests := []struct {
		name   string
		mutate func(*l3signals.StableQualityResult)
		want   Reason
	}{
		{"dark", func(s *l3signals.StableQualityResult) { s.IsStablyDark = true }, ReasonNeedsLight},
		{"absent", func(s *l3signals.StableQualityResult) { s.IsStablyPresent = false }, ReasonNoSubject},
		{"two faces", func(s *l3signals.StableQualityResult) { s.HasMultipleFaces = true }, ReasonOnlyOneFace},
		{"cut off", func(s *l3signals.StableQualityResult) { s.IsPartiallyVisible = true }, ReasonEntireFaceVisible},
		{"yaw", func(s *l3signals.StableQualityResult) { s.AveragePose = l2metrics.Pose{Yaw: 20} }, ReasonLookStraight},
		{"pitch", func(s *l3signals.StableQualityResult) { s.AveragePose = l2metrics.Pose{Pitch: -31} }, ReasonLookStraight},
		{"roll", func(s *l3signals.StableQualityResult) { s.AveragePose = l2metrics.Pose{Roll: 31} }, ReasonLookStraight},
		{"eyes", func(s *l3signals.StableQualityResult) { s.EyesClosed = true }, ReasonEyesClosed},
		{"small", func(s *l3signals.StableQualityResult) { s.AverageFaceFill = 0.05 }, ReasonMoveCloser},
		{"large", func(s *l3signals.StableQualityResult) { s.AverageFaceFill = 0.5 }, ReasonMoveBack},
		{"blurry", func(s *l3signals.StableQualityResult) { s.IsStablyBlurry = true }, ReasonHoldStill},
		{"glare", func(s *l3signals.StableQualityResult) { s.IsStablyGlared = true }, ReasonReduceGlare},
		{"tilt", func(s *l3signals.StableQualityResult) { s.IsStablyTilted = true }, ReasonTilted},
		{"quality", func(s *l3signals.StableQualityResult) {
			s.HasQualityScore = true
			s.AverageQualityScore = 0.2
		}, ReasonPoorImageQuality},
		{"samples", func(s *l3signals.StableQualityResult) { s.SampleCount = 2 }, ReasonInsufficientSamples},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := goodStable()
			tt.mutate(&s)
			v := Evaluate(s, cfg, Checks{})
			assert.False(t, v.Qualified)
			assert.Equal(t, tt.want, v.Reason)
			assert.NotEmpty(t, v.Reason.Feedback())
		})
	}
}

func TestEvaluatePriorityOrder(t *testing.T) {
	cfg := config.DefaultThresholds()
	s := goodStable()
	s.IsStablyTilted = true
	s.IsStablyGlared = true
	s.IsStablyBlurry = true
	s.AverageFaceFill = 0.9
	s.AveragePose = l2metrics.Pose{Yaw: 40}
	s.IsStablyPresent = true
	s.IsStablyDark = true

	order := []struct {
		want Reason
		fix  func(*l3signals.StableQualityResult)
	}{
		{ReasonNeedsLight, func(s *l3signals.StableQualityResult) { s.IsStablyDark = false }},
		{ReasonLookStraight, func(s *l3signals.StableQualityResult) { s.AveragePose = l2metrics.Pose{} }},
		{ReasonMoveBack, func(s *l3signals.StableQualityResult) { s.AverageFaceFill = 0.2 }},
		{ReasonHoldStill, func(s *l3signals.StableQualityResult) { s.IsStablyBlurry = false }},
		{ReasonReduceGlare, func(s *l3signals.StableQualityResult) { s.IsStablyGlared = false }},
		{ReasonTilted, func(s *l3signals.StableQualityResult) { s.IsStablyTilted = false }},
	}
	for _, step := range order {
		_, reason := Qualifies(s, cfg)
		require.Equal(t, step.want, reason)
		step.fix(&s)
	}
	ok, _ := Qualifies(s, cfg)
	assert.True(t, ok)
}

func TestQualifiesIsIdempotent(t *testing.T) {
	cfg := config.DefaultThresholds()
	inputs := []l3signals.StableQualityResult{goodStable(), {}, {IsStablyDark: true}}
	for _, s := range inputs {
		ok1, r1 := Qualifies(s, cfg)
		ok2, r2 := Qualifies(s, cfg)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, r1, r2)
	}
}

func TestEvaluateSkipPose(t *testing.T) {
	cfg := config.DefaultThresholds()
	s := goodStable()
	s.AveragePose = l2metrics.Pose{Yaw: 35}
	s.EyesClosed = true

	assert.False(t, Evaluate(s, cfg, Checks{}).Qualified)
	assert.True(t, Evaluate(s, cfg, Checks{SkipPose: true}).Qualified)
}

func TestEvaluateDocumentIgnoresFaceOnlyChecks(t *testing.T) {
	cfg := config.DefaultThresholds()
	cfg.Subject = config.SubjectDocument
	s := goodStable()
	s.AveragePose = l2metrics.Pose{Yaw: 80}
	s.HasMultipleFaces = true

	ok, reason := Qualifies(s, cfg)
	assert.True(t, ok, "unexpected reason %q", reason)
}

func TestParseReason(t *testing.T) {
	assert.Equal(t, ReasonMoveCloser, ParseReason("move_closer"))
	assert.Equal(t, ReasonNone, ParseReason(""))
	assert.Equal(t, ReasonUnknown, ParseReason("wave_hands"))
	assert.True(t, ReasonHoldStill.Known())
	assert.False(t, Reason("wave_hands").Known())
	assert.Equal(t, "Adjust your position", Reason("wave_hands").Feedback())
}

func TestReasonJSONUnknownArm(t *testing.T) {
	var v Verdict
	require.NoError(t, json.Unmarshal([]byte(`{"qualified":false,"reason":"new_server_reason"}`), &v))
	assert.Equal(t, ReasonUnknown, v.Reason)

	out, err := json.Marshal(Verdict{Reason: ReasonReduceGlare})
	require.NoError(t, err)
	assert.JSONEq(t, `{"qualified":false,"reason":"reduce_glare"}`, string(out))
}
