package l4qualify

import (
	"math"

	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/config"
)

// Checks selects optional groups of conditions.
type Checks struct {
	// SkipPose disables the head-pose limits and the eyes-closed check,
	// used while an active liveness task asks the user to turn their head.
	SkipPose bool
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Qualified bool   `json:"qualified"`
	Reason    Reason `json:"reason,omitempty"`
}

// Qualifies reports whether stable satisfies every condition of cfg and,
// if not, the first failing condition.
func Qualifies(stable l3signals.StableQualityResult, cfg config.ThresholdConfig) (bool, Reason) {
	v := Evaluate(stable, cfg, Checks{})
	return v.Qualified, v.Reason
}

// Evaluate checks conditions in priority order: lighting, subject presence,
// pose, fill, blur, glare, tilt, model quality, sample confidence.
func Evaluate(s l3signals.StableQualityResult, cfg config.ThresholdConfig, checks Checks) Verdict {
	fail := func(r Reason) Verdict { return Verdict{Reason: r} }
	document := cfg.Subject == config.SubjectDocument

	if s.IsStablyDark {
		return fail(ReasonNeedsLight)
	}

	if !s.IsStablyPresent {
		return fail(ReasonNoSubject)
	}
	if !document && s.HasMultipleFaces {
		return fail(ReasonOnlyOneFace)
	}
	if s.IsPartiallyVisible {
		return fail(ReasonEntireFaceVisible)
	}

	if !document && !checks.SkipPose {
		p := s.AveragePose
		if math.Abs(p.Pitch) > cfg.MaxPitch || math.Abs(p.Yaw) > cfg.MaxYaw || math.Abs(p.Roll) > cfg.MaxRoll {
			return fail(ReasonLookStraight)
		}
		if s.EyesClosed {
			return fail(ReasonEyesClosed)
		}
	}

	if s.AverageFaceFill < cfg.MinFaceFill {
		return fail(ReasonMoveCloser)
	}
	if s.AverageFaceFill > cfg.MaxFaceFill {
		return fail(ReasonMoveBack)
	}

	if s.IsStablyBlurry {
		return fail(ReasonHoldStill)
	}
	if s.IsStablyGlared {
		return fail(ReasonReduceGlare)
	}
	if s.IsStablyTilted {
		return fail(ReasonTilted)
	}

	if s.HasQualityScore && s.AverageQualityScore < cfg.QualityThreshold {
		return fail(ReasonPoorImageQuality)
	}

	if s.SampleCount < cfg.MinSamples {
		return fail(ReasonInsufficientSamples)
	}

	return Verdict{Qualified: true}
}
