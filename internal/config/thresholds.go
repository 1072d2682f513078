package config

import (
	"fmt"
	"time"
)

// Subject selects what the capture pipeline is looking for.
type Subject string

const (
	SubjectFace     Subject = "face"
	SubjectDocument Subject = "document"
)

// ThresholdConfig is the immutable set of numeric thresholds consumed by the
// capture engine. It is passed by value to every constructor; changing a
// threshold means building a new value and handing it to the pipeline.
type ThresholdConfig struct {
	Subject Subject

	// Per-frame extraction.
	LuminanceThreshold         float64 // mean luma below this needs more light
	FrameBlurVarianceThreshold float64 // per-frame Laplacian variance floor
	GlarePixelThreshold        uint8
	GlareRatioThreshold        float64
	TiltThresholdDegrees       float64
	MinFaceArea                float64 // faces below this fraction of the frame are ignored
	ViewfinderScale            float64
	ClosedEyeThreshold         float64

	// Aggregation.
	HistoryLength        int
	RecomputeEvery       int
	DebounceInterval     time.Duration
	MinSamples           int
	MajorityCount        int
	ConfidenceEpsilon    float64
	VarianceEpsilon      float64
	FillEpsilon          float64
	PoseEpsilon          float64
	GeometryWindow       int
	QualityHistoryLength int

	// Qualification.
	BlurVarianceThreshold float64 // averaged over the window
	MinFaceFill           float64
	MaxFaceFill           float64
	MaxPitch              float64
	MaxYaw                float64
	MaxRoll               float64
	QualityThreshold      float64

	// Session.
	StabilityDuration    time.Duration
	MinInterCaptureDelay time.Duration
	ForcedFailureTimeout time.Duration
	NoFaceResetDelay     time.Duration
	NumLivenessFrames    int
	MaxRetries           int // 0 means unlimited
	LivenessImageSize    int
	FinalImageSize       int
	ActiveLiveness       bool
	TickInterval         time.Duration
}

// DefaultThresholds returns the values the SDK ships with.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		Subject:                    SubjectFace,
		LuminanceThreshold:         50,
		FrameBlurVarianceThreshold: 100,
		GlarePixelThreshold:        240,
		GlareRatioThreshold:        0.05,
		TiltThresholdDegrees:       5,
		MinFaceArea:                0.03,
		ViewfinderScale:            1.3,
		ClosedEyeThreshold:         0.3,

		HistoryLength:        30,
		RecomputeEvery:       5,
		DebounceInterval:     300 * time.Millisecond,
		MinSamples:           3,
		MajorityCount:        3,
		ConfidenceEpsilon:    0.05,
		VarianceEpsilon:      50,
		FillEpsilon:          0.02,
		PoseEpsilon:          5,
		GeometryWindow:       5,
		QualityHistoryLength: 5,

		BlurVarianceThreshold: 300,
		MinFaceFill:           0.1,
		MaxFaceFill:           0.3,
		MaxPitch:              30,
		MaxYaw:                15,
		MaxRoll:               30,
		QualityThreshold:      0.5,

		StabilityDuration:    time.Second,
		MinInterCaptureDelay: 250 * time.Millisecond,
		ForcedFailureTimeout: 20 * time.Second,
		NoFaceResetDelay:     500 * time.Millisecond,
		NumLivenessFrames:    8,
		MaxRetries:           0,
		LivenessImageSize:    320,
		FinalImageSize:       640,
		ActiveLiveness:       false,
		TickInterval:         100 * time.Millisecond,
	}
}

// Validate reports the first inconsistent threshold.
func (t ThresholdConfig) Validate() error {
	switch t.Subject {
	case SubjectFace, SubjectDocument:
	default:
		return fmt.Errorf("subject must be %q or %q, got %q", SubjectFace, SubjectDocument, t.Subject)
	}
	if t.LuminanceThreshold < 0 || t.LuminanceThreshold > 255 {
		return fmt.Errorf("luminance_threshold must be between 0 and 255, got %f", t.LuminanceThreshold)
	}
	if t.GlareRatioThreshold < 0 || t.GlareRatioThreshold > 1 {
		return fmt.Errorf("glare_ratio_threshold must be between 0 and 1, got %f", t.GlareRatioThreshold)
	}
	if t.MinFaceFill < 0 || t.MaxFaceFill > 1 || t.MinFaceFill > t.MaxFaceFill {
		return fmt.Errorf("face fill range [%f, %f] is invalid", t.MinFaceFill, t.MaxFaceFill)
	}
	if t.MinFaceArea < 0 || t.MinFaceArea > 1 {
		return fmt.Errorf("min_face_area must be between 0 and 1, got %f", t.MinFaceArea)
	}
	if t.ViewfinderScale < 1 {
		return fmt.Errorf("viewfinder_scale must be at least 1, got %f", t.ViewfinderScale)
	}
	if t.HistoryLength <= 0 {
		return fmt.Errorf("history_length must be positive, got %d", t.HistoryLength)
	}
	if t.RecomputeEvery <= 0 {
		return fmt.Errorf("recompute_every must be positive, got %d", t.RecomputeEvery)
	}
	if t.MinSamples <= 0 || t.MinSamples > t.HistoryLength {
		return fmt.Errorf("min_samples must be in [1, %d], got %d", t.HistoryLength, t.MinSamples)
	}
	if t.MajorityCount <= 0 || t.MajorityCount > t.HistoryLength {
		return fmt.Errorf("majority_count must be in [1, %d], got %d", t.HistoryLength, t.MajorityCount)
	}
	if t.GeometryWindow <= 0 {
		return fmt.Errorf("geometry_window must be positive, got %d", t.GeometryWindow)
	}
	if t.QualityHistoryLength <= 0 {
		return fmt.Errorf("quality_history_length must be positive, got %d", t.QualityHistoryLength)
	}
	if t.QualityThreshold < 0 || t.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold must be between 0 and 1, got %f", t.QualityThreshold)
	}
	if t.NumLivenessFrames <= 0 {
		return fmt.Errorf("num_liveness_frames must be positive, got %d", t.NumLivenessFrames)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", t.MaxRetries)
	}
	if t.LivenessImageSize <= 0 || t.FinalImageSize <= 0 {
		return fmt.Errorf("image sizes must be positive, got liveness=%d final=%d", t.LivenessImageSize, t.FinalImageSize)
	}
	for name, d := range map[string]time.Duration{
		"debounce_interval":       t.DebounceInterval,
		"stability_duration":      t.StabilityDuration,
		"min_inter_capture_delay": t.MinInterCaptureDelay,
		"no_face_reset_delay":     t.NoFaceResetDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if t.ForcedFailureTimeout <= 0 {
		return fmt.Errorf("forced_failure_timeout must be positive, got %s", t.ForcedFailureTimeout)
	}
	if t.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", t.TickInterval)
	}
	return nil
}
