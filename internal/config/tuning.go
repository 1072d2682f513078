package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// maxConfigFileSize caps tuning files read from disk or over HTTP.
const maxConfigFileSize = 1 * 1024 * 1024

// TuningConfig is the externally editable form of ThresholdConfig.
// The schema matches the /api/capture/thresholds endpoint so the same JSON
// can be used for both startup configuration and runtime updates. Every
// field is optional; omitted fields fall back to DefaultThresholds.
type TuningConfig struct {
	Subject *string `json:"subject,omitempty"`

	// Extraction
	LuminanceThreshold         *float64 `json:"luminance_threshold,omitempty"`
	FrameBlurVarianceThreshold *float64 `json:"frame_blur_variance_threshold,omitempty"`
	GlarePixelThreshold        *int     `json:"glare_pixel_threshold,omitempty"`
	GlareRatioThreshold        *float64 `json:"glare_ratio_threshold,omitempty"`
	TiltThresholdDegrees       *float64 `json:"tilt_threshold_degrees,omitempty"`
	MinFaceArea                *float64 `json:"min_face_area,omitempty"`
	ViewfinderScale            *float64 `json:"viewfinder_scale,omitempty"`
	ClosedEyeThreshold         *float64 `json:"closed_eye_threshold,omitempty"`

	// Aggregation
	HistoryLength        *int     `json:"history_length,omitempty"`
	RecomputeEvery       *int     `json:"recompute_every,omitempty"`
	DebounceInterval     *string  `json:"debounce_interval,omitempty"` // duration string like "300ms"
	MinSamples           *int     `json:"min_samples,omitempty"`
	MajorityCount        *int     `json:"majority_count,omitempty"`
	ConfidenceEpsilon    *float64 `json:"confidence_epsilon,omitempty"`
	VarianceEpsilon      *float64 `json:"variance_epsilon,omitempty"`
	FillEpsilon          *float64 `json:"fill_epsilon,omitempty"`
	PoseEpsilon          *float64 `json:"pose_epsilon,omitempty"`
	GeometryWindow       *int     `json:"geometry_window,omitempty"`
	QualityHistoryLength *int     `json:"quality_history_length,omitempty"`

	// Qualification
	BlurVarianceThreshold *float64 `json:"blur_variance_threshold,omitempty"`
	MinFaceFill           *float64 `json:"min_face_fill,omitempty"`
	MaxFaceFill           *float64 `json:"max_face_fill,omitempty"`
	MaxPitch              *float64 `json:"max_pitch,omitempty"`
	MaxYaw                *float64 `json:"max_yaw,omitempty"`
	MaxRoll               *float64 `json:"max_roll,omitempty"`
	QualityThreshold      *float64 `json:"quality_threshold,omitempty"`

	// Session
	StabilityDuration    *string `json:"stability_duration,omitempty"`
	MinInterCaptureDelay *string `json:"min_inter_capture_delay,omitempty"`
	ForcedFailureTimeout *string `json:"forced_failure_timeout,omitempty"`
	NoFaceResetDelay     *string `json:"no_face_reset_delay,omitempty"`
	NumLivenessFrames    *int    `json:"num_liveness_frames,omitempty"`
	MaxRetries           *int    `json:"max_retries,omitempty"`
	LivenessImageSize    *int    `json:"liveness_image_size,omitempty"`
	FinalImageSize       *int    `json:"final_image_size,omitempty"`
	ActiveLiveness       *bool   `json:"active_liveness,omitempty"`
	TickInterval         *string `json:"tick_interval,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTuningConfig(data)
}

// ParseTuningConfig decodes and validates a tuning document.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	if len(data) > maxConfigFileSize {
		return nil, fmt.Errorf("config too large: %d bytes (max %d)", len(data), maxConfigFileSize)
	}
	cfg := EmptyTuningConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/capture/pipeline/
		"../../../../" + DefaultConfigPath,    // from internal/capture/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every set field parses and that the resulting
// thresholds are consistent with each other.
func (c *TuningConfig) Validate() error {
	if c.GlarePixelThreshold != nil && (*c.GlarePixelThreshold < 0 || *c.GlarePixelThreshold > 255) {
		return fmt.Errorf("glare_pixel_threshold must be between 0 and 255, got %d", *c.GlarePixelThreshold)
	}
	for name, v := range map[string]*string{
		"debounce_interval":       c.DebounceInterval,
		"stability_duration":      c.StabilityDuration,
		"min_inter_capture_delay": c.MinInterCaptureDelay,
		"forced_failure_timeout":  c.ForcedFailureTimeout,
		"no_face_reset_delay":     c.NoFaceResetDelay,
		"tick_interval":           c.TickInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return c.Thresholds().Validate()
}

// GetStabilityDuration parses and returns the StabilityDuration.
func (c *TuningConfig) GetStabilityDuration() time.Duration {
	return durationOr(c.StabilityDuration, DefaultThresholds().StabilityDuration)
}

// GetForcedFailureTimeout parses and returns the ForcedFailureTimeout.
func (c *TuningConfig) GetForcedFailureTimeout() time.Duration {
	return durationOr(c.ForcedFailureTimeout, DefaultThresholds().ForcedFailureTimeout)
}

// GetNumLivenessFrames returns the num_liveness_frames value or the default.
func (c *TuningConfig) GetNumLivenessFrames() int {
	if c.NumLivenessFrames == nil {
		return DefaultThresholds().NumLivenessFrames
	}
	return *c.NumLivenessFrames
}

// GetSubject returns the subject value or the default.
func (c *TuningConfig) GetSubject() Subject {
	if c.Subject == nil || *c.Subject == "" {
		return DefaultThresholds().Subject
	}
	return Subject(*c.Subject)
}

// Thresholds resolves the tuning document into the immutable engine config.
func (c *TuningConfig) Thresholds() ThresholdConfig {
	t := DefaultThresholds()
	t.Subject = c.GetSubject()

	setFloat(&t.LuminanceThreshold, c.LuminanceThreshold)
	setFloat(&t.FrameBlurVarianceThreshold, c.FrameBlurVarianceThreshold)
	if c.GlarePixelThreshold != nil {
		t.GlarePixelThreshold = uint8(clampInt(*c.GlarePixelThreshold, 0, 255))
	}
	setFloat(&t.GlareRatioThreshold, c.GlareRatioThreshold)
	setFloat(&t.TiltThresholdDegrees, c.TiltThresholdDegrees)
	setFloat(&t.MinFaceArea, c.MinFaceArea)
	setFloat(&t.ViewfinderScale, c.ViewfinderScale)
	setFloat(&t.ClosedEyeThreshold, c.ClosedEyeThreshold)

	setInt(&t.HistoryLength, c.HistoryLength)
	setInt(&t.RecomputeEvery, c.RecomputeEvery)
	t.DebounceInterval = durationOr(c.DebounceInterval, t.DebounceInterval)
	setInt(&t.MinSamples, c.MinSamples)
	setInt(&t.MajorityCount, c.MajorityCount)
	setFloat(&t.ConfidenceEpsilon, c.ConfidenceEpsilon)
	setFloat(&t.VarianceEpsilon, c.VarianceEpsilon)
	setFloat(&t.FillEpsilon, c.FillEpsilon)
	setFloat(&t.PoseEpsilon, c.PoseEpsilon)
	setInt(&t.GeometryWindow, c.GeometryWindow)
	setInt(&t.QualityHistoryLength, c.QualityHistoryLength)

	setFloat(&t.BlurVarianceThreshold, c.BlurVarianceThreshold)
	setFloat(&t.MinFaceFill, c.MinFaceFill)
	setFloat(&t.MaxFaceFill, c.MaxFaceFill)
	setFloat(&t.MaxPitch, c.MaxPitch)
	setFloat(&t.MaxYaw, c.MaxYaw)
	setFloat(&t.MaxRoll, c.MaxRoll)
	setFloat(&t.QualityThreshold, c.QualityThreshold)

	t.StabilityDuration = c.GetStabilityDuration()
	t.MinInterCaptureDelay = durationOr(c.MinInterCaptureDelay, t.MinInterCaptureDelay)
	t.ForcedFailureTimeout = c.GetForcedFailureTimeout()
	t.NoFaceResetDelay = durationOr(c.NoFaceResetDelay, t.NoFaceResetDelay)
	t.NumLivenessFrames = c.GetNumLivenessFrames()
	setInt(&t.MaxRetries, c.MaxRetries)
	setInt(&t.LivenessImageSize, c.LivenessImageSize)
	setInt(&t.FinalImageSize, c.FinalImageSize)
	if c.ActiveLiveness != nil {
		t.ActiveLiveness = *c.ActiveLiveness
	}
	t.TickInterval = durationOr(c.TickInterval, t.TickInterval)
	return t
}

// FromThresholds produces a fully populated TuningConfig, used when the
// current thresholds are reported back over the tuning API.
func FromThresholds(t ThresholdConfig) *TuningConfig {
	return &TuningConfig{
		Subject:                    ptrString(string(t.Subject)),
		LuminanceThreshold:         ptrFloat64(t.LuminanceThreshold),
		FrameBlurVarianceThreshold: ptrFloat64(t.FrameBlurVarianceThreshold),
		GlarePixelThreshold:        ptrInt(int(t.GlarePixelThreshold)),
		GlareRatioThreshold:        ptrFloat64(t.GlareRatioThreshold),
		TiltThresholdDegrees:       ptrFloat64(t.TiltThresholdDegrees),
		MinFaceArea:                ptrFloat64(t.MinFaceArea),
		ViewfinderScale:            ptrFloat64(t.ViewfinderScale),
		ClosedEyeThreshold:         ptrFloat64(t.ClosedEyeThreshold),
		HistoryLength:              ptrInt(t.HistoryLength),
		RecomputeEvery:             ptrInt(t.RecomputeEvery),
		DebounceInterval:           ptrString(t.DebounceInterval.String()),
		MinSamples:                 ptrInt(t.MinSamples),
		MajorityCount:              ptrInt(t.MajorityCount),
		ConfidenceEpsilon:          ptrFloat64(t.ConfidenceEpsilon),
		VarianceEpsilon:            ptrFloat64(t.VarianceEpsilon),
		FillEpsilon:                ptrFloat64(t.FillEpsilon),
		PoseEpsilon:                ptrFloat64(t.PoseEpsilon),
		GeometryWindow:             ptrInt(t.GeometryWindow),
		QualityHistoryLength:       ptrInt(t.QualityHistoryLength),
		BlurVarianceThreshold:      ptrFloat64(t.BlurVarianceThreshold),
		MinFaceFill:                ptrFloat64(t.MinFaceFill),
		MaxFaceFill:                ptrFloat64(t.MaxFaceFill),
		MaxPitch:                   ptrFloat64(t.MaxPitch),
		MaxYaw:                     ptrFloat64(t.MaxYaw),
		MaxRoll:                    ptrFloat64(t.MaxRoll),
		QualityThreshold:           ptrFloat64(t.QualityThreshold),
		StabilityDuration:          ptrString(t.StabilityDuration.String()),
		MinInterCaptureDelay:       ptrString(t.MinInterCaptureDelay.String()),
		ForcedFailureTimeout:       ptrString(t.ForcedFailureTimeout.String()),
		NoFaceResetDelay:           ptrString(t.NoFaceResetDelay.String()),
		NumLivenessFrames:          ptrInt(t.NumLivenessFrames),
		MaxRetries:                 ptrInt(t.MaxRetries),
		LivenessImageSize:          ptrInt(t.LivenessImageSize),
		FinalImageSize:             ptrInt(t.FinalImageSize),
		ActiveLiveness:             ptrBool(t.ActiveLiveness),
		TickInterval:               ptrString(t.TickInterval.String()),
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// durationOr parses v, returning def when v is unset or unparseable.
func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
