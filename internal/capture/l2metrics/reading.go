package l2metrics

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
)

// Pose is head orientation in degrees as reported by the detector.
// Positive yaw turns toward the subject's left, positive pitch looks up.
type Pose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Face is a single detector hit in frame pixel coordinates.
type Face struct {
	Box  image.Rectangle
	Pose Pose
	// Eye open probabilities in [0,1], meaningful only when EyesClassified.
	EyesClassified bool
	LeftEyeOpen    float64
	RightEyeOpen   float64
	// TrackingID is stable across frames for the same subject; 0 if unknown.
	TrackingID int
}

// Detector finds the capture subject. Implementations may block on an
// external model; they must return promptly once ctx is done.
type Detector interface {
	DetectFaces(ctx context.Context, frame *l1frames.Frame) ([]Face, error)
	DetectObject(ctx context.Context, frame *l1frames.Frame) (image.Rectangle, bool, error)
}

// Scorer is a black-box image quality model returning a score in [0,1].
type Scorer interface {
	Score(ctx context.Context, crop image.Image) (float64, error)
}

// DetectionError wraps a failed detector call. The frame is treated as
// having no subject.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string { return fmt.Sprintf("detection failed: %v", e.Err) }
func (e *DetectionError) Unwrap() error { return e.Err }

// QualityReading is the immutable result of analysing one frame.
type QualityReading struct {
	Timestamp  time.Time `json:"timestamp"`
	Rotation   int       `json:"rotation"`
	TrackingID int       `json:"tracking_id,omitempty"`

	Luminance  float64 `json:"luminance"`
	NeedsLight bool    `json:"needs_light"`

	HasFace          bool    `json:"has_face"`
	FaceCount        int     `json:"face_count"`
	FaceFullyVisible bool    `json:"face_fully_visible"`
	EyesClosed       bool    `json:"eyes_closed"`
	FaceFillRatio    float64 `json:"face_fill_ratio"`
	Pose             Pose    `json:"pose"`

	// Measured is false when blur and glare were not computed, either
	// because the frame was too dark or unreadable.
	Measured   bool    `json:"measured"`
	Variance   float64 `json:"variance"`
	IsBlurry   bool    `json:"is_blurry"`
	GlareRatio float64 `json:"glare_ratio"`
	HasGlare   bool    `json:"has_glare"`
	TiltAngle  float64 `json:"tilt_angle"`
	IsTilted   bool    `json:"is_tilted"`

	QualityScore    float64 `json:"quality_score,omitempty"`
	HasQualityScore bool    `json:"has_quality_score"`

	DetectionFailed bool `json:"detection_failed,omitempty"`
	FrameError      bool `json:"frame_error,omitempty"`
}
