package l2metrics

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/config"
)

// documentMargin widens the detected document box before edge analysis so
// the outline itself is inside the region.
const documentMargin = 0.1

// Analyzer turns frames into QualityReadings. It holds no mutable state and
// may be replaced wholesale when thresholds change.
type Analyzer struct {
	cfg      config.ThresholdConfig
	detector Detector
	scorer   Scorer
}

// NewAnalyzer builds an analyzer. scorer may be nil, in which case readings
// never carry a quality score.
func NewAnalyzer(cfg config.ThresholdConfig, detector Detector, scorer Scorer) *Analyzer {
	return &Analyzer{cfg: cfg, detector: detector, scorer: scorer}
}

// Analyze measures one frame. It never panics on malformed input: the
// returned reading is always usable, and a non-nil error is either a
// *l1frames.FrameFormatError or a *DetectionError describing why the reading
// is negative. The frame is not released.
func (a *Analyzer) Analyze(ctx context.Context, frame *l1frames.Frame) (QualityReading, error) {
	r := QualityReading{
		Timestamp:  frame.Timestamp(),
		Rotation:   frame.Rotation(),
		TrackingID: frame.TrackingID(),
	}

	luma, err := frame.Luma()
	if err != nil {
		r.FrameError = true
		return r, err
	}

	r.Luminance = Luminance(luma)
	if r.Luminance < a.cfg.LuminanceThreshold {
		r.NeedsLight = true
		tracef("frame %s luminance %.1f below %.1f", frame.Timestamp().Format("15:04:05.000"), r.Luminance, a.cfg.LuminanceThreshold)
		return r, nil
	}

	bounds := frame.Bounds()
	roi := bounds
	var detectErr error

	switch a.cfg.Subject {
	case config.SubjectDocument:
		box, found, err := a.detector.DetectObject(ctx, frame)
		if err != nil {
			detectErr = &DetectionError{Err: err}
			r.DetectionFailed = true
			break
		}
		if !found {
			break
		}
		r.HasFace = true
		r.FaceCount = 1
		r.FaceFullyVisible = box.In(bounds)
		r.FaceFillRatio = FillRatio(box, bounds)
		roi = expand(box, documentMargin).Intersect(bounds)

	default:
		faces, err := a.detector.DetectFaces(ctx, frame)
		if err != nil {
			detectErr = &DetectionError{Err: err}
			r.DetectionFailed = true
			break
		}
		sel := SelectFace(faces, bounds, a.cfg.ViewfinderScale, a.cfg.MinFaceArea)
		r.FaceCount = sel.Count
		if sel.Count == 0 {
			break
		}
		r.HasFace = true
		r.FaceFullyVisible = sel.FullyVisible
		r.FaceFillRatio = FillRatio(sel.Face.Box, bounds)
		r.Pose = sel.Face.Pose
		r.EyesClosed = EyesClosed(sel.Face, a.cfg.ClosedEyeThreshold)
		if sel.Face.TrackingID != 0 {
			r.TrackingID = sel.Face.TrackingID
		}
		roi = sel.Face.Box.Intersect(bounds)
	}

	if detectErr != nil && errors.Is(detectErr, context.Canceled) {
		return r, detectErr
	}

	region := luma.Sub(roi)
	if region.Len() == 0 {
		region = luma
	}
	r.Measured = true
	r.Variance = LaplacianVariance(region)
	r.IsBlurry = r.Variance < a.cfg.FrameBlurVarianceThreshold
	r.GlareRatio = GlareRatio(region, a.cfg.GlarePixelThreshold)
	r.HasGlare = r.GlareRatio > a.cfg.GlareRatioThreshold

	switch {
	case a.cfg.Subject == config.SubjectDocument && r.HasFace:
		angle, ok := EdgeTilt(region)
		r.TiltAngle = angle
		// No usable outline is treated as tilted.
		r.IsTilted = !ok || math.Abs(angle) > a.cfg.TiltThresholdDegrees
	case r.HasFace:
		r.TiltAngle = r.Pose.Roll
		r.IsTilted = math.Abs(r.Pose.Roll) > a.cfg.TiltThresholdDegrees
	}

	if a.scorer != nil && r.HasFace && a.cfg.Subject == config.SubjectFace {
		a.score(ctx, frame, roi, &r)
	}

	return r, detectErr
}

func (a *Analyzer) score(ctx context.Context, frame *l1frames.Frame, roi image.Rectangle, r *QualityReading) {
	img, err := frame.Image()
	if err != nil {
		return
	}
	crop := img
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		crop = s.SubImage(roi)
	}
	score, err := a.scorer.Score(ctx, crop)
	if err != nil {
		diagf("quality scorer failed: %v", err)
		return
	}
	r.QualityScore = math.Max(0, math.Min(1, score))
	r.HasQualityScore = true
}

// expand grows r by frac of its size on every side.
func expand(r image.Rectangle, frac float64) image.Rectangle {
	dx := int(float64(r.Dx()) * frac)
	dy := int(float64(r.Dy()) * frac)
	return image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
}
