package l2metrics

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/config"
)

type fakeDetector struct {
	faces  []Face
	box    image.Rectangle
	found  bool
	err    error
	calls  int
	frames []*l1frames.Frame
}

func (d *fakeDetector) DetectFaces(ctx context.Context, f *l1frames.Frame) ([]Face, error) {
	d.calls++
	d.frames = append(d.frames, f)
	return d.faces, d.err
}

func (d *fakeDetector) DetectObject(ctx context.Context, f *l1frames.Frame) (image.Rectangle, bool, error) {
	d.calls++
	return d.box, d.found, d.err
}

type fakeScorer struct {
	score float64
	err   error
	seen  image.Rectangle
}

func (s *fakeScorer) Score(ctx context.Context, crop image.Image) (float64, error) {
	s.seen = crop.Bounds()
	return s.score, s.err
}

func uniformFrame(w, h int, v byte) *l1frames.Frame {
	return l1frames.NewFrame(l1frames.Layout{Width: w, Height: h, Format: l1frames.FormatGray8, Timestamp: time.Unix(10, 0)}, bytes.Repeat([]byte{v}, w*h), nil)
}

func checkerFrame(w, h int) *l1frames.Frame {
	data := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				data[y*w+x] = 200
			} else {
				data[y*w+x] = 60
			}
		}
	}
	return l1frames.NewFrame(l1frames.Layout{Width: w, Height: h, Format: l1frames.FormatGray8, Timestamp: time.Unix(10, 0)}, data, nil)
}

// rectFrame draws a bright rectangle rotated by deg on a dark background,
// with 4x4 supersampled edges.
func rectFrame(w, h, rw, rh int, deg float64) *l1frames.Frame {
	data := make([]byte, w*h)
	cx, cy := float64(w)/2, float64(h)/2
	s, c := math.Sincos(-deg * math.Pi / 180)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hits := 0
			for sy := 0; sy < 4; sy++ {
				for sx := 0; sx < 4; sx++ {
					px := float64(x) + (float64(sx)+0.5)/4 - cx
					py := float64(y) + (float64(sy)+0.5)/4 - cy
					u := px*c - py*s
					v := px*s + py*c
					if math.Abs(u) <= float64(rw)/2 && math.Abs(v) <= float64(rh)/2 {
						hits++
					}
				}
			}
			data[y*w+x] = byte(20 + hits*200/16)
		}
	}
	return l1frames.NewFrame(l1frames.Layout{Width: w, Height: h, Format: l1frames.FormatGray8, Timestamp: time.Unix(10, 0)}, data, nil)
}

func luma(t *testing.T, f *l1frames.Frame) l1frames.Plane {
	t.Helper()
	p, err := f.Luma()
	require.NoError(t, err)
	return p
}

func TestLuminance(t *testing.T) {
	assert.InDelta(t, 77, Luminance(luma(t, uniformFrame(10, 10, 77))), 1e-9)
	assert.InDelta(t, 130, Luminance(luma(t, checkerFrame(10, 10))), 1e-9)
	assert.Equal(t, 0.0, Luminance(l1frames.Plane{}))
}

func TestGlareRatio(t *testing.T) {
	data := append(bytes.Repeat([]byte{255}, 50), bytes.Repeat([]byte{100}, 50)...)
	f := l1frames.NewFrame(l1frames.Layout{Width: 10, Height: 10, Format: l1frames.FormatGray8}, data, nil)
	assert.InDelta(t, 0.5, GlareRatio(luma(t, f), 240), 1e-9)
	assert.InDelta(t, 0.0, GlareRatio(luma(t, f), 255), 1e-9)
}

func TestLaplacianVariance(t *testing.T) {
	assert.Equal(t, 0.0, LaplacianVariance(luma(t, uniformFrame(20, 20, 128))))
	assert.Greater(t, LaplacianVariance(luma(t, checkerFrame(20, 20))), 1000.0)
	assert.Equal(t, 0.0, LaplacianVariance(luma(t, uniformFrame(2, 2, 1))), "too small for a kernel")
}

func TestEdgeTilt(t *testing.T) {
	tests := []struct {
		name string
		deg  float64
	}{
		{"aligned", 0},
		{"clockwise", 12},
		{"counter-clockwise", -12},
		{"near ninety folds", 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			angle, ok := EdgeTilt(luma(t, rectFrame(160, 160, 100, 60, tt.deg)))
			require.True(t, ok)
			assert.InDelta(t, foldAngle(tt.deg), angle, 2.0)
		})
	}

	_, ok := EdgeTilt(luma(t, uniformFrame(50, 50, 90)))
	assert.False(t, ok, "no edges")
}

func TestFoldAngle(t *testing.T) {
	assert.Equal(t, 45.0, foldAngle(45))
	assert.Equal(t, 44.0, foldAngle(-46))
	assert.Equal(t, -10.0, foldAngle(80))
	assert.Equal(t, 0.0, foldAngle(180))
}

func TestViewfinder(t *testing.T) {
	vf := Viewfinder(image.Rect(0, 0, 100, 200), 1.3)
	assert.Equal(t, image.Rect(12, 23, 88, 177), vf)
	assert.Equal(t, image.Rect(0, 0, 10, 10), Viewfinder(image.Rect(0, 0, 10, 10), 1))
}

func TestSelectFace(t *testing.T) {
	frame := image.Rect(0, 0, 100, 100)
	centred := Face{Box: image.Rect(35, 35, 65, 65)}
	tiny := Face{Box: image.Rect(48, 48, 52, 52)}  // 0.16% of the frame
	offside := Face{Box: image.Rect(0, 0, 20, 20)} // centre outside viewfinder
	spill := Face{Box: image.Rect(10, 30, 60, 80)} // centre inside, box crosses edge
	second := Face{Box: image.Rect(50, 20, 80, 50)}

	tests := []struct {
		name    string
		faces   []Face
		count   int
		visible bool
	}{
		{"none", nil, 0, false},
		{"single", []Face{centred}, 1, true},
		{"tiny ignored", []Face{tiny}, 0, false},
		{"outside ignored", []Face{offside, centred}, 1, true},
		{"partially visible", []Face{spill}, 1, false},
		{"two faces", []Face{centred, second}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := SelectFace(tt.faces, frame, 1.3, 0.03)
			assert.Equal(t, tt.count, sel.Count)
			assert.Equal(t, tt.visible, sel.FullyVisible)
		})
	}
}

func TestEyesClosed(t *testing.T) {
	assert.False(t, EyesClosed(Face{}, 0.3), "unclassified eyes are never closed")
	assert.True(t, EyesClosed(Face{EyesClassified: true, LeftEyeOpen: 0.1, RightEyeOpen: 0.2}, 0.3))
	assert.False(t, EyesClosed(Face{EyesClassified: true, LeftEyeOpen: 0.1, RightEyeOpen: 0.9}, 0.3))
}

func TestAnalyze_DarkFrameShortCircuits(t *testing.T) {
	det := &fakeDetector{}
	a := NewAnalyzer(config.DefaultThresholds(), det, nil)

	r, err := a.Analyze(context.Background(), uniformFrame(64, 64, 20))
	require.NoError(t, err)
	assert.True(t, r.NeedsLight)
	assert.False(t, r.HasFace)
	assert.False(t, r.Measured)
	assert.Zero(t, det.calls, "detector must not run on dark frames")
}

func TestAnalyze_FrameFormatError(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds(), &fakeDetector{}, nil)
	f := l1frames.NewFrame(l1frames.Layout{Width: 4, Height: 4, Format: l1frames.FormatUnknown}, make([]byte, 16), nil)

	r, err := a.Analyze(context.Background(), f)
	var ffe *l1frames.FrameFormatError
	require.True(t, errors.As(err, &ffe))
	assert.True(t, r.FrameError)
	assert.False(t, r.HasFace)
}

func TestAnalyze_DetectionFailureIsNoFace(t *testing.T) {
	det := &fakeDetector{err: errors.New("model unavailable")}
	a := NewAnalyzer(config.DefaultThresholds(), det, nil)

	r, err := a.Analyze(context.Background(), checkerFrame(64, 64))
	var de *DetectionError
	require.True(t, errors.As(err, &de))
	assert.True(t, r.DetectionFailed)
	assert.False(t, r.HasFace)
	assert.True(t, r.Measured)
}

func TestAnalyze_Face(t *testing.T) {
	det := &fakeDetector{faces: []Face{{
		Box:        image.Rect(40, 40, 80, 80),
		Pose:       Pose{Pitch: 3, Yaw: -4, Roll: 2},
		TrackingID: 7,
	}}}
	scorer := &fakeScorer{score: 1.4}
	a := NewAnalyzer(config.DefaultThresholds(), det, scorer)

	r, err := a.Analyze(context.Background(), checkerFrame(120, 120))
	require.NoError(t, err)
	assert.True(t, r.HasFace)
	assert.Equal(t, 1, r.FaceCount)
	assert.True(t, r.FaceFullyVisible)
	assert.InDelta(t, 1600.0/14400.0, r.FaceFillRatio, 1e-9)
	assert.Equal(t, Pose{Pitch: 3, Yaw: -4, Roll: 2}, r.Pose)
	assert.Equal(t, 7, r.TrackingID)
	assert.False(t, r.IsBlurry)
	assert.False(t, r.HasGlare)
	assert.False(t, r.IsTilted)
	assert.Equal(t, 2.0, r.TiltAngle)
	assert.True(t, r.HasQualityScore)
	assert.Equal(t, 1.0, r.QualityScore, "scores are clamped to [0,1]")
	assert.Equal(t, image.Rect(40, 40, 80, 80), scorer.seen)
}

func TestAnalyze_FaceBlurryAndRolled(t *testing.T) {
	det := &fakeDetector{faces: []Face{{Box: image.Rect(40, 40, 80, 80), Pose: Pose{Roll: 40}}}}
	a := NewAnalyzer(config.DefaultThresholds(), det, nil)

	r, err := a.Analyze(context.Background(), uniformFrame(120, 120, 128))
	require.NoError(t, err)
	assert.True(t, r.IsBlurry)
	assert.True(t, r.IsTilted)
	assert.False(t, r.HasQualityScore)
}

func TestAnalyze_FaceRollUsesTiltThreshold(t *testing.T) {
	cfg := config.DefaultThresholds()
	tests := []struct {
		roll float64
		want bool
	}{
		{roll: 0, want: false},
		{roll: cfg.TiltThresholdDegrees, want: false},
		{roll: -(cfg.TiltThresholdDegrees + 1), want: true},
		{roll: 10, want: true}, // inside the pose roll limit, still tilted
	}
	for _, tt := range tests {
		det := &fakeDetector{faces: []Face{{Box: image.Rect(40, 40, 80, 80), Pose: Pose{Roll: tt.roll}}}}
		r, err := NewAnalyzer(cfg, det, nil).Analyze(context.Background(), checkerFrame(120, 120))
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.IsTilted, "roll %v", tt.roll)
		assert.Equal(t, tt.roll, r.TiltAngle)
	}
}

func TestAnalyze_Document(t *testing.T) {
	cfg := config.DefaultThresholds()
	cfg.Subject = config.SubjectDocument
	cfg.LuminanceThreshold = 10

	t.Run("tilted", func(t *testing.T) {
		det := &fakeDetector{box: image.Rect(30, 50, 130, 110), found: true}
		r, err := NewAnalyzer(cfg, det, nil).Analyze(context.Background(), rectFrame(160, 160, 100, 60, 15))
		require.NoError(t, err)
		assert.True(t, r.HasFace)
		assert.True(t, r.IsTilted)
		assert.InDelta(t, 15, r.TiltAngle, 2.0)
	})

	t.Run("level", func(t *testing.T) {
		det := &fakeDetector{box: image.Rect(30, 50, 130, 110), found: true}
		r, err := NewAnalyzer(cfg, det, nil).Analyze(context.Background(), rectFrame(160, 160, 100, 60, 0))
		require.NoError(t, err)
		assert.False(t, r.IsTilted)
		assert.InDelta(t, 6000.0/25600.0, r.FaceFillRatio, 1e-9)
	})

	t.Run("absent", func(t *testing.T) {
		det := &fakeDetector{}
		r, err := NewAnalyzer(cfg, det, nil).Analyze(context.Background(), rectFrame(160, 160, 100, 60, 0))
		require.NoError(t, err)
		assert.False(t, r.HasFace)
		assert.False(t, r.IsTilted)
	})
}
