// Package testutil provides shared test utilities and fixtures.
//
// It centralises synthetic frames, readings and detectors so that every
// capture layer tests against the same well-understood inputs.
package testutil

import (
	"context"
	"image"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
)

// Epoch is the fixed start time used by capture tests.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// GoodReading is a reading that passes every default threshold.
func GoodReading(ts time.Time) l2metrics.QualityReading {
	return l2metrics.QualityReading{
		Timestamp:        ts,
		Luminance:        120,
		HasFace:          true,
		FaceCount:        1,
		FaceFullyVisible: true,
		FaceFillRatio:    0.2,
		Measured:         true,
		Variance:         800,
		GlareRatio:       0.01,
	}
}

// DarkReading is a reading from a frame below the luminance floor.
func DarkReading(ts time.Time) l2metrics.QualityReading {
	return l2metrics.QualityReading{Timestamp: ts, Luminance: 20, NeedsLight: true}
}

// Readings builds n readings spaced by interval from start, shaped by fn.
func Readings(start time.Time, interval time.Duration, n int, fn func(i int, ts time.Time) l2metrics.QualityReading) []l2metrics.QualityReading {
	out := make([]l2metrics.QualityReading, n)
	for i := range out {
		out[i] = fn(i, start.Add(time.Duration(i)*interval))
	}
	return out
}

// ReleaseCounter counts frame releases across goroutines.
type ReleaseCounter struct {
	n int64
}

// Func returns a release callback that increments the counter.
func (c *ReleaseCounter) Func() func() {
	return func() { atomic.AddInt64(&c.n, 1) }
}

// Count returns the number of releases seen.
func (c *ReleaseCounter) Count() int {
	return int(atomic.LoadInt64(&c.n))
}

// TexturedFrame returns a gray frame with a fine checker texture: mean luma
// 130, high Laplacian variance and no glare.
func TexturedFrame(w, h int, ts time.Time, release func()) *l1frames.Frame {
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
	return l1frames.NewFrame(l1frames.Layout{Width: w, Height: h, Format: l1frames.FormatGray8, Timestamp: ts}, data, release)
}

// UniformFrame returns a flat gray frame at luma v.
func UniformFrame(w, h int, v byte, ts time.Time, release func()) *l1frames.Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = v
	}
	return l1frames.NewFrame(l1frames.Layout{Width: w, Height: h, Format: l1frames.FormatGray8, Timestamp: ts}, data, release)
}

// CentredFace returns a face covering fill of the frame area, centred.
func CentredFace(w, h int, fill float64) l2metrics.Face {
	side := int(math.Sqrt(fill*float64(w*h)) + 0.5)
	x0, y0 := (w-side)/2, (h-side)/2
	return l2metrics.Face{Box: image.Rect(x0, y0, x0+side, y0+side)}
}

// StaticDetector always reports the same faces and document box.
type StaticDetector struct {
	mu    sync.Mutex
	Faces []l2metrics.Face
	Box   image.Rectangle
	Found bool
	Err   error
	Calls int
}

// SetFaces swaps the reported faces.
func (d *StaticDetector) SetFaces(faces ...l2metrics.Face) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Faces = faces
}

// DetectFaces implements l2metrics.Detector.
func (d *StaticDetector) DetectFaces(ctx context.Context, f *l1frames.Frame) ([]l2metrics.Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Faces, d.Err
}

// DetectObject implements l2metrics.Detector.
func (d *StaticDetector) DetectObject(ctx context.Context, f *l1frames.Frame) (image.Rectangle, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if err := ctx.Err(); err != nil {
		return image.Rectangle{}, false, err
	}
	return d.Box, d.Found, d.Err
}
