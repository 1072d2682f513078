package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/fsutil"
)

// DetectionsFile is the optional sidecar in the frames directory holding
// recorded detector output keyed by frame file name.
const DetectionsFile = "detections.json"

type faceJSON struct {
	Box          [4]int         `json:"box"` // x0, y0, x1, y1
	Pose         l2metrics.Pose `json:"pose"`
	LeftEyeOpen  *float64       `json:"left_eye_open,omitempty"`
	RightEyeOpen *float64       `json:"right_eye_open,omitempty"`
	TrackingID   int            `json:"tracking_id,omitempty"`
}

// frameDetections is what the detector reported for one frame.
type frameDetections struct {
	Faces  []faceJSON `json:"faces"`
	Object *[4]int    `json:"object,omitempty"`
}

func (d frameDetections) faces() []l2metrics.Face {
	out := make([]l2metrics.Face, 0, len(d.Faces))
	for _, f := range d.Faces {
		face := l2metrics.Face{
			Box:        image.Rect(f.Box[0], f.Box[1], f.Box[2], f.Box[3]),
			Pose:       f.Pose,
			TrackingID: f.TrackingID,
		}
		if f.LeftEyeOpen != nil && f.RightEyeOpen != nil {
			face.EyesClassified = true
			face.LeftEyeOpen = *f.LeftEyeOpen
			face.RightEyeOpen = *f.RightEyeOpen
		}
		out = append(out, face)
	}
	return out
}

func (d frameDetections) object() (image.Rectangle, bool) {
	if d.Object == nil {
		return image.Rectangle{}, false
	}
	o := d.Object
	return image.Rect(o[0], o[1], o[2], o[3]), true
}

// loadDetections reads DetectionsFile from dir. A missing file is not an
// error and yields a nil map.
func loadDetections(fsys fsutil.FileSystem, dir string) (map[string]frameDetections, error) {
	data, err := fsys.ReadFile(filepath.Join(dir, DetectionsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]frameDetections
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", DetectionsFile, err)
	}
	return out, nil
}

// replayDetector answers detector calls from recorded detections. Frames
// are matched by timestamp, which the replay assigns when it publishes
// them. Frames with no recording get a centred, frontal face (or document)
// covering fill of the frame.
type replayDetector struct {
	fill float64

	mu     sync.Mutex
	byTime map[int64]frameDetections
}

func newReplayDetector(fill float64) *replayDetector {
	return &replayDetector{fill: fill, byTime: make(map[int64]frameDetections)}
}

// expect registers the detections for the frame stamped ts. A nil det means
// the frame has no recording.
func (d *replayDetector) expect(ts time.Time, det *frameDetections) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if det == nil {
		delete(d.byTime, ts.UnixNano())
		return
	}
	d.byTime[ts.UnixNano()] = *det
}

// take returns and forgets the detections for f.
func (d *replayDetector) take(f *l1frames.Frame) (frameDetections, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := f.Timestamp().UnixNano()
	det, ok := d.byTime[key]
	delete(d.byTime, key)
	return det, ok
}

func (d *replayDetector) DetectFaces(ctx context.Context, f *l1frames.Frame) ([]l2metrics.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if det, ok := d.take(f); ok {
		return det.faces(), nil
	}
	return []l2metrics.Face{{
		Box:            d.centred(f.Bounds()),
		EyesClassified: true,
		LeftEyeOpen:    1,
		RightEyeOpen:   1,
	}}, nil
}

func (d *replayDetector) DetectObject(ctx context.Context, f *l1frames.Frame) (image.Rectangle, bool, error) {
	if err := ctx.Err(); err != nil {
		return image.Rectangle{}, false, err
	}
	if det, ok := d.take(f); ok {
		r, found := det.object()
		return r, found, nil
	}
	return d.centred(f.Bounds()), true, nil
}

func (d *replayDetector) centred(frame image.Rectangle) image.Rectangle {
	w, h := frame.Dx(), frame.Dy()
	side := int(math.Sqrt(d.fill*float64(w*h)) + 0.5)
	x0, y0 := (w-side)/2, (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}
