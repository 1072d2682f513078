package monitor

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/capture/pipeline"
)

// DefaultCapacity is the number of samples and events a Recorder keeps
// when NewRecorder is given a non-positive capacity.
const DefaultCapacity = 2048

// Sample is the part of a reading worth charting.
type Sample struct {
	At           time.Time `json:"at"`
	Luminance    float64   `json:"luminance"`
	Variance     float64   `json:"variance"`
	FaceFill     float64   `json:"face_fill"`
	GlareRatio   float64   `json:"glare_ratio"`
	Yaw          float64   `json:"yaw"`
	Pitch        float64   `json:"pitch"`
	Roll         float64   `json:"roll"`
	QualityScore float64   `json:"quality_score"`
	HasFace      bool      `json:"has_face"`
	Measured     bool      `json:"measured"`
}

// Summary aggregates the recorded samples.
type Summary struct {
	Samples       int                            `json:"samples"`
	Events        int                            `json:"events"`
	Dropped       uint64                         `json:"dropped"`
	FacePresent   float64                        `json:"face_present_ratio"`
	MeanLuminance float64                        `json:"mean_luminance"`
	MinLuminance  float64                        `json:"min_luminance"`
	MeanVariance  float64                        `json:"mean_variance"`
	MaxVariance   float64                        `json:"max_variance"`
	MeanFaceFill  float64                        `json:"mean_face_fill"`
	Stable        *l3signals.StableQualityResult `json:"last_stable,omitempty"`
}

// Recorder keeps the most recent readings and transitions for charts. It
// is safe for concurrent use; the Observe methods are cheap enough to be
// pipeline callbacks.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	samples  []Sample
	events   []l5session.Event
	stable   *l3signals.StableQualityResult
	dropped  uint64
}

// NewRecorder creates a Recorder holding at most capacity samples and
// capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{capacity: capacity}
}

// ObserveReading records one per-frame reading.
func (r *Recorder) ObserveReading(q l2metrics.QualityReading) {
	s := Sample{
		At:           q.Timestamp,
		Luminance:    q.Luminance,
		Variance:     q.Variance,
		FaceFill:     q.FaceFillRatio,
		GlareRatio:   q.GlareRatio,
		Yaw:          q.Pose.Yaw,
		Pitch:        q.Pose.Pitch,
		Roll:         q.Pose.Roll,
		QualityScore: q.QualityScore,
		HasFace:      q.HasFace,
		Measured:     q.Measured,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == r.capacity {
		copy(r.samples, r.samples[1:])
		r.samples = r.samples[:len(r.samples)-1]
		r.dropped++
	}
	r.samples = append(r.samples, s)
}

// ObserveStable records the latest debounced result.
func (r *Recorder) ObserveStable(s l3signals.StableQualityResult) {
	r.mu.Lock()
	r.stable = &s
	r.mu.Unlock()
}

// ObserveEvent records a state transition.
func (r *Recorder) ObserveEvent(ev l5session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, ev)
}

// Attach chains the recorder onto cfg's reading, stable and event
// callbacks. Callbacks already set still run first.
func (r *Recorder) Attach(cfg *pipeline.Config) {
	onReading, onStable, onEvent := cfg.OnReading, cfg.OnStable, cfg.OnEvent
	cfg.OnReading = func(q l2metrics.QualityReading) {
		if onReading != nil {
			onReading(q)
		}
		r.ObserveReading(q)
	}
	cfg.OnStable = func(s l3signals.StableQualityResult) {
		if onStable != nil {
			onStable(s)
		}
		r.ObserveStable(s)
	}
	cfg.OnEvent = func(ev l5session.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
		r.ObserveEvent(ev)
	}
}

// Samples returns a copy of the recorded samples, oldest first.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// Events returns a copy of the recorded transitions, oldest first.
func (r *Recorder) Events() []l5session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]l5session.Event(nil), r.events...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
	r.events = nil
	r.stable = nil
	r.dropped = 0
}

// Summary aggregates the samples currently held. Blur statistics only
// count measured frames.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{Samples: len(r.samples), Events: len(r.events), Dropped: r.dropped}
	if r.stable != nil {
		s := *r.stable
		sum.Stable = &s
	}
	if len(r.samples) == 0 {
		return sum
	}

	lum := make([]float64, 0, len(r.samples))
	var variance, fill []float64
	faces := 0
	for _, s := range r.samples {
		lum = append(lum, s.Luminance)
		if s.Measured {
			variance = append(variance, s.Variance)
		}
		if s.HasFace {
			faces++
			fill = append(fill, s.FaceFill)
		}
	}
	sum.FacePresent = float64(faces) / float64(len(r.samples))
	sum.MeanLuminance = floats.Sum(lum) / float64(len(lum))
	sum.MinLuminance = floats.Min(lum)
	if len(variance) > 0 {
		sum.MeanVariance = floats.Sum(variance) / float64(len(variance))
		sum.MaxVariance = floats.Max(variance)
	}
	if len(fill) > 0 {
		sum.MeanFaceFill = floats.Sum(fill) / float64(len(fill))
	}
	return sum
}
