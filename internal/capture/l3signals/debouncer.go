package l3signals

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/config"
)

// StableQualityResult is an immutable aggregate over the reading window.
type StableQualityResult struct {
	// Window-wide majority votes.
	IsStablyPresent bool `json:"is_stably_present"`
	IsStablyBlurry  bool `json:"is_stably_blurry"`
	IsStablyGlared  bool `json:"is_stably_glared"`
	IsStablyTilted  bool `json:"is_stably_tilted"`

	// Votes over the most recent readings only, so the engine reacts to
	// the user fixing the problem without waiting for the window to drain.
	IsStablyDark       bool `json:"is_stably_dark"`
	HasMultipleFaces   bool `json:"has_multiple_faces"`
	IsPartiallyVisible bool `json:"is_partially_visible"`
	EyesClosed         bool `json:"eyes_closed"`

	Confidence      float64        `json:"confidence"`
	AverageVariance float64        `json:"average_variance"`
	AverageFaceFill float64        `json:"average_face_fill"`
	AveragePose     l2metrics.Pose `json:"average_pose"`

	AverageQualityScore float64 `json:"average_quality_score"`
	HasQualityScore     bool    `json:"has_quality_score"`

	SampleCount int       `json:"sample_count"`
	NewestAt    time.Time `json:"newest_at"`
}

// DebouncerStats counts debouncer activity.
type DebouncerStats struct {
	Updates      uint64
	StaleDropped uint64
	Recomputes   uint64
	Published    uint64
	Suppressed   uint64
}

// Debouncer aggregates readings into a StableQualityResult. It recomputes
// every RecomputeEvery updates, or on Tick once DebounceInterval has passed
// since the last update, and publishes a new result only when it differs
// from the current one beyond the hysteresis thresholds.
type Debouncer struct {
	cfg    config.ThresholdConfig
	window *ReadingWindow

	current      StableQualityResult
	hasCurrent   bool
	sinceCompute int
	lastUpdateAt time.Time
	stats        DebouncerStats
}

// NewDebouncer creates a debouncer using the aggregation thresholds of cfg.
func NewDebouncer(cfg config.ThresholdConfig) *Debouncer {
	return &Debouncer{
		cfg:    cfg,
		window: NewReadingWindow(cfg.HistoryLength),
	}
}

// Update pushes a reading into the window. Readings older than the newest
// held reading by more than the debounce interval are dropped. It reports
// whether a new result was published.
func (d *Debouncer) Update(r l2metrics.QualityReading) bool {
	if newest, ok := d.window.Newest(); ok && r.Timestamp.Before(newest.Timestamp.Add(-d.cfg.DebounceInterval)) {
		d.stats.StaleDropped++
		tracef("dropped stale reading at %s (newest %s)", r.Timestamp.Format("15:04:05.000"), newest.Timestamp.Format("15:04:05.000"))
		return false
	}

	d.window.Add(r)
	d.stats.Updates++
	d.sinceCompute++
	if r.Timestamp.After(d.lastUpdateAt) {
		d.lastUpdateAt = r.Timestamp
	}

	if d.sinceCompute >= d.cfg.RecomputeEvery {
		return d.recompute()
	}
	return false
}

// Tick flushes a pending recompute once the burst of updates has been
// quiet for the debounce interval. now must be on the same clock as the
// reading timestamps.
func (d *Debouncer) Tick(now time.Time) bool {
	if d.sinceCompute == 0 || now.Sub(d.lastUpdateAt) < d.cfg.DebounceInterval {
		return false
	}
	return d.recompute()
}

// Current returns the published result, or false before MinSamples
// readings have accumulated.
func (d *Debouncer) Current() (StableQualityResult, bool) {
	return d.current, d.hasCurrent
}

// Window exposes the underlying window for inspection.
func (d *Debouncer) Window() *ReadingWindow { return d.window }

// Stats returns a copy of the activity counters.
func (d *Debouncer) Stats() DebouncerStats { return d.stats }

// Reset discards all readings and the published result.
func (d *Debouncer) Reset() {
	d.window.Clear()
	d.current = StableQualityResult{}
	d.hasCurrent = false
	d.sinceCompute = 0
	d.lastUpdateAt = time.Time{}
}

func (d *Debouncer) recompute() bool {
	d.sinceCompute = 0
	d.stats.Recomputes++

	if d.window.Len() < d.cfg.MinSamples {
		return false
	}

	next := Aggregate(d.window, d.cfg)
	if d.hasCurrent && !d.changed(d.current, next) {
		d.stats.Suppressed++
		return false
	}

	d.current = next
	d.hasCurrent = true
	d.stats.Published++
	diagf("published stable result: present=%v blurry=%v glared=%v tilted=%v dark=%v confidence=%.2f variance=%.1f samples=%d",
		next.IsStablyPresent, next.IsStablyBlurry, next.IsStablyGlared, next.IsStablyTilted, next.IsStablyDark,
		next.Confidence, next.AverageVariance, next.SampleCount)
	return true
}

// changed applies hysteresis: any boolean flip publishes, numeric drift
// publishes only beyond its epsilon.
func (d *Debouncer) changed(prev, next StableQualityResult) bool {
	if prev.IsStablyPresent != next.IsStablyPresent ||
		prev.IsStablyBlurry != next.IsStablyBlurry ||
		prev.IsStablyGlared != next.IsStablyGlared ||
		prev.IsStablyTilted != next.IsStablyTilted ||
		prev.IsStablyDark != next.IsStablyDark ||
		prev.HasMultipleFaces != next.HasMultipleFaces ||
		prev.IsPartiallyVisible != next.IsPartiallyVisible ||
		prev.EyesClosed != next.EyesClosed ||
		prev.HasQualityScore != next.HasQualityScore {
		return true
	}
	if math.Abs(prev.Confidence-next.Confidence) > d.cfg.ConfidenceEpsilon {
		return true
	}
	if math.Abs(prev.AverageVariance-next.AverageVariance) > d.cfg.VarianceEpsilon {
		return true
	}
	if math.Abs(prev.AverageFaceFill-next.AverageFaceFill) > d.cfg.FillEpsilon {
		return true
	}
	if math.Abs(prev.AveragePose.Pitch-next.AveragePose.Pitch) > d.cfg.PoseEpsilon ||
		math.Abs(prev.AveragePose.Yaw-next.AveragePose.Yaw) > d.cfg.PoseEpsilon ||
		math.Abs(prev.AveragePose.Roll-next.AveragePose.Roll) > d.cfg.PoseEpsilon {
		return true
	}
	// Quality scores straddling the threshold must not be masked by the
	// hysteresis band.
	if prev.HasQualityScore && (prev.AverageQualityScore < d.cfg.QualityThreshold) != (next.AverageQualityScore < d.cfg.QualityThreshold) {
		return true
	}
	return false
}

// Aggregate computes a StableQualityResult from the window contents. It is
// exported so tooling can evaluate recorded windows without a Debouncer.
func Aggregate(w *ReadingWindow, cfg config.ThresholdConfig) StableQualityResult {
	all := w.All()
	res := StableQualityResult{SampleCount: len(all)}
	if len(all) == 0 {
		return res
	}
	res.NewestAt = all[len(all)-1].Timestamp
	res.Confidence = math.Min(float64(len(all)), float64(w.Capacity())) / float64(w.Capacity())

	var present, glared, tilted int
	var variances []float64
	for _, r := range all {
		if r.HasFace {
			present++
		}
		if r.HasGlare {
			glared++
		}
		if r.IsTilted {
			tilted++
		}
		if r.Measured {
			variances = append(variances, r.Variance)
		}
	}
	res.IsStablyPresent = present >= cfg.MajorityCount
	res.IsStablyGlared = glared >= cfg.MajorityCount
	res.IsStablyTilted = tilted >= cfg.MajorityCount
	if len(variances) > 0 {
		res.AverageVariance = stat.Mean(variances, nil)
	}
	res.IsStablyBlurry = res.AverageVariance < cfg.BlurVarianceThreshold

	recent := w.Recent(cfg.GeometryWindow)
	var dark, multi, partial, closed int
	var fills, pitches, yaws, rolls []float64
	for _, r := range recent {
		if r.NeedsLight {
			dark++
		}
		if r.FaceCount > 1 {
			multi++
		}
		if !r.HasFace {
			continue
		}
		if !r.FaceFullyVisible {
			partial++
		}
		if r.EyesClosed {
			closed++
		}
		fills = append(fills, r.FaceFillRatio)
		pitches = append(pitches, r.Pose.Pitch)
		yaws = append(yaws, r.Pose.Yaw)
		rolls = append(rolls, r.Pose.Roll)
	}
	res.IsStablyDark = 2*dark > len(recent)
	res.HasMultipleFaces = 2*multi > len(recent)
	if len(fills) > 0 {
		res.IsPartiallyVisible = 2*partial > len(fills)
		res.EyesClosed = 2*closed > len(fills)
		res.AverageFaceFill = stat.Mean(fills, nil)
		res.AveragePose = l2metrics.Pose{
			Pitch: stat.Mean(pitches, nil),
			Yaw:   stat.Mean(yaws, nil),
			Roll:  stat.Mean(rolls, nil),
		}
	}

	var scores []float64
	for i := len(all) - 1; i >= 0 && len(scores) < cfg.QualityHistoryLength; i-- {
		if all[i].HasQualityScore {
			scores = append(scores, all[i].QualityScore)
		}
	}
	if len(scores) > 0 {
		res.HasQualityScore = true
		res.AverageQualityScore = stat.Mean(scores, nil)
	}
	return res
}
