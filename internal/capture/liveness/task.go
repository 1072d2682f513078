package liveness

import (
	"math"
	"math/rand"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l4qualify"
)

// Direction is one step of the challenge.
type Direction int

const (
	LeftEnd Direction = iota
	LeftMidpoint
	RightEnd
	RightMidpoint
	UpEnd
	UpMidpoint
)

func (d Direction) String() string {
	switch d {
	case LeftEnd:
		return "left_end"
	case LeftMidpoint:
		return "left_midpoint"
	case RightEnd:
		return "right_end"
	case RightMidpoint:
		return "right_midpoint"
	case UpEnd:
		return "up_end"
	case UpMidpoint:
		return "up_midpoint"
	}
	return "unknown"
}

// IsEnd reports whether d is the far end of a turn.
func (d Direction) IsEnd() bool {
	return d == LeftEnd || d == RightEnd || d == UpEnd
}

func (d Direction) midpoint() Direction { return d + 1 }

// Window is an inclusive angle range in degrees.
type Window struct {
	Min, Max float64
}

func (w Window) contains(v float64) bool { return v >= w.Min && v <= w.Max }

// Angles configures the pose windows for each step.
type Angles struct {
	MidwayYaw   Window
	EndYaw      Window
	MidwayPitch Window
	EndPitch    Window
	// OrthogonalBuffer bounds the angle on the axis not being turned.
	OrthogonalBuffer float64
	// Stability is how long an end pose must be held.
	Stability time.Duration
}

// DefaultAngles returns the production pose windows.
func DefaultAngles() Angles {
	return Angles{
		MidwayYaw:        Window{Min: 9, Max: 90},
		EndYaw:           Window{Min: 27, Max: 90},
		MidwayPitch:      Window{Min: 7, Max: 90},
		EndPitch:         Window{Min: 20, Max: 90},
		OrthogonalBuffer: 90,
		Stability:        150 * time.Millisecond,
	}
}

// Task tracks progress through a shuffled direction sequence.
type Task struct {
	angles      Angles
	directions  []Direction
	idx         int
	satisfiedAt time.Time
}

// NewTask shuffles the three turns with rng. A nil rng uses a
// time-seeded source.
func NewTask(rng *rand.Rand, angles Angles) *Task {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ends := []Direction{LeftEnd, RightEnd, UpEnd}
	rng.Shuffle(len(ends), func(i, j int) { ends[i], ends[j] = ends[j], ends[i] })

	dirs := make([]Direction, 0, 2*len(ends))
	for _, e := range ends {
		dirs = append(dirs, e, e.midpoint())
	}
	return &Task{angles: angles, directions: dirs}
}

// Len is the number of steps, which is also the number of liveness frames
// the task produces.
func (t *Task) Len() int { return len(t.directions) }

// Directions returns a copy of the step sequence.
func (t *Task) Directions() []Direction {
	return append([]Direction(nil), t.directions...)
}

// Current returns the step being asked for, or false once finished.
func (t *Task) Current() (Direction, bool) {
	if t.Finished() {
		return 0, false
	}
	return t.directions[t.idx], true
}

// Meets reports whether pose satisfies the current step at now. Midpoints
// are accepted immediately; ends must be held for the stability duration,
// measured from the first matching observation.
func (t *Task) Meets(pose l2metrics.Pose, now time.Time) bool {
	d, ok := t.Current()
	if !ok {
		return false
	}
	if !t.looking(d, pose) {
		t.satisfiedAt = time.Time{}
		return false
	}
	if !d.IsEnd() {
		return true
	}
	if t.satisfiedAt.IsZero() {
		t.satisfiedAt = now
	}
	if now.Sub(t.satisfiedAt) > t.angles.Stability {
		t.satisfiedAt = time.Time{}
		return true
	}
	return false
}

func (t *Task) looking(d Direction, p l2metrics.Pose) bool {
	a := t.angles
	switch d {
	case LeftEnd:
		return a.EndYaw.contains(p.Yaw) && math.Abs(p.Pitch) < a.OrthogonalBuffer
	case LeftMidpoint:
		return a.MidwayYaw.contains(p.Yaw) && math.Abs(p.Pitch) < a.OrthogonalBuffer
	case RightEnd:
		return a.EndYaw.contains(-p.Yaw) && math.Abs(p.Pitch) < a.OrthogonalBuffer
	case RightMidpoint:
		return a.MidwayYaw.contains(-p.Yaw) && math.Abs(p.Pitch) < a.OrthogonalBuffer
	case UpEnd:
		return a.EndPitch.contains(p.Pitch) && math.Abs(p.Yaw) < a.OrthogonalBuffer
	case UpMidpoint:
		return a.MidwayPitch.contains(p.Pitch) && math.Abs(p.Yaw) < a.OrthogonalBuffer
	}
	return false
}

// MarkSatisfied advances to the next step and reports whether any remain.
func (t *Task) MarkSatisfied() bool {
	if !t.Finished() {
		t.idx++
	}
	t.satisfiedAt = time.Time{}
	return !t.Finished()
}

// Finished reports whether every step has been satisfied.
func (t *Task) Finished() bool { return t.idx >= len(t.directions) }

// Progress returns the number of satisfied steps.
func (t *Task) Progress() int { return t.idx }

// Restart returns to the first step without reshuffling.
func (t *Task) Restart() {
	t.idx = 0
	t.satisfiedAt = time.Time{}
}

// Hint is the instruction for the current step, or ReasonNone when done.
func (t *Task) Hint() l4qualify.Reason {
	d, ok := t.Current()
	if !ok {
		return l4qualify.ReasonNone
	}
	switch d {
	case LeftEnd, LeftMidpoint:
		return l4qualify.ReasonLookLeft
	case RightEnd, RightMidpoint:
		return l4qualify.ReasonLookRight
	default:
		return l4qualify.ReasonLookUp
	}
}
