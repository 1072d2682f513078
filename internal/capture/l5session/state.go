package l5session

import "fmt"

// Phase is the coarse state of a capture session.
type Phase string

const (
	PhaseSearching         Phase = "searching"
	PhaseAnalyzing         Phase = "analyzing"
	PhaseCapturingLiveness Phase = "capturing_liveness"
	PhaseCapturingFinal    Phase = "capturing_final"
	PhaseSubmitting        Phase = "submitting"
	PhaseSuccess           Phase = "success"
	PhaseError             Phase = "error"
)

// ErrorReason says why a session ended in PhaseError.
type ErrorReason string

const (
	ErrorNone                 ErrorReason = ""
	ErrorNetwork              ErrorReason = "network_error"
	ErrorValidation           ErrorReason = "validation_error"
	ErrorCancelled            ErrorReason = "cancelled"
	ErrorForcedFailureTimeout ErrorReason = "forced_failure_timeout"
	ErrorStorage              ErrorReason = "storage_error"
)

// Retryable reports whether the engine offers a retry for r.
func (r ErrorReason) Retryable() bool {
	return r != ErrorNone && r != ErrorCancelled
}

// State is a Phase plus its payload: the liveness count while capturing
// liveness frames, or the reason once in error.
type State struct {
	Phase Phase       `json:"phase"`
	Count int         `json:"count,omitempty"`
	Error ErrorReason `json:"error,omitempty"`
}

var (
	Searching      = State{Phase: PhaseSearching}
	Analyzing      = State{Phase: PhaseAnalyzing}
	CapturingFinal = State{Phase: PhaseCapturingFinal}
	Submitting     = State{Phase: PhaseSubmitting}
	Success        = State{Phase: PhaseSuccess}
)

// CapturingLiveness returns the state holding n captured liveness frames.
func CapturingLiveness(n int) State {
	return State{Phase: PhaseCapturingLiveness, Count: n}
}

// Failed returns the error state for r.
func Failed(r ErrorReason) State {
	return State{Phase: PhaseError, Error: r}
}

// Terminal reports whether the machine stops reacting to observations.
// Error states leave it only through Retry.
func (s State) Terminal() bool {
	return s.Phase == PhaseSuccess || s.Phase == PhaseError
}

// Capturing reports whether frames are being persisted in this state.
func (s State) Capturing() bool {
	return s.Phase == PhaseCapturingLiveness || s.Phase == PhaseCapturingFinal
}

func (s State) String() string {
	switch s.Phase {
	case PhaseCapturingLiveness:
		return fmt.Sprintf("%s(%d)", s.Phase, s.Count)
	case PhaseError:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Error)
	}
	return string(s.Phase)
}
