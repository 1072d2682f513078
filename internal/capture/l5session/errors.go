package l5session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRetryNotAllowed is returned by Retry outside a retryable error
	// state or once max_retries is used up.
	ErrRetryNotAllowed = errors.New("retry not allowed")
	// ErrSessionTerminal is returned by Cancel when the session already ended.
	ErrSessionTerminal = errors.New("session already terminal")
)

// SubmissionErrorKind classifies a failed job submission.
type SubmissionErrorKind string

const (
	SubmissionNetwork    SubmissionErrorKind = "network"
	SubmissionValidation SubmissionErrorKind = "validation"
	SubmissionCancelled  SubmissionErrorKind = "cancelled"
)

// SubmissionError is returned by Sink.SubmitJob implementations that know
// why the submission failed.
type SubmissionError struct {
	Kind SubmissionErrorKind
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submission failed: %s", e.Kind)
	}
	return fmt.Sprintf("submission failed (%s): %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Reason maps the kind to the session error reason.
func (e *SubmissionError) Reason() ErrorReason {
	switch e.Kind {
	case SubmissionValidation:
		return ErrorValidation
	case SubmissionCancelled:
		return ErrorCancelled
	default:
		return ErrorNetwork
	}
}

// ClassifySubmissionError turns any SubmitJob error into a SubmissionError.
// Context cancellation is Cancelled, an existing SubmissionError is kept
// and everything else is treated as a retryable network failure.
func ClassifySubmissionError(err error) *SubmissionError {
	if err == nil {
		return nil
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) {
		return &SubmissionError{Kind: SubmissionCancelled, Err: err}
	}
	return &SubmissionError{Kind: SubmissionNetwork, Err: err}
}
