// Package runs records one OperationRun per conversion API call.
//
// A run is created when a tracked handler starts and moves to a terminal
// state when it returns. Recording is best effort: failures of the
// accounting database are logged and swallowed so they never change the
// outcome of the conversion request itself.
package runs

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
	StatusCancelRequested Status = "cancel_requested"
	StatusAbandoned       Status = "abandoned"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, StatusAbandoned:
		return true
	}
	return false
}

// TimeoutErrorType is the error type stamped on runs abandoned by the sweep.
const TimeoutErrorType = "TimeoutError"

// HTTPErrorType is the error type used when a handler answered with a
// status >= 400 and nothing more specific was recorded first.
const HTTPErrorType = "HTTPError"

// Run captures a single conversion attempt.
type Run struct {
	// Database ID (set after insert)
	ID int64

	RequestID      string
	ConversionType string
	Status         Status

	// Requester snapshot taken when the run is created
	UserID     string // empty for anonymous callers
	IsPremium  bool
	RemoteAddr string
	UserAgent  string
	Path       string

	// Timing
	StartedAt  time.Time
	FinishedAt time.Time // zero until the run reaches a terminal state
	DurationMs int64

	// Outcome
	ErrorType    string
	ErrorMessage string
	OutputSize   int64

	// Sync status
	Synced bool
}

// Finished reports whether the run has a finish timestamp.
func (r *Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}
