package llmgate

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the limiter surface.
var (
	// ErrNoModelAvailable is returned when the escalation order was walked
	// fully and no model could serve the job within its wait budget.
	ErrNoModelAvailable = errors.New("no model available")

	// ErrUnknownJobType is returned when a job names a type that was not
	// configured in resourceEstimationsPerJob.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrStopped is returned when a job is submitted after Stop.
	ErrStopped = errors.New("limiter stopped")

	// ErrBackendUnavailable wraps transient errors from the centralized
	// allocator. Acquire failures translate to a local denial; release
	// failures are logged and swallowed.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ConfigError reports an invalid configuration combination detected at
// construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// JobError is the user-visible failure for one job. It identifies the job
// and the last model that was attempted.
type JobError struct {
	JobID     string
	LastModel string
	Err       error
}

func (e *JobError) Error() string {
	if e.LastModel == "" {
		return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s failed on model %s: %v", e.JobID, e.LastModel, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
