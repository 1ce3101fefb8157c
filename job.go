package llmgate

import (
	"context"
	"time"
)

// JobStatus is the explicit outcome a job function reports.
type JobStatus string

const (
	// StatusDone marks the job as successfully completed on this model.
	StatusDone JobStatus = "done"
	// StatusDelegate asks the controller to fall through to the next model
	// in the escalation order without surfacing an error. Any usage in the
	// result is still recorded and billed.
	StatusDelegate JobStatus = "delegate"
	// StatusFail fails the job without trying further models.
	StatusFail JobStatus = "fail"
)

// TokenUsage is the token consumption of one model attempt.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Cached int64 `json:"cached"`
	Output int64 `json:"output"`
}

// Total returns the summed token count across all classes.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Cached + u.Output
}

// JobResult is what a job function returns for one model attempt.
type JobResult struct {
	Status       JobStatus
	Text         string
	RequestCount int64
	Usage        TokenUsage
}

// Invocation carries the per-attempt context handed to a job function.
type Invocation struct {
	JobID   string
	JobType string
	ModelID string
	Attempt int // 1-based position in the escalation order walk
}

// JobFunc is the user job body. It runs with capacity already reserved on
// inv.ModelID. A returned error fails the job unless the result's status
// is StatusDelegate, in which case the controller moves on to the next
// model and the error is not surfaced.
type JobFunc func(ctx context.Context, inv Invocation) (JobResult, error)

// UsageEntry records one model attempt's consumption, in attempt order.
type UsageEntry struct {
	ModelID  string     `json:"model_id"`
	Usage    TokenUsage `json:"usage"`
	Requests int64      `json:"requests"`
}

// JobOutcome is delivered to OnComplete (and, with partial data, to
// OnError) after the job leaves the limiter.
type JobOutcome struct {
	JobID     string       `json:"job_id"`
	ModelUsed string       `json:"model_used,omitempty"`
	Text      string       `json:"text,omitempty"`
	Usage     []UsageEntry `json:"usage"`
	TotalCost float64      `json:"total_cost"`
}

// JobRequest submits one job to the limiter.
type JobRequest struct {
	// JobID is optional; a UUID is assigned when empty.
	JobID   string
	JobType string
	Job     JobFunc

	// MaxWaitByModel bounds the capacity wait per model. A missing entry
	// (or a nil map) waits without bound: the job parks until a release
	// or a window reset frees capacity on that model. An explicit zero
	// makes a single immediate attempt and escalates on failure; a
	// negative duration also waits without bound.
	MaxWaitByModel map[string]time.Duration

	OnComplete func(JobOutcome)
	OnError    func(error, JobOutcome)
}
