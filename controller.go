package llmgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/cost"
	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/metrics"
	"github.com/llmgate/llmgate/internal/modellimiter"
	"github.com/llmgate/llmgate/internal/notify"
	"github.com/llmgate/llmgate/internal/observability"
)

// slotPollInterval bounds how long a job waits between slot re-attempts
// when a wake-up notification is missed.
const slotPollInterval = 100 * time.Millisecond

// QueueJob runs one job through the limiter: it acquires a job-type slot,
// walks the escalation order reserving capacity on the first model that
// can serve within its wait budget, runs the job, settles usage, and
// escalates on delegation. It blocks until the job finishes or fails.
func (l *Limiter) QueueJob(ctx context.Context, req JobRequest) (JobOutcome, error) {
	if l.stopped() {
		return JobOutcome{}, ErrStopped
	}
	if req.Job == nil {
		return JobOutcome{}, &ConfigError{Field: "job", Reason: "job function is required"}
	}
	est, ok := l.estimateFor(req.JobType)
	if !ok {
		return JobOutcome{}, fmt.Errorf("%w: %q", ErrUnknownJobType, req.JobType)
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	ctx, span := observability.StartSpan(ctx, "llmgate.job",
		observability.AttrJobID.String(req.JobID),
		observability.AttrJobType.String(req.JobType),
		observability.AttrInstanceID.String(l.instanceID),
	)
	defer span.End()

	outcome := JobOutcome{JobID: req.JobID}
	l.active.Add(req.JobID, req.JobType)
	metrics.SetActiveJobs(l.active.Len())
	defer func() {
		l.active.Remove(req.JobID)
		metrics.SetActiveJobs(l.active.Len())
	}()

	// Job-type slot first, model capacity second; this step has no
	// timeout of its own.
	if err := l.acquireSlot(ctx, req.JobType); err != nil {
		observability.SetSpanError(span, err)
		l.finishWithError(req, &outcome, "", err)
		return outcome, err
	}
	defer func() {
		l.jobTypes.Release(req.JobType)
		l.notifier.Notify(context.Background(), notify.TopicSlots)
	}()

	queuedAt := time.Now()
	attempt := 0
	lastModel := ""
	var usages []cost.Usage
	var pricings []cost.Pricing

	for _, modelID := range l.order {
		if ctx.Err() != nil {
			break
		}
		m := l.models[modelID]
		lastModel = modelID
		attempt++

		if !l.jobTypes.HasModelCapacity(req.JobType, modelID) {
			metrics.Global().RecordRejection(modelID, "job_type_slots")
			continue
		}

		// No configured budget means the job parks on this model until
		// capacity frees up; only an explicit zero skips ahead.
		maxWait, bounded := req.MaxWaitByModel[modelID]
		if !bounded {
			maxWait = -1
		}
		res, ok := m.WaitForCapacity(ctx, req.JobType, est, maxWait)
		if !ok {
			metrics.Global().RecordRejection(modelID, "model_capacity")
			continue
		}

		if !l.jobTypes.AcquireModel(req.JobType, modelID) {
			m.Release(res)
			metrics.Global().RecordRejection(modelID, "job_type_model_slots")
			continue
		}

		if l.backend != nil {
			granted, err := l.backend.Acquire(ctx, l.instanceID, modelID)
			if err != nil {
				logging.Op().Warn("backend acquire failed, denying locally",
					"job", req.JobID, "model", modelID, "error", err)
				granted = false
			}
			if !granted {
				l.jobTypes.ReleaseModel(req.JobType, modelID)
				m.Release(res)
				metrics.Global().RecordRejection(modelID, "backend_denied")
				continue
			}
		}

		waitMs := time.Since(queuedAt).Milliseconds()
		l.active.SetModel(req.JobID, modelID)
		result, runErr := l.runJob(ctx, req, modelID, attempt)

		actual := modellimiter.Actual{
			Tokens:   result.Usage.Total(),
			Requests: result.RequestCount,
		}
		if actual.Requests == 0 && runErr == nil {
			actual.Requests = 1
		}
		starts := res.Starts()
		m.Commit(res, actual)
		l.settleBackend(modelID, actual, starts)
		l.jobTypes.ReleaseModel(req.JobType, modelID)
		metrics.Global().RecordTokens(actual.Tokens, max(est.Tokens-actual.Tokens, 0))

		usages = append(usages, cost.Usage{
			InputTokens:  result.Usage.Input,
			CachedTokens: result.Usage.Cached,
			OutputTokens: result.Usage.Output,
		})
		pricings = append(pricings, l.pricing[modelID])
		outcome.Usage = append(outcome.Usage, UsageEntry{
			ModelID:  modelID,
			Usage:    result.Usage,
			Requests: actual.Requests,
		})
		outcome.TotalCost = cost.Total(usages, pricings)

		switch {
		case runErr == nil && result.Status == StatusDone:
			outcome.ModelUsed = modelID
			outcome.Text = result.Text
			metrics.Global().RecordJob(modelID, req.JobType, waitMs, "done")
			span.SetAttributes(
				observability.AttrModelID.String(modelID),
				observability.AttrAttempt.Int(attempt),
				observability.AttrQueueWait.Int64(waitMs),
			)
			observability.SetSpanOK(span)
			if req.OnComplete != nil {
				req.OnComplete(outcome)
			}
			return outcome, nil

		case result.Status == StatusDelegate:
			// Usage stays recorded and billed; the error (if any) is not
			// surfaced.
			metrics.Global().RecordJob(modelID, req.JobType, waitMs, "delegated")
			next := ""
			if attempt < len(l.order) {
				next = l.order[attempt]
			}
			metrics.RecordPrometheusDelegation(modelID, next)
			logging.Op().Debug("job delegated",
				"job", req.JobID, "from", modelID, "error", runErr)
			continue

		default:
			if runErr == nil {
				runErr = fmt.Errorf("job reported failure on model %s", modelID)
			}
			metrics.Global().RecordJob(modelID, req.JobType, waitMs, "failed")
			jobErr := &JobError{JobID: req.JobID, LastModel: modelID, Err: runErr}
			observability.SetSpanError(span, jobErr)
			l.finishWithError(req, &outcome, modelID, jobErr)
			return outcome, jobErr
		}
	}

	err := error(&JobError{JobID: req.JobID, LastModel: lastModel, Err: ErrNoModelAvailable})
	if ctx.Err() != nil {
		err = &JobError{JobID: req.JobID, LastModel: lastModel, Err: ctx.Err()}
	}
	observability.SetSpanError(span, err)
	l.finishWithError(req, &outcome, lastModel, err)
	return outcome, err
}

// acquireSlot blocks until a job-type slot is granted, waking on release
// notifications with a bounded poll as backstop.
func (l *Limiter) acquireSlot(ctx context.Context, jobType string) error {
	if !l.jobTypes.Known(jobType) {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if l.jobTypes.Acquire(jobType) {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake := l.notifier.Subscribe(subCtx, notify.TopicSlots)

	ticker := time.NewTicker(slotPollInterval)
	defer ticker.Stop()
	for {
		if l.jobTypes.Acquire(jobType) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return ErrStopped
		case <-wake:
		case <-ticker.C:
		}
	}
}

// runJob invokes the user job body with panic containment. A panic is
// treated as a non-delegating failure.
func (l *Limiter) runJob(ctx context.Context, req JobRequest, modelID string, attempt int) (result JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = JobResult{Status: StatusFail}
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	started := time.Now()
	result, err = req.Job(ctx, Invocation{
		JobID:   req.JobID,
		JobType: req.JobType,
		ModelID: modelID,
		Attempt: attempt,
	})
	metrics.RecordJobDuration(modelID, req.JobType, time.Since(started).Milliseconds())

	if err != nil && result.Status != StatusDelegate {
		result.Status = StatusFail
	}
	if err == nil && result.Status == "" {
		result.Status = StatusDone
	}
	return result, err
}

// settleBackend reports actual usage to the allocator. Failures are
// logged and swallowed: refunds are best-effort.
func (l *Limiter) settleBackend(modelID string, actual modellimiter.Actual, starts modellimiter.WindowStarts) {
	if l.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.backend.Release(ctx, l.instanceID, ReleaseUsage{
		ModelID:  modelID,
		Tokens:   actual.Tokens,
		Requests: actual.Requests,
		WindowStarts: [4]int64{
			epochMs(starts.TokensMinute),
			epochMs(starts.RequestsMinute),
			epochMs(starts.TokensDay),
			epochMs(starts.RequestsDay),
		},
	})
	if err != nil {
		logging.Op().Warn("backend release failed",
			"instance", l.instanceID, "model", modelID, "error", err)
	}
}

func epochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (l *Limiter) finishWithError(req JobRequest, outcome *JobOutcome, lastModel string, err error) {
	logging.Op().Warn("job failed",
		"job", req.JobID, "job_type", req.JobType, "last_model", lastModel, "error", err)
	if req.OnError != nil {
		req.OnError(err, *outcome)
	}
}
