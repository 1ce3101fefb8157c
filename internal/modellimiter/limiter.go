// Package modellimiter is the admission controller for a single upstream
// model. It composes the four time-window counters, the per-model memory
// and concurrency semaphores, and the capacity wait queue into atomic
// cross-dimensional reservations with window-aware refunds.
//
// Every reservation mutates all dimensions under one mutex, so partial
// states are never observable: if a later dimension rejects, the earlier
// increments are rolled back before the lock is dropped.
package modellimiter

import (
	"context"
	"sync"
	"time"

	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/semaphore"
	"github.com/llmgate/llmgate/internal/waitq"
	"github.com/llmgate/llmgate/internal/window"
)

// Limits configures one model's dimensions. A zero field disables that
// dimension (unlimited).
type Limits struct {
	TokensPerMinute   int64
	RequestsPerMinute int64
	TokensPerDay      int64
	RequestsPerDay    int64
	MaxConcurrent     int64
	MaxMemoryKB       int64
}

// Estimate is a job type's expected resource consumption.
type Estimate struct {
	Tokens   int64
	Requests int64
	MemoryKB int64
}

// Actual is the measured consumption reported after the job ran.
type Actual struct {
	Tokens   int64
	Requests int64
}

// MemoryAcquirer is the process-wide memory pool surface the limiter
// draws from (per job type sub-pool).
type MemoryAcquirer interface {
	TryAcquire(jobType string, kb int64) bool
	Release(jobType string, kb int64)
	AvailableKB(jobType string) int64
}

// OverageEvent reports actual usage exceeding the reservation estimate.
type OverageEvent struct {
	ModelID   string    `json:"model_id"`
	Resource  string    `json:"resource"` // "tokens" or "requests"
	Estimated int64     `json:"estimated"`
	Actual    int64     `json:"actual"`
	Overage   int64     `json:"overage"`
	Timestamp time.Time `json:"timestamp"`
}

// WindowStarts captures the window-start timestamps of all four counters
// at reservation time. A refund is honored only while the corresponding
// window start is unchanged.
type WindowStarts struct {
	TokensMinute   time.Time
	RequestsMinute time.Time
	TokensDay      time.Time
	RequestsDay    time.Time
}

// Reservation is the handle for one admitted job's held resources. It is
// consumed exactly once, by either Commit or Release.
type Reservation struct {
	jobType         string
	est             Estimate
	starts          WindowStarts
	windowsReserved bool
	heldPoolKB      int64
	heldCapKB       int64
	heldConcurrency int64
	consumed        bool
}

// JobType returns the job type the reservation was made for.
func (r *Reservation) JobType() string { return r.jobType }

// Starts returns the captured window starts.
func (r *Reservation) Starts() WindowStarts { return r.starts }

// Estimate returns the estimate the reservation was sized from.
func (r *Reservation) Estimate() Estimate { return r.est }

// ConcurrencyStats is a snapshot of the concurrency semaphore.
type ConcurrencyStats struct {
	Max    int64 `json:"max"`
	Active int64 `json:"active"`
}

// Stats is a per-model snapshot.
type Stats struct {
	ModelID        string            `json:"model_id"`
	TokensMinute   *window.Stats     `json:"tokens_minute,omitempty"`
	RequestsMinute *window.Stats     `json:"requests_minute,omitempty"`
	TokensDay      *window.Stats     `json:"tokens_day,omitempty"`
	RequestsDay    *window.Stats     `json:"requests_day,omitempty"`
	Concurrency    *ConcurrencyStats `json:"concurrency,omitempty"`
	QueueDepth     int               `json:"queue_depth"`
}

// RateLimitUpdate carries live limit changes; nil fields are untouched.
type RateLimitUpdate struct {
	TokensPerMinute   *int64
	RequestsPerMinute *int64
	TokensPerDay      *int64
	RequestsPerDay    *int64
}

// Limiter is a single model's admission controller.
type Limiter struct {
	mu      sync.Mutex
	modelID string

	tpm, rpm *window.Counter // nil when unlimited
	tpd, rpd *window.Counter
	conc     *semaphore.Semaphore // nil when unlimited
	memCap   *semaphore.Semaphore // per-model memory cap, nil when unlimited
	mem      MemoryAcquirer       // shared pool, nil when not configured

	queue     waitq.Queue[*Reservation]
	onOverage func(OverageEvent)
	onRelease func()

	resetMu    sync.Mutex
	resetTimer *time.Timer

	now func() time.Time
}

// Option tweaks limiter construction.
type Option func(*Limiter)

// WithClock injects a test clock for the window counters.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMemoryPool attaches the shared process memory pool.
func WithMemoryPool(mem MemoryAcquirer) Option {
	return func(l *Limiter) { l.mem = mem }
}

// WithOverageCallback registers the overage event sink.
func WithOverageCallback(fn func(OverageEvent)) Option {
	return func(l *Limiter) { l.onOverage = fn }
}

// WithReleaseCallback registers a hook fired after any capacity returns.
func WithReleaseCallback(fn func()) Option {
	return func(l *Limiter) { l.onRelease = fn }
}

// New builds a limiter for one model.
func New(modelID string, limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		modelID: modelID,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if limits.TokensPerMinute > 0 {
		l.tpm = window.NewWithClock(limits.TokensPerMinute, time.Minute, l.now)
	}
	if limits.RequestsPerMinute > 0 {
		l.rpm = window.NewWithClock(limits.RequestsPerMinute, time.Minute, l.now)
	}
	if limits.TokensPerDay > 0 {
		l.tpd = window.NewWithClock(limits.TokensPerDay, 24*time.Hour, l.now)
	}
	if limits.RequestsPerDay > 0 {
		l.rpd = window.NewWithClock(limits.RequestsPerDay, 24*time.Hour, l.now)
	}
	if limits.MaxConcurrent > 0 {
		l.conc = semaphore.New(limits.MaxConcurrent)
	}
	if limits.MaxMemoryKB > 0 {
		l.memCap = semaphore.New(limits.MaxMemoryKB)
	}
	// Every parked waiter re-arms the reset timer: the timer does not
	// re-arm itself when it fires over an empty queue.
	l.queue.SetOnPark(l.armResetTimer)
	return l
}

// ModelID returns the model this limiter guards.
func (l *Limiter) ModelID() string { return l.modelID }

// TryReserve attempts an atomic reservation across every active dimension
// for one job of the given type. It returns (nil, false) without side
// effects when any dimension lacks capacity.
//
// When both token and request estimates are zero the time windows are
// skipped entirely (measure-only job types); actual usage is recorded
// against the then-current window at commit time.
func (l *Limiter) TryReserve(jobType string, est Estimate) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := &Reservation{jobType: jobType, est: est}
	reserveWindows := est.Tokens > 0 || est.Requests > 0

	if reserveWindows {
		if l.tpm != nil && !l.tpm.HasCapacityFor(est.Tokens) {
			return nil, false
		}
		if l.tpd != nil && !l.tpd.HasCapacityFor(est.Tokens) {
			return nil, false
		}
		if l.rpm != nil && !l.rpm.HasCapacityFor(est.Requests) {
			return nil, false
		}
		if l.rpd != nil && !l.rpd.HasCapacityFor(est.Requests) {
			return nil, false
		}
		l.captureStartsLocked(res)
		l.addWindowsLocked(est.Tokens, est.Requests)
		res.windowsReserved = true
	} else {
		// Capture anyway so post-hoc usage lands in a known window.
		l.captureStartsLocked(res)
	}

	if l.mem != nil && est.MemoryKB > 0 {
		if !l.mem.TryAcquire(jobType, est.MemoryKB) {
			l.rollbackWindowsLocked(res)
			return nil, false
		}
		res.heldPoolKB = est.MemoryKB
	}
	if l.memCap != nil && est.MemoryKB > 0 {
		if !l.memCap.TryAcquire(est.MemoryKB) {
			l.releasePoolLocked(res)
			l.rollbackWindowsLocked(res)
			return nil, false
		}
		res.heldCapKB = est.MemoryKB
	}
	if l.conc != nil {
		if !l.conc.TryAcquire(1) {
			l.releaseMemoryLocked(res)
			l.rollbackWindowsLocked(res)
			return nil, false
		}
		res.heldConcurrency = 1
	}

	return res, true
}

func (l *Limiter) captureStartsLocked(res *Reservation) {
	if l.tpm != nil {
		res.starts.TokensMinute = l.tpm.WindowStart()
	}
	if l.rpm != nil {
		res.starts.RequestsMinute = l.rpm.WindowStart()
	}
	if l.tpd != nil {
		res.starts.TokensDay = l.tpd.WindowStart()
	}
	if l.rpd != nil {
		res.starts.RequestsDay = l.rpd.WindowStart()
	}
}

func (l *Limiter) addWindowsLocked(tokens, requests int64) {
	if l.tpm != nil {
		l.tpm.Add(tokens)
	}
	if l.tpd != nil {
		l.tpd.Add(tokens)
	}
	if l.rpm != nil {
		l.rpm.Add(requests)
	}
	if l.rpd != nil {
		l.rpd.Add(requests)
	}
}

func (l *Limiter) rollbackWindowsLocked(res *Reservation) {
	if !res.windowsReserved {
		return
	}
	if l.tpm != nil {
		l.tpm.SubtractIfSameWindow(res.est.Tokens, res.starts.TokensMinute)
	}
	if l.tpd != nil {
		l.tpd.SubtractIfSameWindow(res.est.Tokens, res.starts.TokensDay)
	}
	if l.rpm != nil {
		l.rpm.SubtractIfSameWindow(res.est.Requests, res.starts.RequestsMinute)
	}
	if l.rpd != nil {
		l.rpd.SubtractIfSameWindow(res.est.Requests, res.starts.RequestsDay)
	}
	res.windowsReserved = false
}

func (l *Limiter) releasePoolLocked(res *Reservation) {
	if res.heldPoolKB > 0 {
		l.mem.Release(res.jobType, res.heldPoolKB)
		res.heldPoolKB = 0
	}
}

func (l *Limiter) releaseMemoryLocked(res *Reservation) {
	l.releasePoolLocked(res)
	if res.heldCapKB > 0 {
		l.memCap.Release(res.heldCapKB)
		res.heldCapKB = 0
	}
}

// WaitForCapacity reserves with a wait budget. maxWait == 0 attempts once
// and returns immediately; maxWait < 0 waits until ctx is done.
func (l *Limiter) WaitForCapacity(ctx context.Context, jobType string, est Estimate, maxWait time.Duration) (*Reservation, bool) {
	try := func() (*Reservation, bool) {
		return l.TryReserve(jobType, est)
	}
	if maxWait == 0 {
		return try()
	}
	l.armResetTimer()
	return l.queue.Wait(ctx, try, maxWait)
}

// armResetTimer schedules a wake-up at the nearest window-reset boundary
// so parked waiters retry as soon as a counter rolls over.
func (l *Limiter) armResetTimer() {
	l.mu.Lock()
	next := time.Duration(-1)
	for _, c := range []*window.Counter{l.tpm, l.rpm, l.tpd, l.rpd} {
		if c == nil {
			continue
		}
		if d := c.TimeUntilReset(); next < 0 || d < next {
			next = d
		}
	}
	l.mu.Unlock()
	if next < 0 {
		return
	}
	if next < time.Millisecond {
		next = time.Millisecond
	}

	l.resetMu.Lock()
	defer l.resetMu.Unlock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
	l.resetTimer = time.AfterFunc(next, func() {
		l.queue.Notify()
		if l.queue.Len() > 0 {
			l.armResetTimer()
		}
	})
}

// Commit finishes a reservation after the job ran: it diffs actual
// against estimated usage per dimension, refunds the surplus into the
// same window it was reserved in (cross-window refunds are dropped), adds
// the overage otherwise, and releases memory and concurrency.
func (l *Limiter) Commit(res *Reservation, actual Actual) {
	l.mu.Lock()
	if res.consumed {
		logging.Op().Warn("reservation committed twice, ignoring",
			"model", l.modelID, "job_type", res.jobType)
		l.mu.Unlock()
		return
	}
	res.consumed = true

	var overages []OverageEvent
	if res.windowsReserved {
		overages = l.settleWindowsLocked(res, actual)
	} else {
		// Measure-only: record actuals against the current windows.
		l.addWindowsLocked(actual.Tokens, actual.Requests)
	}
	l.releaseMemoryLocked(res)
	if res.heldConcurrency > 0 {
		l.conc.Release(res.heldConcurrency)
		res.heldConcurrency = 0
	}
	onRelease := l.onRelease
	onOverage := l.onOverage
	l.mu.Unlock()

	if onOverage != nil {
		for _, ev := range overages {
			onOverage(ev)
		}
	}
	if onRelease != nil {
		onRelease()
	}
	l.queue.Notify()
}

func (l *Limiter) settleWindowsLocked(res *Reservation, actual Actual) []OverageEvent {
	var overages []OverageEvent

	settle := func(minute, day *window.Counter, est, act int64, startMin, startDay time.Time, resource string) {
		diff := est - act
		switch {
		case diff > 0:
			if minute != nil {
				minute.SubtractIfSameWindow(diff, startMin)
			}
			if day != nil {
				day.SubtractIfSameWindow(diff, startDay)
			}
		case diff < 0:
			if minute != nil {
				minute.Add(-diff)
			}
			if day != nil {
				day.Add(-diff)
			}
			overages = append(overages, OverageEvent{
				ModelID:   l.modelID,
				Resource:  resource,
				Estimated: est,
				Actual:    act,
				Overage:   -diff,
				Timestamp: l.now(),
			})
		}
	}
	settle(l.tpm, l.tpd, res.est.Tokens, actual.Tokens,
		res.starts.TokensMinute, res.starts.TokensDay, "tokens")
	settle(l.rpm, l.rpd, res.est.Requests, actual.Requests,
		res.starts.RequestsMinute, res.starts.RequestsDay, "requests")
	return overages
}

// Release abandons a reservation without running the job (for example
// after a successful delegation elsewhere or a failed backend acquire).
// Window refunds apply only while the reservation's windows are current.
func (l *Limiter) Release(res *Reservation) {
	l.mu.Lock()
	if res.consumed {
		logging.Op().Warn("reservation released twice, ignoring",
			"model", l.modelID, "job_type", res.jobType)
		l.mu.Unlock()
		return
	}
	res.consumed = true
	l.rollbackWindowsLocked(res)
	l.releaseMemoryLocked(res)
	if res.heldConcurrency > 0 {
		l.conc.Release(res.heldConcurrency)
		res.heldConcurrency = 0
	}
	onRelease := l.onRelease
	l.mu.Unlock()

	if onRelease != nil {
		onRelease()
	}
	l.queue.Notify()
}

// NotifyCapacityAvailable re-attempts parked reservations. The backend
// adapter broadcasts it when a new allocation lands, and the memory pool
// fires it after growing.
func (l *Limiter) NotifyCapacityAvailable() {
	l.queue.Notify()
}

// SetRateLimits applies live limit changes. Setting a dimension on a
// model that had it unlimited creates the counter; setting it to zero
// removes it.
func (l *Limiter) SetRateLimits(u RateLimitUpdate) {
	l.mu.Lock()
	apply := func(c **window.Counter, v *int64, win time.Duration) {
		if v == nil {
			return
		}
		switch {
		case *v <= 0:
			*c = nil
		case *c == nil:
			*c = window.NewWithClock(*v, win, l.now)
		default:
			(*c).SetLimit(*v)
		}
	}
	apply(&l.tpm, u.TokensPerMinute, time.Minute)
	apply(&l.rpm, u.RequestsPerMinute, time.Minute)
	apply(&l.tpd, u.TokensPerDay, 24*time.Hour)
	apply(&l.rpd, u.RequestsPerDay, 24*time.Hour)
	l.mu.Unlock()

	l.queue.Notify()
}

// HasCapacity reports whether one more reservation with the given
// estimate would currently be admitted. Zero window estimates are rounded
// up to one unit so a limited dimension is still consulted.
func (l *Limiter) HasCapacity(jobType string, est Estimate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	atLeastOne := func(v int64) int64 {
		if v < 1 {
			return 1
		}
		return v
	}
	if l.tpm != nil && !l.tpm.HasCapacityFor(atLeastOne(est.Tokens)) {
		return false
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(atLeastOne(est.Tokens)) {
		return false
	}
	if l.rpm != nil && !l.rpm.HasCapacityFor(atLeastOne(est.Requests)) {
		return false
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(atLeastOne(est.Requests)) {
		return false
	}
	if l.conc != nil && l.conc.Available() < 1 {
		return false
	}
	if l.memCap != nil && est.MemoryKB > 0 && l.memCap.Available() < est.MemoryKB {
		return false
	}
	if l.mem != nil && est.MemoryKB > 0 && l.mem.AvailableKB(jobType) < est.MemoryKB {
		return false
	}
	return true
}

// Remaining returns available capacity per dimension; -1 marks an
// unlimited dimension.
func (l *Limiter) Remaining() (tokensMin, reqMin, tokensDay, reqDay, concurrency int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rem := func(c *window.Counter) int64 {
		if c == nil {
			return -1
		}
		return c.Remaining()
	}
	tokensMin = rem(l.tpm)
	reqMin = rem(l.rpm)
	tokensDay = rem(l.tpd)
	reqDay = rem(l.rpd)
	if l.conc == nil {
		concurrency = -1
	} else {
		concurrency = l.conc.Available()
	}
	return
}

// QueueDepth returns the number of parked reservation waiters.
func (l *Limiter) QueueDepth() int {
	return l.queue.Len()
}

// Stop cancels the reset timer.
func (l *Limiter) Stop() {
	l.resetMu.Lock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
		l.resetTimer = nil
	}
	l.resetMu.Unlock()
}

// GetStats returns a snapshot of every active dimension.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{ModelID: l.modelID, QueueDepth: l.queue.Len()}
	snap := func(c *window.Counter) *window.Stats {
		if c == nil {
			return nil
		}
		s := c.GetStats()
		return &s
	}
	st.TokensMinute = snap(l.tpm)
	st.RequestsMinute = snap(l.rpm)
	st.TokensDay = snap(l.tpd)
	st.RequestsDay = snap(l.rpd)
	if l.conc != nil {
		st.Concurrency = &ConcurrencyStats{Max: l.conc.Max(), Active: l.conc.InUse()}
	}
	return st
}
