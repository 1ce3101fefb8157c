// Package window implements rolling time-window counters for rate
// dimensions (tokens/requests per minute/day). A counter lazily advances
// its window on access and supports window-aware refunds: usage can be
// subtracted back only while the window it was recorded in is still the
// active one.
package window

import (
	"time"
)

// Counter is a single rolling-window counter. It is NOT self-locking:
// the owning limiter serializes all calls under its own mutex.
type Counter struct {
	limit       int64
	window      time.Duration
	current     int64
	origin      time.Time
	windowStart time.Time
	now         func() time.Time
}

// Stats is a point-in-time snapshot of a counter.
type Stats struct {
	Limit     int64         `json:"limit"`
	Current   int64         `json:"current"`
	Remaining int64         `json:"remaining"`
	ResetsIn  time.Duration `json:"resets_in_ms"`
}

// New creates a counter with the given limit and window length.
func New(limit int64, window time.Duration) *Counter {
	return NewWithClock(limit, window, time.Now)
}

// NewWithClock creates a counter with an injectable clock. Tests use this
// to drive window rolls deterministically.
func NewWithClock(limit int64, window time.Duration, now func() time.Time) *Counter {
	start := now()
	return &Counter{
		limit:       limit,
		window:      window,
		origin:      start,
		windowStart: start,
		now:         now,
	}
}

// roll advances the window if it is due. The window start only ever moves
// in whole multiples of the window length from the counter's origin, so
// repeated calls within one window are no-ops.
func (c *Counter) roll() {
	now := c.now()
	elapsed := now.Sub(c.windowStart)
	if elapsed < c.window {
		return
	}
	steps := elapsed / c.window
	c.windowStart = c.windowStart.Add(steps * c.window)
	c.current = 0
}

// HasCapacityFor reports whether n more units fit in the active window.
func (c *Counter) HasCapacityFor(n int64) bool {
	c.roll()
	return c.current+n <= c.limit
}

// Add records n units of usage against the active window. It never blocks
// and never rejects; the caller checks capacity first. Callers recording
// post-hoc usage (measure-only job types) may legitimately push current
// past the limit.
func (c *Counter) Add(n int64) {
	c.roll()
	c.current += n
}

// SubtractIfSameWindow refunds n units, but only if the window that was
// active when capturedStart was taken is still the active window. A refund
// arriving after a roll is dropped: the new window never owed that usage.
func (c *Counter) SubtractIfSameWindow(n int64, capturedStart time.Time) bool {
	c.roll()
	if !c.windowStart.Equal(capturedStart) {
		return false
	}
	c.current -= n
	if c.current < 0 {
		c.current = 0
	}
	return true
}

// WindowStart returns the start of the active window after a lazy roll.
func (c *Counter) WindowStart() time.Time {
	c.roll()
	return c.windowStart
}

// TimeUntilReset returns how long until the active window rolls over.
func (c *Counter) TimeUntilReset() time.Duration {
	c.roll()
	return c.windowStart.Add(c.window).Sub(c.now())
}

// SetLimit changes the limit without evicting existing usage. If current
// exceeds the new limit, Remaining reports 0 and capacity checks fail
// until the window rolls.
func (c *Counter) SetLimit(limit int64) {
	c.limit = limit
}

// Limit returns the configured limit.
func (c *Counter) Limit() int64 {
	return c.limit
}

// Current returns the usage recorded in the active window.
func (c *Counter) Current() int64 {
	c.roll()
	return c.current
}

// Remaining returns the unused capacity in the active window, floored at 0.
func (c *Counter) Remaining() int64 {
	c.roll()
	r := c.limit - c.current
	if r < 0 {
		return 0
	}
	return r
}

// GetStats returns a snapshot of the counter.
func (c *Counter) GetStats() Stats {
	c.roll()
	return Stats{
		Limit:     c.limit,
		Current:   c.current,
		Remaining: c.Remaining(),
		ResetsIn:  c.TimeUntilReset(),
	}
}
