// Package availability coalesces capacity-change notifications. The
// tracker remembers the last emitted value per (model, reason) and fires
// the registered callback only when a value actually changed, so bursts of
// internal churn collapse into a single user-visible event per dimension.
package availability

import (
	"sync"
)

// Reason tags why availability changed.
type Reason string

const (
	ReasonTokensMinute   Reason = "tokensMinute"
	ReasonTokensDay      Reason = "tokensDay"
	ReasonRequestsMinute Reason = "requestsMinute"
	ReasonRequestsDay    Reason = "requestsDay"
	ReasonConcurrency    Reason = "concurrency"
	ReasonMemory         Reason = "memory"
	ReasonSlots          Reason = "slots"
	ReasonAdjustment     Reason = "adjustment"
	ReasonDistributed    Reason = "distributed"
)

// Change is one coalesced availability event.
type Change struct {
	ModelID    string  `json:"model_id"`
	Reason     Reason  `json:"reason"`
	Value      int64   `json:"value"`
	Adjustment float64 `json:"adjustment,omitempty"`
}

type key struct {
	modelID string
	reason  Reason
}

// Tracker deduplicates availability changes.
type Tracker struct {
	mu       sync.Mutex
	last     map[key]int64
	callback func(Change)
}

// New creates a tracker. A nil callback disables emission but still
// records values.
func New(callback func(Change)) *Tracker {
	return &Tracker{
		last:     make(map[key]int64),
		callback: callback,
	}
}

// Update records a value and fires the callback when it differs from the
// last emitted value for the same (model, reason).
func (t *Tracker) Update(modelID string, reason Reason, value int64) {
	t.update(Change{ModelID: modelID, Reason: reason, Value: value})
}

// UpdateWithAdjustment is Update carrying the ratio delta that caused the
// change.
func (t *Tracker) UpdateWithAdjustment(modelID string, reason Reason, value int64, adjustment float64) {
	t.update(Change{ModelID: modelID, Reason: reason, Value: value, Adjustment: adjustment})
}

func (t *Tracker) update(c Change) {
	k := key{modelID: c.ModelID, reason: c.Reason}

	t.mu.Lock()
	prev, seen := t.last[k]
	if seen && prev == c.Value {
		t.mu.Unlock()
		return
	}
	t.last[k] = c.Value
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb(c)
	}
}

// Last returns the last recorded value for (model, reason).
func (t *Tracker) Last(modelID string, reason Reason) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[key{modelID: modelID, reason: reason}]
	return v, ok
}

// Dimension pairs remaining capacity with the per-job estimate that
// consumes it.
type Dimension struct {
	Available int64
	Estimate  int64
}

// DeriveSlots computes how many more jobs fit: the minimum over active
// dimensions of floor(available / estimate). Dimensions with a zero
// estimate are skipped; an estimate of zero everywhere means unbounded
// and returns -1.
func DeriveSlots(dims []Dimension) int64 {
	slots := int64(-1)
	for _, d := range dims {
		if d.Estimate <= 0 {
			continue
		}
		s := d.Available / d.Estimate
		if s < 0 {
			s = 0
		}
		if slots < 0 || s < slots {
			slots = s
		}
	}
	return slots
}
