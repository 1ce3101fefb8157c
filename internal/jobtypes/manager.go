// Package jobtypes tracks per-job-type capacity shares: each job type owns
// a ratio of the instance's total slots, a global in-flight count, and a
// per-(model, job type) slot allocation derived from the model's pool and
// the type's resource estimates. Flexible ratios are redistributed toward
// loaded types on a periodic adjustment pass; non-flexible ratios never
// move.
package jobtypes

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/llmgate/llmgate/internal/logging"
)

// Config is the immutable configuration of one job type.
type Config struct {
	ID                string
	EstimatedTokens   int64
	EstimatedRequests int64
	EstimatedMemoryKB int64
	InitialRatio      float64 // 0 means: share the unassigned remainder evenly
	Flexible          bool
}

// AdjustConfig controls the ratio adjustment pass.
type AdjustConfig struct {
	Interval              time.Duration
	ReleasesPerAdjustment int
	HighLoadThreshold     float64
	LowLoadThreshold      float64
	MaxAdjustment         float64
	MinRatio              float64
}

// DefaultAdjustConfig returns the standard adjustment settings.
func DefaultAdjustConfig() AdjustConfig {
	return AdjustConfig{
		Interval:              time.Second,
		ReleasesPerAdjustment: 10,
		HighLoadThreshold:     0.8,
		LowLoadThreshold:      0.3,
		MaxAdjustment:         0.1,
		MinRatio:              0.05,
	}
}

func (a AdjustConfig) withDefaults() AdjustConfig {
	d := DefaultAdjustConfig()
	if a.Interval <= 0 {
		a.Interval = d.Interval
	}
	if a.ReleasesPerAdjustment <= 0 {
		a.ReleasesPerAdjustment = d.ReleasesPerAdjustment
	}
	if a.HighLoadThreshold <= 0 {
		a.HighLoadThreshold = d.HighLoadThreshold
	}
	if a.LowLoadThreshold <= 0 {
		a.LowLoadThreshold = d.LowLoadThreshold
	}
	if a.MaxAdjustment <= 0 {
		a.MaxAdjustment = d.MaxAdjustment
	}
	if a.MinRatio <= 0 {
		a.MinRatio = d.MinRatio
	}
	return a
}

// ModelPool is one model's per-instance resource pool. A zero field means
// that dimension is unlimited.
type ModelPool struct {
	TotalSlots        int64
	TokensPerMinute   int64
	RequestsPerMinute int64
	TokensPerDay      int64
	RequestsPerDay    int64
}

type modelSlots struct {
	allocated int64
	inFlight  int64
}

type typeState struct {
	cfg            Config
	ratio          float64
	allocatedSlots int64
	inFlight       int64
	perModel       map[string]*modelSlots
}

// ModelSlotStats is a per-(model, job type) snapshot.
type ModelSlotStats struct {
	Allocated int64 `json:"allocated"`
	InFlight  int64 `json:"in_flight"`
}

// TypeStats is a per-job-type snapshot.
type TypeStats struct {
	Ratio          float64                   `json:"ratio"`
	Flexible       bool                      `json:"flexible"`
	AllocatedSlots int64                     `json:"allocated_slots"`
	InFlight       int64                     `json:"in_flight"`
	PerModel       map[string]ModelSlotStats `json:"per_model,omitempty"`
}

// Manager owns all job type state for one limiter instance.
type Manager struct {
	mu         sync.Mutex
	types      map[string]*typeState
	order      []string // stable iteration order
	totalSlots int64
	pools      map[string]ModelPool
	adjust     AdjustConfig
	releases   int

	memoryKB func() int64 // optional memory-cap provider
	onChange func()       // fired after every release or reallocation
	onRatios func(map[string]float64)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates the job type configs and builds a manager. Initial ratios
// must not exceed 1 in total; job types without an explicit ratio share
// the remainder evenly.
func New(cfgs []Config, adjust AdjustConfig) (*Manager, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one job type is required")
	}

	assigned := 0.0
	unassigned := 0
	for _, c := range cfgs {
		if c.InitialRatio < 0 || c.InitialRatio > 1 {
			return nil, fmt.Errorf("job type %q: ratio %v outside [0, 1]", c.ID, c.InitialRatio)
		}
		if c.InitialRatio > 0 {
			assigned += c.InitialRatio
		} else {
			unassigned++
		}
	}
	if assigned > 1+1e-9 {
		return nil, fmt.Errorf("job type ratios sum to %v, exceeding 1", assigned)
	}
	if unassigned == 0 && math.Abs(assigned-1) > 1e-9 {
		return nil, fmt.Errorf("job type ratios sum to %v, expected exactly 1", assigned)
	}

	m := &Manager{
		types:  make(map[string]*typeState, len(cfgs)),
		pools:  make(map[string]ModelPool),
		adjust: adjust.withDefaults(),
		stopCh: make(chan struct{}),
	}
	share := 0.0
	if unassigned > 0 {
		share = (1 - assigned) / float64(unassigned)
	}
	for _, c := range cfgs {
		if _, dup := m.types[c.ID]; dup {
			return nil, fmt.Errorf("duplicate job type %q", c.ID)
		}
		ratio := c.InitialRatio
		if ratio == 0 {
			ratio = share
		}
		c.InitialRatio = ratio
		m.types[c.ID] = &typeState{
			cfg:      c,
			ratio:    ratio,
			perModel: make(map[string]*modelSlots),
		}
		m.order = append(m.order, c.ID)
	}
	return m, nil
}

// SetMemoryProvider installs the memory pool size source used to intersect
// the per-(model, job type) slot formula with the local memory cap.
func (m *Manager) SetMemoryProvider(fn func() int64) {
	m.mu.Lock()
	m.memoryKB = fn
	m.mu.Unlock()
}

// SetOnCapacityChange registers the notifier fired after every release and
// reallocation, so callers polling HasCapacity can park between attempts.
func (m *Manager) SetOnCapacityChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetOnRatiosChange registers the fan-out fired when ratios move (the
// memory pool resizes its sub-pools from it). The callback runs outside
// the manager's lock, so it may call back into the manager.
func (m *Manager) SetOnRatiosChange(fn func(map[string]float64)) {
	m.mu.Lock()
	m.onRatios = fn
	m.mu.Unlock()
}

// Start launches the periodic ratio adjustment.
func (m *Manager) Start() {
	go m.adjustLoop()
}

// Stop halts the adjustment loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) adjustLoop() {
	ticker := time.NewTicker(m.adjust.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.AdjustRatios()
		}
	}
}

// Known reports whether the job type exists.
func (m *Manager) Known(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.types[jobType]
	return ok
}

// ConfigFor returns the job type's configuration.
func (m *Manager) ConfigFor(jobType string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return Config{}, false
	}
	return st.cfg, true
}

// HasCapacity reports whether the job type has a free global slot.
func (m *Manager) HasCapacity(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	return ok && st.inFlight < st.allocatedSlots
}

// Acquire takes a global slot for the job type. A contended acquire
// returns false and the caller retries after the next capacity signal.
func (m *Manager) Acquire(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok || st.inFlight >= st.allocatedSlots {
		return false
	}
	st.inFlight++
	return true
}

// Release returns a global slot. Every Nth release triggers a ratio
// adjustment pass.
func (m *Manager) Release(jobType string) {
	m.mu.Lock()
	st, ok := m.types[jobType]
	if ok {
		st.inFlight--
		if st.inFlight < 0 {
			logging.Op().Warn("job type release below zero, clamping", "job_type", jobType)
			st.inFlight = 0
		}
	}
	m.releases++
	adjusted := false
	if m.releases >= m.adjust.ReleasesPerAdjustment {
		m.releases = 0
		adjusted = m.adjustLocked()
	}
	onChange := m.onChange
	onRatios := m.onRatios
	var ratios map[string]float64
	if adjusted && onRatios != nil {
		ratios = m.ratiosLocked()
	}
	m.mu.Unlock()

	if adjusted && onRatios != nil {
		onRatios(ratios)
	}
	if onChange != nil {
		onChange()
	}
}

// HasModelCapacity reports whether the (model, job type) pair has a free
// allocated slot.
func (m *Manager) HasModelCapacity(jobType, modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return false
	}
	ms, ok := st.perModel[modelID]
	return ok && ms.inFlight < ms.allocated
}

// AcquireModel takes a per-(model, job type) slot.
func (m *Manager) AcquireModel(jobType, modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return false
	}
	ms, ok := st.perModel[modelID]
	if !ok || ms.inFlight >= ms.allocated {
		return false
	}
	ms.inFlight++
	return true
}

// ReleaseModel returns a per-(model, job type) slot.
func (m *Manager) ReleaseModel(jobType, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return
	}
	ms, ok := st.perModel[modelID]
	if !ok {
		return
	}
	ms.inFlight--
	if ms.inFlight < 0 {
		logging.Op().Warn("model slot release below zero, clamping",
			"job_type", jobType, "model", modelID)
		ms.inFlight = 0
	}
}

// SetTotalCapacity distributes totalSlots across job types by ratio.
// Floors are used per type and the whole rounding residual goes to the
// type with the largest remainder, keeping the sum at or below the total.
func (m *Manager) SetTotalCapacity(totalSlots int64) {
	m.mu.Lock()
	m.totalSlots = totalSlots
	m.setTotalCapacityLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

func (m *Manager) setTotalCapacityLocked() {
	var sum int64
	largestRem := -1.0
	var largestID string
	for _, id := range m.order {
		st := m.types[id]
		exact := float64(m.totalSlots) * st.ratio
		st.allocatedSlots = int64(math.Floor(exact))
		sum += st.allocatedSlots
		if rem := exact - float64(st.allocatedSlots); rem > largestRem {
			largestRem = rem
			largestID = id
		}
	}
	if residual := m.totalSlots - sum; residual > 0 && largestID != "" {
		m.types[largestID].allocatedSlots += residual
	}
}

// SetModelPool installs a model's per-instance pool and recomputes the
// per-(model, job type) slot allocations with the multi-dimensional
// formula: slots = min over active dimensions of
// floor(pool.dim x ratio / estimate), intersected with the local memory
// cap when the job type declares a memory estimate.
func (m *Manager) SetModelPool(modelID string, pool ModelPool) {
	m.mu.Lock()
	m.pools[modelID] = pool
	m.recomputeModelSlotsLocked(modelID)
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

func (m *Manager) recomputeModelSlotsLocked(modelID string) {
	pool := m.pools[modelID]
	for _, id := range m.order {
		st := m.types[id]
		slots := m.slotsForLocked(st, pool)
		ms, ok := st.perModel[modelID]
		if !ok {
			ms = &modelSlots{}
			st.perModel[modelID] = ms
		}
		ms.allocated = slots
	}
}

const unboundedSlots = math.MaxInt64 / 2

func (m *Manager) slotsForLocked(st *typeState, pool ModelPool) int64 {
	slots := int64(unboundedSlots)
	dim := func(capacity, estimate int64) {
		if capacity <= 0 || estimate <= 0 {
			return
		}
		s := int64(math.Floor(float64(capacity) * st.ratio / float64(estimate)))
		if s < slots {
			slots = s
		}
	}
	dim(pool.TokensPerMinute, st.cfg.EstimatedTokens)
	dim(pool.TokensPerDay, st.cfg.EstimatedTokens)
	dim(pool.RequestsPerMinute, st.cfg.EstimatedRequests)
	dim(pool.RequestsPerDay, st.cfg.EstimatedRequests)
	if pool.TotalSlots > 0 {
		s := int64(math.Floor(float64(pool.TotalSlots) * st.ratio))
		if s < slots {
			slots = s
		}
	}
	if m.memoryKB != nil && st.cfg.EstimatedMemoryKB > 0 {
		dim(m.memoryKB(), st.cfg.EstimatedMemoryKB)
	}
	return slots
}

// AdjustRatios runs one adjustment pass: flexible types under low load
// donate ratio to flexible types over high load, bounded by MaxAdjustment
// per pass and MinRatio per donor. Non-flexible ratios are untouched.
func (m *Manager) AdjustRatios() {
	m.mu.Lock()
	changed := m.adjustLocked()
	onChange := m.onChange
	onRatios := m.onRatios
	var ratios map[string]float64
	if changed && onRatios != nil {
		ratios = m.ratiosLocked()
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if onRatios != nil {
		onRatios(ratios)
	}
	if onChange != nil {
		onChange()
	}
}

func (m *Manager) adjustLocked() bool {
	var donors, recipients []*typeState
	for _, id := range m.order {
		st := m.types[id]
		if !st.cfg.Flexible {
			continue
		}
		denom := st.allocatedSlots
		if denom < 1 {
			denom = 1
		}
		// Strictly above high load receives, strictly below low load
		// donates; a type sitting exactly on a threshold is left alone.
		load := float64(st.inFlight) / float64(denom)
		switch {
		case load > m.adjust.HighLoadThreshold:
			recipients = append(recipients, st)
		case load < m.adjust.LowLoadThreshold:
			donors = append(donors, st)
		}
	}
	if len(donors) == 0 || len(recipients) == 0 {
		return false
	}

	// Donors with the most slack give first.
	sort.Slice(donors, func(i, j int) bool {
		return donors[i].ratio > donors[j].ratio
	})

	budget := m.adjust.MaxAdjustment
	taken := 0.0
	for _, d := range donors {
		if budget <= 0 {
			break
		}
		give := d.ratio - m.adjust.MinRatio
		if give <= 0 {
			continue
		}
		if give > budget {
			give = budget
		}
		d.ratio -= give
		taken += give
		budget -= give
	}
	if taken == 0 {
		return false
	}
	per := taken / float64(len(recipients))
	for _, r := range recipients {
		r.ratio += per
	}

	m.renormalizeLocked()
	m.setTotalCapacityLocked()
	for modelID := range m.pools {
		m.recomputeModelSlotsLocked(modelID)
	}

	logging.Op().Debug("job type ratios adjusted",
		"donors", len(donors), "recipients", len(recipients), "moved", taken)
	return true
}

// renormalizeLocked rescales flexible ratios so the full set sums to
// exactly 1, preserving non-flexible ratios bit-for-bit.
func (m *Manager) renormalizeLocked() {
	nonFlex := 0.0
	flexSum := 0.0
	for _, st := range m.types {
		if st.cfg.Flexible {
			flexSum += st.ratio
		} else {
			nonFlex += st.cfg.InitialRatio
			st.ratio = st.cfg.InitialRatio
		}
	}
	target := 1 - nonFlex
	if flexSum <= 0 || target <= 0 {
		return
	}
	scale := target / flexSum
	for _, st := range m.types {
		if st.cfg.Flexible {
			st.ratio *= scale
		}
	}
}

// Ratios returns a copy of the current ratio map.
func (m *Manager) Ratios() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratiosLocked()
}

func (m *Manager) ratiosLocked() map[string]float64 {
	out := make(map[string]float64, len(m.types))
	for id, st := range m.types {
		out[id] = st.ratio
	}
	return out
}

// TotalSlots returns the configured instance-wide slot total.
func (m *Manager) TotalSlots() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSlots
}

// GetStats returns a snapshot of every job type.
func (m *Manager) GetStats() map[string]TypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TypeStats, len(m.types))
	for id, st := range m.types {
		ts := TypeStats{
			Ratio:          st.ratio,
			Flexible:       st.cfg.Flexible,
			AllocatedSlots: st.allocatedSlots,
			InFlight:       st.inFlight,
		}
		if len(st.perModel) > 0 {
			ts.PerModel = make(map[string]ModelSlotStats, len(st.perModel))
			for modelID, ms := range st.perModel {
				ts.PerModel[modelID] = ModelSlotStats{
					Allocated: ms.allocated,
					InFlight:  ms.inFlight,
				}
			}
		}
		out[id] = ts
	}
	return out
}
