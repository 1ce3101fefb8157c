// Package memorypool manages the single process-wide memory budget shared
// by all models. The pool is sized from host free memory and re-probed on
// an interval; optional per-job-type sub-pools carve the budget up by the
// job type ratios and are resized whenever the ratios or the host budget
// move.
package memorypool

import (
	"math"
	"sync"
	"time"

	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/semaphore"
)

const (
	DefaultFreeMemoryRatio = 0.8
	DefaultRecalcInterval  = time.Second
)

// Config holds memory pool settings.
type Config struct {
	FreeMemoryRatio float64
	RecalcInterval  time.Duration
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	TotalKB  int64                `json:"total_kb"`
	InUseKB  int64                `json:"in_use_kb"`
	SubPools map[string]SubStats  `json:"sub_pools,omitempty"`
}

// SubStats is a snapshot of one job type's sub-pool.
type SubStats struct {
	AllocatedKB int64 `json:"allocated_kb"`
	InUseKB     int64 `json:"in_use_kb"`
}

// Pool is the process-wide memory pool.
type Pool struct {
	mu      sync.Mutex
	totalKB int64
	ratio   float64
	global  *semaphore.Semaphore
	subs    map[string]*semaphore.Semaphore
	ratios  map[string]float64

	probe    func() (int64, error)
	interval time.Duration
	onGrow   func()
	onResize func(Stats)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a pool. The probe returns host free memory in KB; pass nil
// to use the platform default.
func New(cfg Config, probe func() (int64, error)) *Pool {
	if cfg.FreeMemoryRatio <= 0 || cfg.FreeMemoryRatio > 1 {
		cfg.FreeMemoryRatio = DefaultFreeMemoryRatio
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = DefaultRecalcInterval
	}
	if probe == nil {
		probe = hostFreeMemoryKB
	}

	p := &Pool{
		ratio:    cfg.FreeMemoryRatio,
		subs:     make(map[string]*semaphore.Semaphore),
		ratios:   make(map[string]float64),
		probe:    probe,
		interval: cfg.RecalcInterval,
		stopCh:   make(chan struct{}),
	}
	p.Recalculate()
	if p.global == nil {
		p.global = semaphore.New(p.totalKB)
	}
	return p
}

// SetOnGrow registers a callback fired after the pool grows. The limiter
// uses it to re-attempt parked reservations.
func (p *Pool) SetOnGrow(fn func()) {
	p.mu.Lock()
	p.onGrow = fn
	p.mu.Unlock()
}

// SetOnResize registers a callback fired with a fresh snapshot after the
// pool or its sub-pools change size, from a host re-probe or a ratio
// update. The limiter publishes memory availability from it.
func (p *Pool) SetOnResize(fn func(Stats)) {
	p.mu.Lock()
	p.onResize = fn
	p.mu.Unlock()
}

// Start launches the periodic host-memory recalculation.
func (p *Pool) Start() {
	go p.recalcLoop()
}

// Stop halts the recalculation loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) recalcLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Recalculate()
		}
	}
}

// Recalculate re-probes host memory and resizes the pool and every
// sub-pool. A probe failure keeps the previous size.
func (p *Pool) Recalculate() {
	freeKB, err := p.probe()
	if err != nil {
		logging.Op().Warn("host memory probe failed, keeping pool size", "error", err)
		return
	}

	p.mu.Lock()
	newTotal := int64(math.Floor(float64(freeKB) * p.ratio))
	grew := newTotal > p.totalKB
	changed := newTotal != p.totalKB
	p.totalKB = newTotal
	if p.global == nil {
		p.global = semaphore.New(newTotal)
	} else {
		p.global.Resize(newTotal)
	}
	p.resizeSubsLocked()
	onGrow := p.onGrow
	onResize := p.onResize
	var snap Stats
	if changed && onResize != nil {
		snap = p.statsLocked()
	}
	p.mu.Unlock()

	if changed && onResize != nil {
		onResize(snap)
	}
	if grew && onGrow != nil {
		onGrow()
	}
}

// SetRatios installs or updates the per-job-type sub-pool shares. Each
// sub-pool is sized floor(total x ratio); resizing wakes fitting waiters
// in FIFO order.
func (p *Pool) SetRatios(ratios map[string]float64) {
	p.mu.Lock()
	p.ratios = make(map[string]float64, len(ratios))
	for jt, r := range ratios {
		p.ratios[jt] = r
	}
	p.resizeSubsLocked()
	onResize := p.onResize
	var snap Stats
	if onResize != nil {
		snap = p.statsLocked()
	}
	p.mu.Unlock()

	if onResize != nil {
		onResize(snap)
	}
}

func (p *Pool) resizeSubsLocked() {
	for jt, r := range p.ratios {
		size := int64(math.Floor(float64(p.totalKB) * r))
		if sub, ok := p.subs[jt]; ok {
			sub.Resize(size)
		} else {
			p.subs[jt] = semaphore.New(size)
		}
	}
	for jt := range p.subs {
		if _, ok := p.ratios[jt]; !ok {
			delete(p.subs, jt)
		}
	}
}

// TryAcquire reserves kb from the job type's sub-pool, or the global pool
// when no sub-pool exists for the type.
func (p *Pool) TryAcquire(jobType string, kb int64) bool {
	if kb <= 0 {
		return true
	}
	return p.semFor(jobType).TryAcquire(kb)
}

// Release returns kb to the job type's pool.
func (p *Pool) Release(jobType string, kb int64) {
	if kb <= 0 {
		return
	}
	p.semFor(jobType).Release(kb)
}

func (p *Pool) semFor(jobType string) *semaphore.Semaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[jobType]; ok {
		return sub
	}
	return p.global
}

// TotalKB returns the current pool size.
func (p *Pool) TotalKB() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalKB
}

// AvailableKB returns the slack for a job type's pool.
func (p *Pool) AvailableKB(jobType string) int64 {
	return p.semFor(jobType).Available()
}

// GetStats returns a snapshot of the pool and its sub-pools.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	st := Stats{
		TotalKB: p.totalKB,
		InUseKB: p.global.InUse(),
	}
	if len(p.subs) > 0 {
		st.SubPools = make(map[string]SubStats, len(p.subs))
		for jt, sub := range p.subs {
			st.SubPools[jt] = SubStats{
				AllocatedKB: sub.Max(),
				InUseKB:     sub.InUse(),
			}
			st.InUseKB += sub.InUse()
		}
	}
	return st
}
