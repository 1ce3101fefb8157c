// Package llmgate is a multi-dimensional rate limiter for LLM backends.
// It admits jobs against per-model time-window budgets (tokens and
// requests per minute and per day), concurrency and memory limits, and a
// slot pool shared between job types, escalating each job across an
// ordered list of models until one can serve it.
package llmgate

import (
	"context"
	"sync"
	"time"

	"github.com/llmgate/llmgate/internal/activejobs"
	"github.com/llmgate/llmgate/internal/availability"
	"github.com/llmgate/llmgate/internal/cost"
	"github.com/llmgate/llmgate/internal/jobtypes"
	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/memorypool"
	"github.com/llmgate/llmgate/internal/metrics"
	"github.com/llmgate/llmgate/internal/modellimiter"
	"github.com/llmgate/llmgate/internal/notify"
)

// OverageEvent reports actual usage exceeding the reservation estimate.
type OverageEvent struct {
	ModelID   string    `json:"model_id"`
	Resource  string    `json:"resource"`
	Estimated int64     `json:"estimated"`
	Actual    int64     `json:"actual"`
	Overage   int64     `json:"overage"`
	Timestamp time.Time `json:"timestamp"`
}

// AvailabilityChange is a coalesced capacity-change event.
type AvailabilityChange struct {
	ModelID    string  `json:"model_id"`
	Reason     string  `json:"reason"`
	Value      int64   `json:"value"`
	Adjustment float64 `json:"adjustment,omitempty"`
}

const heartbeatInterval = 5 * time.Second

// Limiter is the top-level orchestrator: one instance per process,
// holding the per-model limiters, the job-type slot manager, the shared
// memory pool and the optional cluster backend.
type Limiter struct {
	cfg        *Config
	instanceID string
	order      []string

	models   map[string]*modellimiter.Limiter
	jobTypes *jobtypes.Manager
	memPool  *memorypool.Pool
	active   *activejobs.Tracker
	avail    *availability.Tracker
	notifier *notify.ChannelNotifier
	pricing  map[string]cost.Pricing

	backend Backend

	onOverage      func(OverageEvent)
	onAvailability func(AvailabilityChange)

	allocMu     sync.Mutex
	alloc       *AllocationInfo
	unsubscribe func()

	memProbe func() (int64, error)

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tweaks limiter construction.
type Option func(*Limiter)

// WithBackend attaches a centralized pool allocator.
func WithBackend(b Backend) Option {
	return func(l *Limiter) { l.backend = b }
}

// WithInstanceID overrides the generated instance identifier.
func WithInstanceID(id string) Option {
	return func(l *Limiter) { l.instanceID = id }
}

// WithOverageCallback registers the overage event sink.
func WithOverageCallback(fn func(OverageEvent)) Option {
	return func(l *Limiter) { l.onOverage = fn }
}

// WithAvailabilityCallback registers the availability-change sink.
func WithAvailabilityCallback(fn func(AvailabilityChange)) Option {
	return func(l *Limiter) { l.onAvailability = fn }
}

// WithMemoryProbe overrides the host free-memory probe. Tests use it to
// drive the memory pool deterministically.
func WithMemoryProbe(probe func() (int64, error)) Option {
	return func(l *Limiter) { l.memProbe = probe }
}

// New builds a limiter from the configuration. Configuration errors are
// returned synchronously; nothing starts running until Start.
func New(cfg *Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:      cfg,
		order:    cfg.Order(),
		models:   make(map[string]*modellimiter.Limiter, len(cfg.Models)),
		active:   activejobs.New(),
		notifier: notify.NewChannelNotifier(),
		pricing:  make(map[string]cost.Pricing, len(cfg.Models)),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.instanceID == "" {
		l.instanceID = NewInstanceID()
	}
	if l.backend != nil {
		l.backend = newFallbackBackend(l.backend, backendProbeInterval)
	}
	l.avail = availability.New(func(c availability.Change) {
		if l.onAvailability != nil {
			l.onAvailability(AvailabilityChange{
				ModelID:    c.ModelID,
				Reason:     string(c.Reason),
				Value:      c.Value,
				Adjustment: c.Adjustment,
			})
		}
	})

	if err := l.buildMemoryPool(); err != nil {
		return nil, err
	}
	if err := l.buildJobTypes(); err != nil {
		return nil, err
	}
	l.buildModels()
	l.applyStaticPools()

	return l, nil
}

func (l *Limiter) buildMemoryPool() error {
	needed := l.cfg.Memory != nil
	for _, est := range l.cfg.ResourceEstimationsPerJob {
		if est.EstimatedUsedMemoryKB > 0 {
			needed = true
		}
	}
	if !needed {
		return nil
	}

	mc := memorypool.Config{}
	if l.cfg.Memory != nil {
		mc.FreeMemoryRatio = l.cfg.Memory.FreeMemoryRatio
		mc.RecalcInterval = time.Duration(l.cfg.Memory.RecalculationIntervalMs) * time.Millisecond
	}
	l.memPool = memorypool.New(mc, l.memProbe)
	l.memPool.SetOnGrow(func() {
		for _, m := range l.models {
			m.NotifyCapacityAvailable()
		}
		l.notifier.Notify(context.Background(), notify.TopicSlots)
	})
	l.memPool.SetOnResize(func(st memorypool.Stats) {
		for id := range l.models {
			l.avail.Update(id, availability.ReasonMemory, st.TotalKB-st.InUseKB)
		}
		for jt, sub := range st.SubPools {
			metrics.SetMemoryPoolKB(jt, sub.AllocatedKB, sub.AllocatedKB-sub.InUseKB)
		}
	})
	return nil
}

func (l *Limiter) buildJobTypes() error {
	cfgs := make([]jobtypes.Config, 0, len(l.cfg.ResourceEstimationsPerJob))
	for id, est := range l.cfg.ResourceEstimationsPerJob {
		jc := jobtypes.Config{
			ID:                id,
			EstimatedTokens:   est.EstimatedUsedTokens,
			EstimatedRequests: est.EstimatedNumberOfRequests,
			EstimatedMemoryKB: est.EstimatedUsedMemoryKB,
			Flexible:          true,
		}
		if est.Ratio != nil {
			jc.InitialRatio = est.Ratio.InitialValue
			if est.Ratio.Flexible != nil {
				jc.Flexible = *est.Ratio.Flexible
			}
		}
		cfgs = append(cfgs, jc)
	}

	adjust := jobtypes.AdjustConfig{}
	if ra := l.cfg.RatioAdjustment; ra != nil {
		adjust = jobtypes.AdjustConfig{
			Interval:              ra.AdjustmentInterval(),
			ReleasesPerAdjustment: ra.ReleasesPerAdjustment,
			HighLoadThreshold:     ra.HighLoadThreshold,
			LowLoadThreshold:      ra.LowLoadThreshold,
			MaxAdjustment:         ra.MaxAdjustment,
			MinRatio:              ra.MinRatio,
		}
	}

	jm, err := jobtypes.New(cfgs, adjust)
	if err != nil {
		return &ConfigError{Field: "resourceEstimationsPerJob", Reason: err.Error()}
	}
	l.jobTypes = jm

	jm.SetOnCapacityChange(func() {
		l.notifier.Notify(context.Background(), notify.TopicSlots)
		for id, ts := range jm.GetStats() {
			metrics.SetJobTypeSlots(id, ts.AllocatedSlots, ts.InFlight)
		}
	})
	// Effective ratios include the even shares handed to types with no
	// configured ratio, so every type gets a memory sub-pool.
	var ratioMu sync.Mutex
	prevRatios := jm.Ratios()
	jm.SetOnRatiosChange(func(ratios map[string]float64) {
		if l.memPool != nil {
			l.memPool.SetRatios(ratios)
		}
		stats := jm.GetStats()
		ratioMu.Lock()
		defer ratioMu.Unlock()
		for id, r := range ratios {
			metrics.SetJobTypeRatio(id, r)
			delta := r - prevRatios[id]
			prevRatios[id] = r
			if delta == 0 {
				continue
			}
			direction := "up"
			if delta < 0 {
				direction = "down"
			}
			metrics.RecordRatioAdjustment(id, direction)
			l.avail.UpdateWithAdjustment(id, availability.ReasonAdjustment,
				stats[id].AllocatedSlots, delta)
		}
	})
	if l.memPool != nil {
		jm.SetMemoryProvider(l.memPool.TotalKB)
		l.memPool.SetRatios(jm.Ratios())
	}
	return nil
}

func (l *Limiter) buildModels() {
	for id, limits := range l.cfg.Models {
		id := id
		opts := []modellimiter.Option{
			modellimiter.WithOverageCallback(func(ev modellimiter.OverageEvent) {
				metrics.Global().RecordOverage(ev.ModelID, ev.Resource, ev.Overage)
				if l.onOverage != nil {
					l.onOverage(OverageEvent{
						ModelID:   ev.ModelID,
						Resource:  ev.Resource,
						Estimated: ev.Estimated,
						Actual:    ev.Actual,
						Overage:   ev.Overage,
						Timestamp: ev.Timestamp,
					})
				}
			}),
			modellimiter.WithReleaseCallback(func() {
				l.publishModelAvailability(id)
			}),
		}
		if l.memPool != nil {
			opts = append(opts, modellimiter.WithMemoryPool(l.memPool))
		}
		l.models[id] = modellimiter.New(id, modellimiter.Limits{
			TokensPerMinute:   limits.TokensPerMinute,
			RequestsPerMinute: limits.RequestsPerMinute,
			TokensPerDay:      limits.TokensPerDay,
			RequestsPerDay:    limits.RequestsPerDay,
			MaxConcurrent:     limits.MaxConcurrentRequests,
			MaxMemoryKB:       limits.MaxCapacityKB,
		}, opts...)
		l.pricing[id] = cost.Pricing{
			Input:  limits.Pricing.Input,
			Cached: limits.Pricing.Cached,
			Output: limits.Pricing.Output,
		}
	}
}

// applyStaticPools seeds the job-type manager from the static model
// limits. A backend allocation overwrites these on Start.
func (l *Limiter) applyStaticPools() {
	for id, limits := range l.cfg.Models {
		l.jobTypes.SetModelPool(id, jobtypes.ModelPool{
			TokensPerMinute:   limits.TokensPerMinute,
			RequestsPerMinute: limits.RequestsPerMinute,
			TokensPerDay:      limits.TokensPerDay,
			RequestsPerDay:    limits.RequestsPerDay,
		})
	}
	l.jobTypes.SetTotalCapacity(l.localTotalSlots())
}

// localTotalSlots derives the standalone slot budget: per model, the
// limiting dimension divided by the mean job-type estimate for that
// dimension, summed across models. Concurrency counts one slot per unit.
func (l *Limiter) localTotalSlots() int64 {
	if l.cfg.TotalSlots > 0 {
		return l.cfg.TotalSlots
	}

	avgTokens, avgRequests := l.avgEstimates()
	var total int64
	bounded := false
	for _, limits := range l.cfg.Models {
		slots := availability.DeriveSlots([]availability.Dimension{
			{Available: limits.TokensPerMinute, Estimate: boolEstimate(limits.TokensPerMinute, avgTokens)},
			{Available: limits.TokensPerDay, Estimate: boolEstimate(limits.TokensPerDay, avgTokens)},
			{Available: limits.RequestsPerMinute, Estimate: boolEstimate(limits.RequestsPerMinute, avgRequests)},
			{Available: limits.RequestsPerDay, Estimate: boolEstimate(limits.RequestsPerDay, avgRequests)},
			{Available: limits.MaxConcurrentRequests, Estimate: boolEstimate(limits.MaxConcurrentRequests, 1)},
		})
		if slots >= 0 {
			total += slots
			bounded = true
		}
	}
	if !bounded {
		return defaultUnboundedSlots
	}
	return total
}

const defaultUnboundedSlots = 1 << 20

func boolEstimate(limit, estimate int64) int64 {
	if limit <= 0 {
		return 0
	}
	return estimate
}

func (l *Limiter) avgEstimates() (tokens, requests int64) {
	var tokSum, tokN, reqSum, reqN int64
	for _, est := range l.cfg.ResourceEstimationsPerJob {
		if est.EstimatedUsedTokens > 0 {
			tokSum += est.EstimatedUsedTokens
			tokN++
		}
		if est.EstimatedNumberOfRequests > 0 {
			reqSum += est.EstimatedNumberOfRequests
			reqN++
		}
	}
	if tokN > 0 {
		tokens = tokSum / tokN
	}
	if reqN > 0 {
		requests = reqSum / reqN
	}
	return
}

// Start registers with the backend (when configured) and launches the
// periodic tasks: memory recalculation, ratio adjustment, heartbeats.
func (l *Limiter) Start(ctx context.Context) error {
	if l.started {
		return nil
	}

	if l.backend != nil {
		alloc, err := l.backend.Register(ctx, l.instanceID)
		if err != nil {
			return err
		}
		l.applyAllocation(alloc)

		unsub, err := l.backend.Subscribe(ctx, l.instanceID, l.applyAllocation)
		if err != nil {
			_ = l.backend.Unregister(ctx, l.instanceID)
			return err
		}
		l.unsubscribe = unsub

		l.wg.Add(1)
		go l.heartbeatLoop()
	}

	if l.memPool != nil {
		l.memPool.Start()
	}
	l.jobTypes.Start()
	l.started = true

	logging.Op().Info("limiter started",
		"instance", l.instanceID,
		"models", len(l.models),
		"job_types", len(l.cfg.ResourceEstimationsPerJob),
		"backend", l.backend != nil)
	return nil
}

// Stop halts periodic tasks and deregisters from the backend. In-flight
// jobs finish; new submissions fail with ErrStopped.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()

		if l.unsubscribe != nil {
			l.unsubscribe()
		}
		if l.backend != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.backend.Unregister(ctx, l.instanceID); err != nil {
				logging.Op().Warn("backend unregister failed", "error", err)
			}
		}
		l.jobTypes.Stop()
		if l.memPool != nil {
			l.memPool.Stop()
		}
		for _, m := range l.models {
			m.Stop()
		}
		l.notifier.Close()
		logging.Op().Info("limiter stopped", "instance", l.instanceID)
	})
}

func (l *Limiter) heartbeatLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval)
			if err := l.backend.Heartbeat(ctx, l.instanceID); err != nil {
				logging.Op().Warn("heartbeat failed", "instance", l.instanceID, "error", err)
			}
			cancel()
		}
	}
}

func (l *Limiter) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// publishModelAvailability pushes a model's remaining capacities through
// the coalescing tracker after a release.
func (l *Limiter) publishModelAvailability(modelID string) {
	m, ok := l.models[modelID]
	if !ok {
		return
	}
	tokensMin, reqMin, tokensDay, reqDay, concurrency := m.Remaining()
	for reason, v := range map[availability.Reason]int64{
		availability.ReasonTokensMinute:   tokensMin,
		availability.ReasonRequestsMinute: reqMin,
		availability.ReasonTokensDay:      tokensDay,
		availability.ReasonRequestsDay:    reqDay,
		availability.ReasonConcurrency:    concurrency,
	} {
		if v >= 0 {
			l.avail.Update(modelID, reason, v)
		}
	}

	if l.memPool != nil {
		ms := l.memPool.GetStats()
		l.avail.Update(modelID, availability.ReasonMemory, ms.TotalKB-ms.InUseKB)
	}

	est := l.avgEstimateForModel()
	slots := availability.DeriveSlots([]availability.Dimension{
		{Available: tokensMin, Estimate: activeEstimate(tokensMin, est.tokens)},
		{Available: tokensDay, Estimate: activeEstimate(tokensDay, est.tokens)},
		{Available: reqMin, Estimate: activeEstimate(reqMin, est.requests)},
		{Available: reqDay, Estimate: activeEstimate(reqDay, est.requests)},
		{Available: concurrency, Estimate: activeEstimate(concurrency, 1)},
	})
	if slots >= 0 {
		l.avail.Update(modelID, availability.ReasonSlots, slots)
	}

	metrics.SetWindowRemaining(modelID, "tokens_minute", tokensMin)
	metrics.SetWindowRemaining(modelID, "requests_minute", reqMin)
	metrics.SetModelQueueDepth(modelID, m.QueueDepth())
	if st := m.GetStats(); st.Concurrency != nil {
		metrics.SetModelConcurrency(modelID, st.Concurrency.Max, st.Concurrency.Active)
	}
}

type avgEstimate struct {
	tokens   int64
	requests int64
}

func (l *Limiter) avgEstimateForModel() avgEstimate {
	t, r := l.avgEstimates()
	return avgEstimate{tokens: t, requests: r}
}

func activeEstimate(available, estimate int64) int64 {
	if available < 0 {
		return 0
	}
	return estimate
}

// estimateFor translates a job type's configured estimates.
func (l *Limiter) estimateFor(jobType string) (modellimiter.Estimate, bool) {
	est, ok := l.cfg.ResourceEstimationsPerJob[jobType]
	if !ok {
		return modellimiter.Estimate{}, false
	}
	return modellimiter.Estimate{
		Tokens:   est.EstimatedUsedTokens,
		Requests: est.EstimatedNumberOfRequests,
		MemoryKB: est.EstimatedUsedMemoryKB,
	}, true
}
