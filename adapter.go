package llmgate

import (
	"context"

	"github.com/llmgate/llmgate/internal/availability"
	"github.com/llmgate/llmgate/internal/jobtypes"
	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/metrics"
	"github.com/llmgate/llmgate/internal/modellimiter"
	"github.com/llmgate/llmgate/internal/notify"
)

// applyAllocation pushes a backend allocation into the local limiters:
// per-instance rate limits onto each model, per-model pools and the
// summed slot total onto the job-type manager, then a capacity broadcast
// so parked waiters retry against the new budget.
func (l *Limiter) applyAllocation(alloc *AllocationInfo) {
	if alloc == nil {
		return
	}

	var totalSlots int64
	for modelID, pool := range alloc.Pools {
		m, ok := l.models[modelID]
		if !ok {
			logging.Op().Warn("allocation names unknown model, skipping", "model", modelID)
			continue
		}

		tpm, rpm := pool.TokensPerMinute, pool.RequestsPerMinute
		tpd, rpd := pool.TokensPerDay, pool.RequestsPerDay
		m.SetRateLimits(modellimiter.RateLimitUpdate{
			TokensPerMinute:   &tpm,
			RequestsPerMinute: &rpm,
			TokensPerDay:      &tpd,
			RequestsPerDay:    &rpd,
		})

		l.jobTypes.SetModelPool(modelID, jobtypes.ModelPool{
			TotalSlots:        pool.TotalSlots,
			TokensPerMinute:   pool.TokensPerMinute,
			RequestsPerMinute: pool.RequestsPerMinute,
			TokensPerDay:      pool.TokensPerDay,
			RequestsPerDay:    pool.RequestsPerDay,
		})
		totalSlots += pool.TotalSlots

		l.avail.Update(modelID, availability.ReasonDistributed, pool.TotalSlots)
	}
	if totalSlots > 0 {
		l.jobTypes.SetTotalCapacity(totalSlots)
	}

	l.allocMu.Lock()
	l.alloc = alloc
	l.allocMu.Unlock()

	for _, m := range l.models {
		m.NotifyCapacityAvailable()
	}
	l.notifier.Notify(context.Background(), notify.TopicSlots)

	metrics.SetClusterInstances(int(alloc.InstanceCount))
	logging.Op().Info("allocation applied",
		"instance", l.instanceID,
		"instance_count", alloc.InstanceCount,
		"total_slots", totalSlots)
}

// GetAllocation returns the last allocation received from the backend,
// or nil when running standalone.
func (l *Limiter) GetAllocation() *AllocationInfo {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	if l.alloc == nil {
		return nil
	}
	cp := *l.alloc
	cp.Pools = make(map[string]ModelPool, len(l.alloc.Pools))
	for k, v := range l.alloc.Pools {
		cp.Pools[k] = v
	}
	return &cp
}
