package llmgate

import (
	"github.com/llmgate/llmgate/internal/activejobs"
	"github.com/llmgate/llmgate/internal/jobtypes"
	"github.com/llmgate/llmgate/internal/memorypool"
	"github.com/llmgate/llmgate/internal/modellimiter"
)

// Stats is the full limiter snapshot.
type Stats struct {
	InstanceID string                         `json:"instance_id"`
	Models     map[string]modellimiter.Stats  `json:"models"`
	Memory     *memorypool.Stats              `json:"memory,omitempty"`
	JobTypes   map[string]jobtypes.TypeStats  `json:"job_types,omitempty"`
	TotalSlots int64                          `json:"total_slots"`
	ActiveJobs int                            `json:"active_jobs"`
}

// ActiveJobInfo describes one in-flight job.
type ActiveJobInfo = activejobs.Info

// GetStats returns a snapshot across every model, the memory pool and
// the job-type manager.
func (l *Limiter) GetStats() Stats {
	st := Stats{
		InstanceID: l.instanceID,
		Models:     make(map[string]modellimiter.Stats, len(l.models)),
		JobTypes:   l.jobTypes.GetStats(),
		TotalSlots: l.jobTypes.TotalSlots(),
		ActiveJobs: l.active.Len(),
	}
	for id, m := range l.models {
		st.Models[id] = m.GetStats()
	}
	if l.memPool != nil {
		mp := l.memPool.GetStats()
		st.Memory = &mp
	}
	return st
}

// GetModelStats returns one model's snapshot.
func (l *Limiter) GetModelStats(modelID string) (modellimiter.Stats, bool) {
	m, ok := l.models[modelID]
	if !ok {
		return modellimiter.Stats{}, false
	}
	return m.GetStats(), true
}

// HasCapacity reports whether any model could admit any configured job
// type right now.
func (l *Limiter) HasCapacity() bool {
	for jobType := range l.cfg.ResourceEstimationsPerJob {
		if l.HasCapacityForJobType(jobType) {
			return true
		}
	}
	return false
}

// HasCapacityForModel reports whether the model could admit at least one
// configured job type.
func (l *Limiter) HasCapacityForModel(modelID string) bool {
	m, ok := l.models[modelID]
	if !ok {
		return false
	}
	for jobType := range l.cfg.ResourceEstimationsPerJob {
		est, _ := l.estimateFor(jobType)
		if m.HasCapacity(jobType, est) {
			return true
		}
	}
	return false
}

// HasCapacityForJobType reports whether a slot and at least one model are
// available for the job type.
func (l *Limiter) HasCapacityForJobType(jobType string) bool {
	if !l.jobTypes.HasCapacity(jobType) {
		return false
	}
	est, ok := l.estimateFor(jobType)
	if !ok {
		return false
	}
	for modelID, m := range l.models {
		if !l.jobTypes.HasModelCapacity(jobType, modelID) {
			continue
		}
		if m.HasCapacity(jobType, est) {
			return true
		}
	}
	return false
}

// GetActiveJobs returns the jobs currently inside the limiter.
func (l *Limiter) GetActiveJobs() []ActiveJobInfo {
	return l.active.List()
}

// GetInstanceID returns this limiter's cluster identity.
func (l *Limiter) GetInstanceID() string {
	return l.instanceID
}
