// Package activejobs maintains in-memory state for jobs currently inside
// the limiter: which job type they carry, which models have been attempted
// and which model is serving them now. It backs the GetActiveJobs
// introspection surface.
package activejobs

import (
	"sync"
	"time"
)

// Info describes one in-flight job.
type Info struct {
	JobID        string    `json:"job_id"`
	JobType      string    `json:"job_type"`
	CurrentModel string    `json:"current_model,omitempty"`
	Attempted    []string  `json:"attempted,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Tracker tracks in-flight jobs.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Info
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{jobs: make(map[string]*Info)}
}

// Add registers a job entering the limiter.
func (t *Tracker) Add(jobID, jobType string) {
	t.mu.Lock()
	t.jobs[jobID] = &Info{
		JobID:     jobID,
		JobType:   jobType,
		StartedAt: time.Now(),
	}
	t.mu.Unlock()
}

// SetModel records the model a job is being attempted on.
func (t *Tracker) SetModel(jobID, modelID string) {
	t.mu.Lock()
	if j, ok := t.jobs[jobID]; ok {
		j.CurrentModel = modelID
		j.Attempted = append(j.Attempted, modelID)
	}
	t.mu.Unlock()
}

// Remove drops a finished job.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

// Get returns a copy of one job's state.
func (t *Tracker) Get(jobID string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return Info{}, false
	}
	return copyInfo(j), true
}

// List returns a copy of every in-flight job.
func (t *Tracker) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, copyInfo(j))
	}
	return out
}

// Len returns the number of in-flight jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func copyInfo(j *Info) Info {
	cp := *j
	cp.Attempted = append([]string(nil), j.Attempted...)
	return cp
}
