package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TimeSeriesBucket stores job metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp   time.Time
	Jobs        int64
	Errors      int64
	TotalWaitMs int64
	Count       int64 // for calculating avg
}

// Metrics collects and exposes limiter runtime metrics
type Metrics struct {
	// Job metrics
	TotalJobs     atomic.Int64
	SucceededJobs atomic.Int64
	FailedJobs    atomic.Int64
	DelegatedJobs atomic.Int64
	RejectedJobs  atomic.Int64
	Overages      atomic.Int64

	// Queue wait metrics (in milliseconds)
	TotalWaitMs atomic.Int64
	MinWaitMs   atomic.Int64
	MaxWaitMs   atomic.Int64

	// Token accounting
	TokensConsumed atomic.Int64
	TokensRefunded atomic.Int64

	// Per-model metrics
	modelMetrics sync.Map // modelID -> *ModelMetrics

	// Time-series data (hourly buckets for last 24 hours)
	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	startTime time.Time
}

// ModelMetrics tracks metrics for a single model
type ModelMetrics struct {
	Jobs        atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	Delegations atomic.Int64
	Overages    atomic.Int64
	TotalWaitMs atomic.Int64
	MinWaitMs   atomic.Int64
	MaxWaitMs   atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinWaitMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.initTimeSeries()
}

// initTimeSeries initializes time series buckets for the last 24 hours
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)
	m.timeSeries = make([]*TimeSeriesBucket, 24)
	for i := 0; i < 24; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-23) * time.Hour),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordJob records a completed job attempt on a model.
func (m *Metrics) RecordJob(modelID, jobType string, waitMs int64, status string) {
	m.TotalJobs.Add(1)

	success := status == "done"
	switch status {
	case "done":
		m.SucceededJobs.Add(1)
	case "delegated":
		m.DelegatedJobs.Add(1)
	default:
		m.FailedJobs.Add(1)
	}

	m.TotalWaitMs.Add(waitMs)
	updateMin(&m.MinWaitMs, waitMs)
	updateMax(&m.MaxWaitMs, waitMs)

	// Per-model metrics
	mm := m.getModelMetrics(modelID)
	mm.Jobs.Add(1)
	switch status {
	case "done":
		mm.Successes.Add(1)
	case "delegated":
		mm.Delegations.Add(1)
	default:
		mm.Failures.Add(1)
	}
	mm.TotalWaitMs.Add(waitMs)
	updateMin(&mm.MinWaitMs, waitMs)
	updateMax(&mm.MaxWaitMs, waitMs)

	// Time series recording
	m.recordTimeSeries(waitMs, !success && status != "delegated")

	// Prometheus bridge
	RecordPrometheusJob(modelID, jobType, waitMs, status)
}

// RecordRejection records a job rejected without admission.
func (m *Metrics) RecordRejection(modelID, reason string) {
	m.RejectedJobs.Add(1)
	RecordPrometheusRejection(modelID, reason)
}

// RecordOverage records actual usage exceeding the estimate.
func (m *Metrics) RecordOverage(modelID, resource string, overage int64) {
	m.Overages.Add(1)
	m.getModelMetrics(modelID).Overages.Add(1)
	RecordPrometheusOverage(modelID, resource, overage)
}

// RecordTokens records consumed and refunded token counts.
func (m *Metrics) RecordTokens(consumed, refunded int64) {
	m.TokensConsumed.Add(consumed)
	m.TokensRefunded.Add(refunded)
}

// recordTimeSeries adds a job to the current time bucket
func (m *Metrics) recordTimeSeries(waitMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		hoursDiff := int(now.Sub(lastBucket.Timestamp).Hours())

		if hoursDiff > 0 {
			// Rotate buckets
			if hoursDiff >= 24 {
				// Reset all buckets
				m.timeSeries = make([]*TimeSeriesBucket, 24)
				for i := 0; i < 24; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-23) * time.Hour),
					}
				}
			} else {
				// Shift and add new buckets
				m.timeSeries = m.timeSeries[hoursDiff:]
				for i := 0; i < hoursDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * time.Hour),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Jobs++
		bucket.TotalWaitMs += waitMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getModelMetrics(modelID string) *ModelMetrics {
	if v, ok := m.modelMetrics.Load(modelID); ok {
		return v.(*ModelMetrics)
	}

	mm := &ModelMetrics{}
	mm.MinWaitMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.modelMetrics.LoadOrStore(modelID, mm)
	return actual.(*ModelMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalJobs.Load()
	avgWait := float64(0)
	if total > 0 {
		avgWait = float64(m.TotalWaitMs.Load()) / float64(total)
	}

	minWait := m.MinWaitMs.Load()
	if minWait == int64(^uint64(0)>>1) {
		minWait = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"jobs": map[string]interface{}{
			"total":     total,
			"succeeded": m.SucceededJobs.Load(),
			"failed":    m.FailedJobs.Load(),
			"delegated": m.DelegatedJobs.Load(),
			"rejected":  m.RejectedJobs.Load(),
			"overages":  m.Overages.Load(),
		},
		"queue_wait_ms": map[string]interface{}{
			"avg": avgWait,
			"min": minWait,
			"max": m.MaxWaitMs.Load(),
		},
		"tokens": map[string]interface{}{
			"consumed": m.TokensConsumed.Load(),
			"refunded": m.TokensRefunded.Load(),
		},
	}

	return result
}

// ModelStats returns per-model metrics
func (m *Metrics) ModelStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.modelMetrics.Range(func(key, value interface{}) bool {
		modelID := key.(string)
		mm := value.(*ModelMetrics)

		total := mm.Jobs.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(mm.TotalWaitMs.Load()) / float64(total)
		}

		minMs := mm.MinWaitMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[modelID] = map[string]interface{}{
			"jobs":        total,
			"successes":   mm.Successes.Load(),
			"failures":    mm.Failures.Load(),
			"delegations": mm.Delegations.Load(),
			"overages":    mm.Overages.Load(),
			"avg_wait_ms": avgMs,
			"min_wait_ms": minMs,
			"max_wait_ms": mm.MaxWaitMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["models"] = m.ModelStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns the time-series data for the last 24 hours
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgWait := float64(0)
		if bucket.Count > 0 {
			avgWait = float64(bucket.TotalWaitMs) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":   bucket.Timestamp.Format(time.RFC3339),
			"jobs":        bucket.Jobs,
			"errors":      bucket.Errors,
			"avg_wait_ms": avgWait,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
