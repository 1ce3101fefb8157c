package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for limiter metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	jobsTotal        *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	delegationsTotal *prometheus.CounterVec
	overagesTotal    *prometheus.CounterVec
	overageTokens    *prometheus.CounterVec
	ratioAdjustments *prometheus.CounterVec

	// Histograms
	queueWaitDuration *prometheus.HistogramVec
	jobDuration       *prometheus.HistogramVec

	// Gauges
	uptime           prometheus.GaugeFunc
	activeJobs       prometheus.Gauge
	modelQueueDepth  *prometheus.GaugeVec
	modelConcurrency *prometheus.GaugeVec
	windowRemaining  *prometheus.GaugeVec
	jobTypeSlots     *prometheus.GaugeVec
	jobTypeRatio     *prometheus.GaugeVec
	memoryPoolKB     *prometheus.GaugeVec
	clusterInstances prometheus.Gauge
}

// Default histogram buckets for queue wait duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of job attempts by model, job type and status",
			},
			[]string{"model", "job_type", "status"},
		),

		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Jobs rejected without admission, by reason",
			},
			[]string{"model", "reason"},
		),

		delegationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegations_total",
				Help:      "Jobs delegated from one model to the next in the escalation chain",
			},
			[]string{"from_model", "to_model"},
		),

		overagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overages_total",
				Help:      "Reservations whose actual usage exceeded the estimate",
			},
			[]string{"model", "resource"},
		),

		overageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_units_total",
				Help:      "Cumulative units consumed beyond reservation estimates",
			},
			[]string{"model", "resource"},
		),

		ratioAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratio_adjustments_total",
				Help:      "Dynamic job-type ratio adjustments by direction",
			},
			[]string{"job_type", "direction"},
		),

		queueWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Time jobs spent waiting for capacity in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model", "job_type"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_milliseconds",
				Help:      "Duration of job execution in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model", "job_type"},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of jobs currently inside the limiter",
			},
		),

		modelQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_queue_depth",
				Help:      "Jobs parked waiting for capacity per model",
			},
			[]string{"model"},
		),

		modelConcurrency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_concurrency",
				Help:      "Concurrency slots by model and state",
			},
			[]string{"model", "state"},
		),

		windowRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_remaining",
				Help:      "Remaining capacity in the active time window per model and dimension",
			},
			[]string{"model", "dimension"},
		),

		jobTypeSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_type_slots",
				Help:      "Job-type slots by state (total, used)",
			},
			[]string{"job_type", "state"},
		),

		jobTypeRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_type_ratio",
				Help:      "Current capacity ratio assigned to each job type",
			},
			[]string{"job_type"},
		),

		memoryPoolKB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_pool_kilobytes",
				Help:      "Memory pool size by job type and state",
			},
			[]string{"job_type", "state"},
		),

		clusterInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_instances",
				Help:      "Instances registered with the centralized allocator",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the limiter started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.jobsTotal,
		pm.rejectionsTotal,
		pm.delegationsTotal,
		pm.overagesTotal,
		pm.overageTokens,
		pm.ratioAdjustments,
		pm.queueWaitDuration,
		pm.jobDuration,
		pm.uptime,
		pm.activeJobs,
		pm.modelQueueDepth,
		pm.modelConcurrency,
		pm.windowRemaining,
		pm.jobTypeSlots,
		pm.jobTypeRatio,
		pm.memoryPoolKB,
		pm.clusterInstances,
	)

	promMetrics = pm
}

// RecordPrometheusJob records a completed job attempt in Prometheus collectors
func RecordPrometheusJob(modelID, jobType string, waitMs int64, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsTotal.WithLabelValues(modelID, jobType, status).Inc()
	promMetrics.queueWaitDuration.WithLabelValues(modelID, jobType).Observe(float64(waitMs))
}

// RecordPrometheusRejection records a rejected job in Prometheus
func RecordPrometheusRejection(modelID, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rejectionsTotal.WithLabelValues(modelID, reason).Inc()
}

// RecordPrometheusDelegation records a job moving down the escalation chain
func RecordPrometheusDelegation(fromModel, toModel string) {
	if promMetrics == nil {
		return
	}
	promMetrics.delegationsTotal.WithLabelValues(fromModel, toModel).Inc()
}

// RecordPrometheusOverage records actual usage exceeding the estimate
func RecordPrometheusOverage(modelID, resource string, overage int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.overagesTotal.WithLabelValues(modelID, resource).Inc()
	promMetrics.overageTokens.WithLabelValues(modelID, resource).Add(float64(overage))
}

// RecordRatioAdjustment records a dynamic ratio change for a job type
func RecordRatioAdjustment(jobType, direction string) {
	if promMetrics == nil {
		return
	}
	promMetrics.ratioAdjustments.WithLabelValues(jobType, direction).Inc()
}

// RecordJobDuration records job execution time in Prometheus
func RecordJobDuration(modelID, jobType string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobDuration.WithLabelValues(modelID, jobType).Observe(float64(durationMs))
}

// SetActiveJobs sets the in-flight job gauge
func SetActiveJobs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeJobs.Set(float64(count))
}

// SetModelQueueDepth sets the parked-waiter gauge for a model
func SetModelQueueDepth(modelID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.modelQueueDepth.WithLabelValues(modelID).Set(float64(depth))
}

// SetModelConcurrency sets the concurrency gauges for a model
func SetModelConcurrency(modelID string, max, active int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.modelConcurrency.WithLabelValues(modelID, "max").Set(float64(max))
	promMetrics.modelConcurrency.WithLabelValues(modelID, "active").Set(float64(active))
}

// SetWindowRemaining sets the remaining-capacity gauge for one dimension
func SetWindowRemaining(modelID, dimension string, remaining int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.windowRemaining.WithLabelValues(modelID, dimension).Set(float64(remaining))
}

// SetJobTypeSlots sets the slot gauges for a job type
func SetJobTypeSlots(jobType string, total, used int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobTypeSlots.WithLabelValues(jobType, "total").Set(float64(total))
	promMetrics.jobTypeSlots.WithLabelValues(jobType, "used").Set(float64(used))
}

// SetJobTypeRatio sets the ratio gauge for a job type
func SetJobTypeRatio(jobType string, ratio float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobTypeRatio.WithLabelValues(jobType).Set(ratio)
}

// SetMemoryPoolKB sets memory pool gauges for a job type
func SetMemoryPoolKB(jobType string, totalKB, availableKB int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryPoolKB.WithLabelValues(jobType, "total").Set(float64(totalKB))
	promMetrics.memoryPoolKB.WithLabelValues(jobType, "available").Set(float64(availableKB))
}

// SetClusterInstances sets the registered-instance gauge
func SetClusterInstances(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.clusterInstances.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
