package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker pool metrics
	FilesTaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_files_tagged_total",
			Help: "Total number of library files tagged successfully",
		},
	)

	FilesToxicTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_files_toxic_total",
			Help: "Total number of files excluded as toxic",
		},
	)

	ClaimsAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_claims_acquired_total",
			Help: "Total number of claim leases acquired by workers",
		},
	)

	ClaimsContendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_claims_contended_total",
			Help: "Total number of claim races lost (duplicate key on insert)",
		},
	)

	ClaimsSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nomarr_claims_swept_total",
			Help: "Total number of orphaned claims removed by the sweeper, by reason",
		},
		[]string{"reason"},
	)

	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nomarr_pipeline_duration_seconds",
			Help:    "Time spent processing one file through the tagging pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Supervision metrics
	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nomarr_workers_total",
			Help: "Number of worker components by status",
		},
		[]string{"status"},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_worker_restarts_total",
			Help: "Total number of worker restarts scheduled by the supervisor",
		},
	)

	WorkerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nomarr_worker_failures_total",
			Help: "Total number of workers marked permanently failed, by reason",
		},
		[]string{"reason"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_heartbeats_total",
			Help: "Total number of heartbeat frames received by the health monitor",
		},
	)

	// State broker metrics
	BrokerEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_broker_events_total",
			Help: "Total number of change events emitted by the state broker",
		},
	)

	BrokerDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nomarr_broker_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)

	BrokerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nomarr_broker_subscribers",
			Help: "Current number of state broker subscribers",
		},
	)

	// Calibration metrics
	CalibrationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nomarr_calibration_runs_total",
			Help: "Total number of calibration runs by operation",
		},
		[]string{"operation"},
	)

	CalibrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nomarr_calibration_duration_seconds",
			Help:    "Calibration run duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CalibrationLabels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nomarr_calibration_labels",
			Help: "Number of (model, head, label) calibrations currently persisted",
		},
	)

	// Sweeper metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nomarr_sweep_duration_seconds",
			Help:    "Claim sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Registry is the prometheus registry for all nomarr metrics
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		FilesTaggedTotal,
		FilesToxicTotal,
		ClaimsAcquiredTotal,
		ClaimsContendedTotal,
		ClaimsSweptTotal,
		PipelineDuration,
		WorkersByStatus,
		WorkerRestartsTotal,
		WorkerFailuresTotal,
		HeartbeatsTotal,
		BrokerEventsTotal,
		BrokerDroppedTotal,
		BrokerSubscribers,
		CalibrationRunsTotal,
		CalibrationDuration,
		CalibrationLabels,
		SweepDuration,
	)
}

// Handler returns an HTTP handler serving the nomarr metrics registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
