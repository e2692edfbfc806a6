package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loader metrics
	LoaderJobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_jobs_counter",
			Help: "Counts jobs per job status",
		},
		[]string{"status"},
	)

	LoaderLastPackageJobsCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loader_last_package_jobs_counter",
			Help: "Counts jobs in the last processed package per status",
		},
		[]string{"status"},
	)

	LoaderJobsWaitSeconds = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "loader_jobs_wait_seconds",
			Help: "Time a job waits in the package before completing",
		},
	)

	LoaderPackageCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loader_load_package_counter",
			Help: "Counts completed load packages",
		},
	)

	// Normalize metrics
	NormalizeEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalize_event_count",
			Help: "Total number of events processed per schema",
		},
		[]string{"schema"},
	)

	NormalizeLastEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "normalize_last_events",
			Help: "Number of events processed in the last normalize run per schema",
		},
		[]string{"schema"},
	)

	NormalizeSchemaVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "normalize_schema_version",
			Help: "Current schema version per schema",
		},
		[]string{"schema"},
	)

	NormalizePackagesCreated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "normalize_load_packages_created_count",
			Help: "Load packages created in the last normalize run per schema",
		},
		[]string{"schema"},
	)

	// Run loop health metrics
	RunsCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_count",
			Help: "Count runs",
		},
	)

	RunsNotIdleCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_not_idle_count",
			Help: "Count not idle runs",
		},
	)

	RunsHealthyCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_healthy_count",
			Help: "Count healthy runs",
		},
	)

	RunsCSHealthyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_cs_healthy_gauge",
			Help: "Count consecutive healthy runs, reset on failed run",
		},
	)

	RunsFailedCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_failed_count",
			Help: "Count failed runs",
		},
	)

	RunsCSFailedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_cs_failed_gauge",
			Help: "Count consecutive failed runs, reset on healthy run",
		},
	)

	RunsPendingItemsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_pending_items_gauge",
			Help: "Number of items pending at the end of the run",
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runs_duration_seconds",
			Help:    "Duration of the run",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	PendingFiles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_pending_files",
			Help: "Files waiting to be processed per stage",
		},
		[]string{"stage"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LoaderJobsCounter)
	prometheus.MustRegister(LoaderLastPackageJobsCounter)
	prometheus.MustRegister(LoaderJobsWaitSeconds)
	prometheus.MustRegister(LoaderPackageCounter)
	prometheus.MustRegister(NormalizeEventCount)
	prometheus.MustRegister(NormalizeLastEvents)
	prometheus.MustRegister(NormalizeSchemaVersion)
	prometheus.MustRegister(NormalizePackagesCreated)
	prometheus.MustRegister(RunsCount)
	prometheus.MustRegister(RunsNotIdleCount)
	prometheus.MustRegister(RunsHealthyCount)
	prometheus.MustRegister(RunsCSHealthyGauge)
	prometheus.MustRegister(RunsFailedCount)
	prometheus.MustRegister(RunsCSFailedGauge)
	prometheus.MustRegister(RunsPendingItemsGauge)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(PendingFiles)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
