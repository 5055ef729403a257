package pipeline

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRuns            = "runs_total"
	MetricRunsInFlight    = "runs_in_flight"
	MetricStageDuration   = "stage_duration_seconds"
	MetricRowsLoaded      = "rows_loaded_total"
	MetricRowsMerged      = "rows_merged_total"
	MetricCleanupFailures = "cleanup_failures_total"
)

var CounterRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricRuns,
		Help:      "Pipeline runs by terminal state and failed stage.",
	},
	[]string{
		"state",
		"failed_stage",
	},
)

var GaugeRunsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricRunsInFlight,
		Help:      "Pipeline runs currently executing.",
	},
)

var HistogramStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricStageDuration,
		Help:      "Time spent in each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	},
	[]string{
		"stage",
	},
)

var CounterRowsLoaded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricRowsLoaded,
		Help:      "Rows bulk-loaded into staging tables.",
	},
)

var CounterRowsMerged = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricRowsMerged,
		Help:      "Canonical rows written by merges.",
	},
	[]string{
		"action",
	},
)

var CounterCleanupFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeta",
		Subsystem: "pipeline",
		Name:      MetricCleanupFailures,
		Help:      "Cleanups that left a staging artifact behind.",
	},
)

func init() {
	prometheus.MustRegister(CounterRuns)
	prometheus.MustRegister(GaugeRunsInFlight)
	prometheus.MustRegister(HistogramStageDuration)
	prometheus.MustRegister(CounterRowsLoaded)
	prometheus.MustRegister(CounterRowsMerged)
	prometheus.MustRegister(CounterCleanupFailures)
}
