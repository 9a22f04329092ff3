package episodes

import (
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/detect"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	detectorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floorsight_detector_runs_total",
			Help: "Detector runs by outcome.",
		},
		[]string{"detector", "outcome"},
	)
	detectorQueryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floorsight_detector_query_failures_total",
			Help: "Storage queries that failed inside a detector.",
		},
		[]string{"detector", "query"},
	)
	detectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floorsight_detector_duration_seconds",
			Help:    "Detector run duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)
	episodesEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floorsight_episodes_emitted_total",
			Help: "Episode candidates emitted before ranking.",
		},
		[]string{"detector"},
	)
	shortlistsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floorsight_shortlists_total",
			Help: "Detection requests by outcome.",
		},
		[]string{"outcome"},
	)
	baselinesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "floorsight_baselines_tracked",
			Help: "Baseline series currently held in memory.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		detectorRunsTotal,
		detectorQueryFailuresTotal,
		detectorDuration,
		episodesEmittedTotal,
		shortlistsTotal,
		baselinesTracked,
	)
}

// promMetrics reports detector instrumentation to Prometheus.
type promMetrics struct{}

var _ detect.Metrics = promMetrics{}

func (promMetrics) QueryFailed(detector, query string) {
	detectorQueryFailuresTotal.WithLabelValues(detector, query).Inc()
}

func (promMetrics) DetectorRun(detector string, elapsed time.Duration, emitted int, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	detectorRunsTotal.WithLabelValues(detector, outcome).Inc()
	detectorDuration.WithLabelValues(detector).Observe(elapsed.Seconds())
	episodesEmittedTotal.WithLabelValues(detector).Add(float64(emitted))
}
