// Package detect implements the sliding-window episode detectors and the
// orchestrator that runs them in parallel over a venue and time range.
//
// Every detector follows the same shape: fetch rows for the whole range
// once, slide a fixed window with 50% overlap, apply hard population gates,
// vote on soft conditions, score confidence and build episodes. Storage
// failures are logged and degrade to no episodes; nothing in this package
// returns an error from Detect.
package detect

import (
	"context"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/internal/episodes/confidence"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
	"go.uber.org/zap"
)

// Detector emits episode candidates for one venue and time range.
type Detector interface {
	Name() string
	Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode
}

// Learner is implemented by detectors that can report the window metrics
// they test, so the baseline store can be rebuilt from history.
type Learner interface {
	Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error)
}

// Source is the read-only storage collaborator.
type Source interface {
	QueueSessions(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.QueueSession, error)
	ZoneVisits(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.ZoneVisit, error)
	Occupancy(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.OccupancySnapshot, error)
	Zones(ctx context.Context, venueID string) ([]telemetry.ZoneMeta, error)
}

// Baselines answers spike/dip questions for a series.
type Baselines interface {
	Evaluate(venueID string, scope episode.Scope, scopeID, metric string, observed float64) baseline.Evaluation
}

// Metrics receives detector instrumentation. Implementations must be safe
// for concurrent use.
type Metrics interface {
	QueryFailed(detector, query string)
	DetectorRun(detector string, elapsed time.Duration, emitted int, failed bool)
}

type nopMetrics struct{}

func (nopMetrics) QueryFailed(string, string)                   {}
func (nopMetrics) DetectorRun(string, time.Duration, int, bool) {}

// Baseline metric names. Each detector evaluates and learns the same names.
const (
	MetricQueueAvgWait    = "queue_avg_wait_ms"
	MetricLaneAvgWait     = "lane_avg_wait_ms"
	MetricAbandonmentRate = "abandonment_rate"
	MetricBrowseRate      = "browse_rate"
	MetricPeakOccupancy   = "peak_occupancy"
	MetricLongDwellRatio  = "long_dwell_ratio"
)

// Env carries the collaborators shared by every detector.
type Env struct {
	Source    Source
	Baselines Baselines
	Scorer    confidence.Scorer
	Config    Config
	Logger    *zap.Logger
	Metrics   Metrics
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Metrics == nil {
		e.Metrics = nopMetrics{}
	}
	if e.Baselines == nil {
		e.Baselines = baseline.New(baseline.DefaultConfig())
	}
	if e.Scorer == (confidence.Scorer{}) {
		e.Scorer = confidence.New(confidence.DefaultConfig())
	}
	return e
}

// All returns the five detectors in their registration order.
func All(env Env) []Detector {
	return []Detector{
		NewQueueBuildup(env),
		NewLaneSupply(env),
		NewAbandonment(env),
		NewPassby(env),
		NewBottleneck(env),
	}
}
