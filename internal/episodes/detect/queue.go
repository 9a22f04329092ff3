package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/anomaly"
	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// QueueBuildup flags queue zones whose waits spike, have a heavy tail, or
// hold many people at once.
type QueueBuildup struct {
	env Env
}

// NewQueueBuildup creates the queue-buildup detector.
func NewQueueBuildup(env Env) *QueueBuildup {
	return &QueueBuildup{env: env.withDefaults()}
}

func (d *QueueBuildup) Name() string { return "queue_buildup" }

type queueWindow struct {
	zoneID   string
	window   Window
	sessions []telemetry.QueueSession
	tracks   int
	avgWait  float64
	p95Wait  float64
	peak     int
}

// queueEnd is when a session stopped waiting.
func queueEnd(s telemetry.QueueSession) time.Time {
	switch {
	case s.ServiceEntryTS != nil:
		return *s.ServiceEntryTS
	case s.ExitTS != nil:
		return *s.ExitTS
	default:
		return s.EntryTS.Add(time.Duration(s.WaitingMS) * time.Millisecond)
	}
}

func (d *QueueBuildup) windows(ctx context.Context, venueID string, from, to time.Time) ([]queueWindow, error) {
	sessions, err := fetch(ctx, d.env, d.Name(), "queue_sessions", venueID,
		func(ctx context.Context) ([]telemetry.QueueSession, error) {
			return d.env.Source.QueueSessions(ctx, venueID, from, to)
		})
	if err != nil {
		return nil, err
	}

	cfg := d.env.Config
	byZone := groupBy(sessions, func(s telemetry.QueueSession) string { return s.QueueZoneID })
	var out []queueWindow
	for _, zone := range sortedKeys(byZone) {
		for _, w := range slide(from, to, cfg.Queue.Window, cfg.StepRatio) {
			var in []telemetry.QueueSession
			for _, s := range byZone[zone] {
				if w.Contains(s.EntryTS) {
					in = append(in, s)
				}
			}
			if len(in) == 0 {
				continue
			}

			waits := make([]float64, len(in))
			intervals := make([]Interval, len(in))
			for i, s := range in {
				waits[i] = float64(s.WaitingMS)
				intervals[i] = clip(Interval{Start: s.EntryTS, End: queueEnd(s)}, w)
			}
			out = append(out, queueWindow{
				zoneID:   zone,
				window:   w,
				sessions: in,
				tracks:   distinct(in, func(s telemetry.QueueSession) string { return s.TrackKey }),
				avgWait:  anomaly.Mean(waits),
				p95Wait:  anomaly.Quantile(waits, 0.95),
				peak:     PeakConcurrency(intervals),
			})
		}
	}
	return out, nil
}

// Detect implements Detector.
func (d *QueueBuildup) Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil
	}

	cfg := d.env.Config
	minPop := cfg.minPopulation(false)
	var out []episode.Episode
	for _, qw := range ws {
		if qw.tracks < minPop {
			continue
		}

		ev := d.env.Baselines.Evaluate(venueID, episode.ScopeZone, qw.zoneID, MetricQueueAvgWait, qw.avgWait)
		heavyTail := qw.p95Wait > cfg.Queue.P95Ratio*qw.avgWait
		crowded := qw.peak >= cfg.Queue.PeakQueueThreshold
		satisfied := countTrue(ev.IsSpike, heavyTail, crowded)
		if satisfied < cfg.minConditions() {
			continue
		}

		reps := make([]trackValue, len(qw.sessions))
		for i, s := range qw.sessions {
			reps[i] = trackValue{track: s.TrackKey, value: float64(s.WaitingMS)}
		}

		lengthDir := episode.DirectionFlat
		if crowded {
			lengthDir = episode.DirectionUp
		}

		out = append(out, d.env.build(venueID, candidate{
			typ:     episode.TypeQueueBuildupSpike,
			window:  qw.window,
			scope:   episode.ScopeZone,
			scopeID: qw.zoneID,
			entities: episode.Entities{
				ZoneIDs:      []string{qw.zoneID},
				QueueZoneIDs: []string{qw.zoneID},
			},
			features: map[string]float64{
				"sessions":          float64(len(qw.sessions)),
				"avg_wait_ms":       qw.avgWait,
				"p95_wait_ms":       qw.p95Wait,
				"peak_queue_length": float64(qw.peak),
			},
			kpis: map[string]episode.KPIDelta{
				episode.KPIQueueWaitTime: delta(qw.avgWait, "ms", ev, episode.DirectionUp),
				episode.KPIQueueLength:   {Value: float64(qw.peak), Unit: "people", Direction: lengthDir},
			},
			satisfied:      satisfied,
			total:          3,
			zscore:         ev.ZScore,
			tracks:         qw.tracks,
			minPopulation:  minPop,
			representative: topTracks(reps),
			title:          fmt.Sprintf("Queue build-up at %s", qw.zoneID),
			summary: fmt.Sprintf("Average wait reached %s (P95 %s) with up to %d people queuing at once.",
				formatMS(qw.avgWait), formatMS(qw.p95Wait), qw.peak),
			actions: []string{
				"Open an additional service point for this queue",
				"Redeploy staff to the queue during this period",
			},
		}))
	}
	return out
}

// Observe implements Learner.
func (d *QueueBuildup) Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil, err
	}
	minPop := d.env.Config.minPopulation(false)
	var out []baseline.Observation
	for _, qw := range ws {
		if qw.tracks < minPop {
			continue
		}
		out = append(out, baseline.Observation{
			Key:   baseline.Key{VenueID: venueID, ScopeKind: episode.ScopeZone, ScopeID: qw.zoneID, Metric: MetricQueueAvgWait},
			Value: qw.avgWait,
			At:    qw.window.Start,
		})
	}
	return out, nil
}

// formatMS renders milliseconds as a rounded duration, e.g. "2m30s".
func formatMS(ms float64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
