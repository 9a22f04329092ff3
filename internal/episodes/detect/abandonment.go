package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Abandonment flags queue zones where customers give up in a burst.
//
// Abandonment is derived from the raw session fields and the upstream
// IsAbandoned flag is ignored: a session is abandoned when it waited longer
// than MinWait, never reached service, and was not completed.
type Abandonment struct {
	env Env
}

// NewAbandonment creates the abandonment-wave detector.
func NewAbandonment(env Env) *Abandonment {
	return &Abandonment{env: env.withDefaults()}
}

func (d *Abandonment) Name() string { return "abandonment_wave" }

type abandonWindow struct {
	zoneID    string
	window    Window
	sessions  int
	tracks    int
	abandoned []telemetry.QueueSession
	rate      float64
}

// abandoned reports true abandonment for a session.
func (d *Abandonment) abandoned(s telemetry.QueueSession) bool {
	return s.WaitingMS > d.env.Config.Abandonment.MinWait.Milliseconds() &&
		s.ServiceEntryTS == nil &&
		!s.IsComplete
}

// abandonedAt is when the customer left the queue.
func abandonedAt(s telemetry.QueueSession) time.Time {
	if s.ExitTS != nil {
		return *s.ExitTS
	}
	return s.EntryTS.Add(time.Duration(s.WaitingMS) * time.Millisecond)
}

func (d *Abandonment) windows(ctx context.Context, venueID string, from, to time.Time) ([]abandonWindow, error) {
	sessions, err := fetch(ctx, d.env, d.Name(), "queue_sessions", venueID,
		func(ctx context.Context) ([]telemetry.QueueSession, error) {
			return d.env.Source.QueueSessions(ctx, venueID, from, to)
		})
	if err != nil {
		return nil, err
	}

	cfg := d.env.Config
	byZone := groupBy(sessions, func(s telemetry.QueueSession) string { return s.QueueZoneID })
	var out []abandonWindow
	for _, zone := range sortedKeys(byZone) {
		for _, w := range slide(from, to, cfg.Abandonment.Window, cfg.StepRatio) {
			aw := abandonWindow{zoneID: zone, window: w}
			var in []telemetry.QueueSession
			for _, s := range byZone[zone] {
				if !w.Contains(s.EntryTS) {
					continue
				}
				in = append(in, s)
				if d.abandoned(s) {
					aw.abandoned = append(aw.abandoned, s)
				}
			}
			if len(in) == 0 {
				continue
			}
			aw.sessions = len(in)
			aw.tracks = distinct(in, func(s telemetry.QueueSession) string { return s.TrackKey })
			aw.rate = float64(len(aw.abandoned)) / float64(len(in))
			out = append(out, aw)
		}
	}
	return out, nil
}

// Detect implements Detector.
func (d *Abandonment) Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil
	}

	cfg := d.env.Config
	ac := cfg.Abandonment
	minPop := cfg.minPopulation(false)
	var out []episode.Episode
	for _, aw := range ws {
		if aw.tracks < minPop || len(aw.abandoned) < ac.ClusterMinCount {
			continue
		}

		times := make([]time.Time, len(aw.abandoned))
		reps := make([]trackValue, len(aw.abandoned))
		for i, s := range aw.abandoned {
			times[i] = abandonedAt(s)
			reps[i] = trackValue{track: s.TrackKey, value: float64(s.WaitingMS)}
		}

		ev := d.env.Baselines.Evaluate(venueID, episode.ScopeZone, aw.zoneID, MetricAbandonmentRate, aw.rate)
		clustered := isClustered(times, ac.ClusterWindow, ac.ClusterMinCount)
		high := aw.rate >= ac.RateThreshold
		satisfied := countTrue(ev.IsSpike, clustered, high)
		if satisfied < cfg.minConditions() {
			continue
		}

		out = append(out, d.env.build(venueID, candidate{
			typ:     episode.TypeAbandonmentWave,
			window:  aw.window,
			scope:   episode.ScopeZone,
			scopeID: aw.zoneID,
			entities: episode.Entities{
				ZoneIDs:      []string{aw.zoneID},
				QueueZoneIDs: []string{aw.zoneID},
			},
			features: map[string]float64{
				"sessions":         float64(aw.sessions),
				"abandoned":        float64(len(aw.abandoned)),
				"abandonment_rate": aw.rate,
				"clustered":        boolFeature(clustered),
			},
			kpis: map[string]episode.KPIDelta{
				episode.KPIQueueAbandonmentRate: delta(aw.rate, "ratio", ev, episode.DirectionUp),
			},
			satisfied:      satisfied,
			total:          3,
			zscore:         ev.ZScore,
			tracks:         aw.tracks,
			minPopulation:  minPop,
			representative: topTracks(reps),
			title:          fmt.Sprintf("Abandonment wave at %s", aw.zoneID),
			summary: fmt.Sprintf("%d of %d customers left the queue without being served (%.0f%%).",
				len(aw.abandoned), aw.sessions, aw.rate*100),
			actions: []string{
				"Check for a service stoppage at this queue",
				"Add queue-time signage or a floor-walker to triage",
			},
		}))
	}
	return out
}

// Observe implements Learner.
func (d *Abandonment) Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil, err
	}
	minPop := d.env.Config.minPopulation(false)
	var out []baseline.Observation
	for _, aw := range ws {
		if aw.tracks < minPop {
			continue
		}
		out = append(out, baseline.Observation{
			Key:   baseline.Key{VenueID: venueID, ScopeKind: episode.ScopeZone, ScopeID: aw.zoneID, Metric: MetricAbandonmentRate},
			Value: aw.rate,
			At:    aw.window.Start,
		})
	}
	return out, nil
}
