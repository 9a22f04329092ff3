package detect

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/anomaly"
	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// LaneSupply compares arrivals, throughput and open lanes venue-wide and
// emits LANE_UNDERSUPPLY or LANE_OVERSUPPLY. Within one window the two
// primary conditions cannot both hold.
type LaneSupply struct {
	env Env
}

// NewLaneSupply creates the lane-supply detector.
func NewLaneSupply(env Env) *LaneSupply {
	return &LaneSupply{env: env.withDefaults()}
}

func (d *LaneSupply) Name() string { return "lane_supply" }

type laneWindow struct {
	window         Window
	arrivals       []telemetry.QueueSession
	tracks         int
	served         int
	arrivalRate    float64 // per minute
	throughputRate float64 // per minute
	openLanes      int
	totalLanes     int
	avgWait        float64
	queueZones     []string
}

func (d *LaneSupply) windows(ctx context.Context, venueID string, from, to time.Time) ([]laneWindow, error) {
	sessions, err := fetch(ctx, d.env, d.Name(), "queue_sessions", venueID,
		func(ctx context.Context) ([]telemetry.QueueSession, error) {
			return d.env.Source.QueueSessions(ctx, venueID, from, to)
		})
	if err != nil {
		return nil, err
	}
	// Lane metadata is optional; without it lanes are inferred from sessions.
	zones, _ := fetch(ctx, d.env, d.Name(), "zones", venueID,
		func(ctx context.Context) ([]telemetry.ZoneMeta, error) {
			return d.env.Source.Zones(ctx, venueID)
		})

	metaLanes, metaOpen := 0, 0
	for _, z := range zones {
		if z.IsLane() || strings.EqualFold(z.ZoneType, telemetry.ZoneTypeLane) {
			metaLanes++
			if z.IsOpen {
				metaOpen++
			}
		}
	}
	totalLanes := max(metaLanes, distinct(sessions, func(s telemetry.QueueSession) string { return s.QueueZoneID }))

	cfg := d.env.Config
	var out []laneWindow
	for _, w := range slide(from, to, cfg.Lane.Window, cfg.StepRatio) {
		lw := laneWindow{window: w, totalLanes: totalLanes}
		serving := make(map[string]struct{})
		zoneSet := make(map[string]struct{})
		var waits []float64
		for _, s := range sessions {
			if w.Contains(s.EntryTS) {
				lw.arrivals = append(lw.arrivals, s)
				waits = append(waits, float64(s.WaitingMS))
				if s.QueueZoneID != "" {
					zoneSet[s.QueueZoneID] = struct{}{}
				}
			}
			if s.ServiceEntryTS != nil && w.Contains(*s.ServiceEntryTS) {
				lw.served++
				if s.QueueZoneID != "" {
					serving[s.QueueZoneID] = struct{}{}
				}
			}
		}
		if len(lw.arrivals) == 0 && lw.served == 0 {
			continue
		}

		lw.tracks = distinct(lw.arrivals, func(s telemetry.QueueSession) string { return s.TrackKey })
		lw.arrivalRate = float64(len(lw.arrivals)) / w.Minutes()
		lw.throughputRate = float64(lw.served) / w.Minutes()
		// Lane metadata is authoritative for open lanes; an open lane that
		// served nobody is idle, not closed. Serving lanes count as open
		// even when the metadata lags.
		lw.openLanes = len(serving)
		if metaLanes > 0 {
			lw.openLanes = max(metaOpen, len(serving))
		}
		lw.avgWait = anomaly.Mean(waits)
		lw.queueZones = make([]string, 0, len(zoneSet))
		for z := range zoneSet {
			lw.queueZones = append(lw.queueZones, z)
		}
		slices.Sort(lw.queueZones)
		out = append(out, lw)
	}
	return out, nil
}

// Detect implements Detector.
func (d *LaneSupply) Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil
	}

	cfg := d.env.Config
	minPop := cfg.minPopulation(true)
	var out []episode.Episode
	for _, lw := range ws {
		if lw.tracks < minPop {
			continue
		}
		ev := d.env.Baselines.Evaluate(venueID, episode.ScopeGlobal, "", MetricLaneAvgWait, lw.avgWait)

		arrivals := float64(len(lw.arrivals))
		under := arrivals > 0 && lw.arrivalRate >= cfg.Lane.UndersupplyArrivalRatio*lw.throughputRate
		if under {
			constrained := lw.totalLanes > 0 && lw.openLanes < lw.totalLanes
			satisfied := countTrue(true, constrained, ev.IsSpike)
			if satisfied >= cfg.minConditions() {
				out = append(out, d.undersupply(venueID, lw, ev, satisfied, minPop))
			}
			continue
		}

		perLane := 0.0
		if lw.openLanes > 0 {
			perLane = lw.throughputRate / float64(lw.openLanes)
		}
		over := lw.openLanes > 0 &&
			perLane < cfg.Lane.OversupplyPerLaneThroughput &&
			lw.served >= len(lw.arrivals)
		if over {
			ample := lw.openLanes >= cfg.Lane.OversupplyMinOpenLanes
			satisfied := countTrue(true, ample, ev.IsDip)
			if satisfied >= cfg.minConditions() {
				out = append(out, d.oversupply(venueID, lw, ev, perLane, satisfied, minPop))
			}
		}
	}
	return out
}

func (d *LaneSupply) features(lw laneWindow) map[string]float64 {
	return map[string]float64{
		"arrivals":           float64(len(lw.arrivals)),
		"served":             float64(lw.served),
		"arrival_rate_pm":    lw.arrivalRate,
		"throughput_rate_pm": lw.throughputRate,
		"open_lanes":         float64(lw.openLanes),
		"total_lanes":        float64(lw.totalLanes),
		"avg_wait_ms":        lw.avgWait,
	}
}

func (d *LaneSupply) longestWaits(lw laneWindow) []string {
	reps := make([]trackValue, len(lw.arrivals))
	for i, s := range lw.arrivals {
		reps[i] = trackValue{track: s.TrackKey, value: float64(s.WaitingMS)}
	}
	return topTracks(reps)
}

func (d *LaneSupply) undersupply(venueID string, lw laneWindow, ev baseline.Evaluation, satisfied, minPop int) episode.Episode {
	perLane := 0.0
	if lw.openLanes > 0 {
		perLane = lw.throughputRate / float64(lw.openLanes)
	}
	return d.env.build(venueID, candidate{
		typ:      episode.TypeLaneUndersupply,
		window:   lw.window,
		scope:    episode.ScopeGlobal,
		entities: episode.Entities{QueueZoneIDs: slices.Clone(lw.queueZones)},
		features: d.features(lw),
		kpis: map[string]episode.KPIDelta{
			episode.KPIArrivalRate:       {Value: lw.arrivalRate, Unit: "per_min", Direction: episode.DirectionUp},
			episode.KPIThroughputPerLane: {Value: perLane, Unit: "per_min", Direction: episode.DirectionFlat},
			episode.KPIOpenLanes:         {Value: float64(lw.openLanes), Unit: "lanes", Direction: episode.DirectionFlat},
			episode.KPIQueueWaitTime:     delta(lw.avgWait, "ms", ev, episode.DirectionUp),
		},
		satisfied:      satisfied,
		total:          3,
		zscore:         ev.ZScore,
		tracks:         lw.tracks,
		minPopulation:  minPop,
		representative: d.longestWaits(lw),
		title:          "Too few lanes open for demand",
		summary: fmt.Sprintf("Arrivals ran at %.1f/min against %.1f/min served with %d of %d lanes open.",
			lw.arrivalRate, lw.throughputRate, lw.openLanes, lw.totalLanes),
		actions: []string{
			"Open additional lanes when arrivals outpace service",
			"Review staffing rota for this time of day",
		},
	})
}

func (d *LaneSupply) oversupply(venueID string, lw laneWindow, ev baseline.Evaluation, perLane float64, satisfied, minPop int) episode.Episode {
	return d.env.build(venueID, candidate{
		typ:      episode.TypeLaneOversupply,
		window:   lw.window,
		scope:    episode.ScopeGlobal,
		entities: episode.Entities{QueueZoneIDs: slices.Clone(lw.queueZones)},
		features: d.features(lw),
		kpis: map[string]episode.KPIDelta{
			episode.KPIThroughputPerLane: {Value: perLane, Unit: "per_min", Direction: episode.DirectionDown},
			episode.KPIOpenLanes:         {Value: float64(lw.openLanes), Unit: "lanes", Direction: episode.DirectionUp},
			episode.KPIQueueWaitTime:     delta(lw.avgWait, "ms", ev, episode.DirectionDown),
		},
		satisfied:      satisfied,
		total:          3,
		zscore:         ev.ZScore,
		tracks:         lw.tracks,
		minPopulation:  minPop,
		representative: d.longestWaits(lw),
		title:          "More lanes open than demand needs",
		summary: fmt.Sprintf("%d lanes open served only %.2f customers/min each with no backlog.",
			lw.openLanes, perLane),
		actions: []string{
			"Close idle lanes and redeploy staff to the floor",
		},
	})
}

// Observe implements Learner.
func (d *LaneSupply) Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	ws, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil, err
	}
	minPop := d.env.Config.minPopulation(true)
	var out []baseline.Observation
	for _, lw := range ws {
		if lw.tracks < minPop {
			continue
		}
		out = append(out, baseline.Observation{
			Key:   baseline.Key{VenueID: venueID, ScopeKind: episode.ScopeGlobal, Metric: MetricLaneAvgWait},
			Value: lw.avgWait,
			At:    lw.window.Start,
		})
	}
	return out, nil
}
