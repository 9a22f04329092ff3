package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Bottleneck flags flow zones that are both crowded and slow to clear.
// Occupancy alone may be a busy but moving aisle and long dwell alone may
// be browsing, so both are required.
type Bottleneck struct {
	env Env
}

// NewBottleneck creates the bottleneck / corridor detector.
func NewBottleneck(env Env) *Bottleneck {
	return &Bottleneck{env: env.withDefaults()}
}

func (d *Bottleneck) Name() string { return "bottleneck_corridor" }

type bottleneckWindow struct {
	zoneID         string
	window         Window
	visits         []telemetry.ZoneVisit
	tracks         int
	peakOccupancy  int
	fromSnapshots  bool
	longDwellRatio float64
}

func (d *Bottleneck) windows(ctx context.Context, venueID string, from, to time.Time) ([]bottleneckWindow, zoneFilter, error) {
	zv, err := loadZoneVisits(ctx, d.env, d.Name(), venueID, from, to)
	if err != nil {
		return nil, zoneFilter{}, err
	}
	// Without snapshots occupancy is estimated from overlapping visits.
	snaps, _ := fetch(ctx, d.env, d.Name(), "occupancy", venueID,
		func(ctx context.Context) ([]telemetry.OccupancySnapshot, error) {
			return d.env.Source.Occupancy(ctx, venueID, from, to)
		})
	snapsByZone := groupBy(snaps, func(o telemetry.OccupancySnapshot) string { return o.ROIID })

	cfg := d.env.Config
	longMS := cfg.Bottleneck.LongDwell.Milliseconds()
	var out []bottleneckWindow
	for _, zone := range zv.zones {
		for _, w := range slide(from, to, cfg.Bottleneck.Window, cfg.StepRatio) {
			in := visitsIn(zv.byZone[zone], w)
			if len(in) == 0 {
				continue
			}

			bw := bottleneckWindow{
				zoneID: zone,
				window: w,
				visits: in,
				tracks: distinct(in, func(v telemetry.ZoneVisit) string { return v.TrackKey }),
			}
			for _, o := range snapsByZone[zone] {
				if w.Contains(o.Timestamp) {
					bw.fromSnapshots = true
					bw.peakOccupancy = max(bw.peakOccupancy, o.OccupancyCount)
				}
			}
			if !bw.fromSnapshots {
				intervals := make([]Interval, len(in))
				for i, v := range in {
					intervals[i] = clip(Interval{Start: v.StartTS, End: v.EndTS()}, w)
				}
				bw.peakOccupancy = PeakConcurrency(intervals)
			}

			long := 0
			for _, v := range in {
				if v.DurationMS >= longMS {
					long++
				}
			}
			bw.longDwellRatio = float64(long) / float64(len(in))
			out = append(out, bw)
		}
	}
	return out, zv.filter, nil
}

// Detect implements Detector.
func (d *Bottleneck) Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	ws, filter, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil
	}

	cfg := d.env.Config
	bc := cfg.Bottleneck
	minPop := cfg.minPopulation(false)
	var out []episode.Episode
	for _, bw := range ws {
		if bw.tracks < minPop {
			continue
		}

		occEv := d.env.Baselines.Evaluate(venueID, episode.ScopeZone, bw.zoneID, MetricPeakOccupancy, float64(bw.peakOccupancy))
		dwellEv := d.env.Baselines.Evaluate(venueID, episode.ScopeZone, bw.zoneID, MetricLongDwellRatio, bw.longDwellRatio)
		occStatic := bw.peakOccupancy >= bc.OccupancyThreshold
		dwellStatic := bw.longDwellRatio >= bc.LongDwellRatioThreshold
		if !(occEv.IsSpike || occStatic) || !(dwellEv.IsSpike || dwellStatic) {
			continue
		}
		satisfied := countTrue(occEv.IsSpike, occStatic, dwellEv.IsSpike, dwellStatic)

		z := occEv.ZScore
		if math.Abs(dwellEv.ZScore) > math.Abs(z) {
			z = dwellEv.ZScore
		}

		reps := make([]trackValue, len(bw.visits))
		for i, v := range bw.visits {
			reps[i] = trackValue{track: v.TrackKey, value: float64(v.DurationMS)}
		}

		name := filter.name(bw.zoneID)
		out = append(out, d.env.build(venueID, candidate{
			typ:      episode.TypeBottleneckCorridor,
			window:   bw.window,
			scope:    episode.ScopeZone,
			scopeID:  bw.zoneID,
			entities: episode.Entities{ZoneIDs: []string{bw.zoneID}},
			features: map[string]float64{
				"visits":              float64(len(bw.visits)),
				"peak_occupancy":      float64(bw.peakOccupancy),
				"occupancy_estimated": boolFeature(!bw.fromSnapshots),
				"long_dwell_ratio":    bw.longDwellRatio,
			},
			kpis: map[string]episode.KPIDelta{
				episode.KPIZoneOccupancy:  delta(float64(bw.peakOccupancy), "people", occEv, episode.DirectionUp),
				episode.KPILongDwellRatio: delta(bw.longDwellRatio, "ratio", dwellEv, episode.DirectionUp),
			},
			satisfied:      satisfied,
			total:          4,
			zscore:         z,
			tracks:         bw.tracks,
			minPopulation:  minPop,
			representative: topTracks(reps),
			title:          fmt.Sprintf("Bottleneck in %s", name),
			summary: fmt.Sprintf("Up to %d people in %s with %.0f%% staying over %s.",
				bw.peakOccupancy, name, bw.longDwellRatio*100, bc.LongDwell),
			actions: []string{
				"Clear obstructions or relocate fixtures narrowing the corridor",
				"Stagger promotions that draw crowds into this area",
			},
		}))
	}
	return out
}

// Observe implements Learner.
func (d *Bottleneck) Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	ws, _, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil, err
	}
	minPop := d.env.Config.minPopulation(false)
	var out []baseline.Observation
	for _, bw := range ws {
		if bw.tracks < minPop {
			continue
		}
		key := baseline.Key{VenueID: venueID, ScopeKind: episode.ScopeZone, ScopeID: bw.zoneID}
		occ, dwell := key, key
		occ.Metric = MetricPeakOccupancy
		dwell.Metric = MetricLongDwellRatio
		out = append(out,
			baseline.Observation{Key: occ, Value: float64(bw.peakOccupancy), At: bw.window.Start},
			baseline.Observation{Key: dwell, Value: bw.longDwellRatio, At: bw.window.Start},
		)
	}
	return out, nil
}
