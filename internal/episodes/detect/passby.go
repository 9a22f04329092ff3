package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Passby flags attention zones that people walk past without browsing.
// Queue and service zones are excluded.
type Passby struct {
	env Env
}

// NewPassby creates the passby / low-browse detector.
func NewPassby(env Env) *Passby {
	return &Passby{env: env.withDefaults()}
}

func (d *Passby) Name() string { return "passby_low_browse" }

type passbyWindow struct {
	zoneID     string
	window     Window
	visits     []telemetry.ZoneVisit
	tracks     int
	browseRate float64
	passbyRate float64
	engageRate float64
}

func (d *Passby) windows(ctx context.Context, venueID string, from, to time.Time) ([]passbyWindow, zoneFilter, error) {
	zv, err := loadZoneVisits(ctx, d.env, d.Name(), venueID, from, to)
	if err != nil {
		return nil, zoneFilter{}, err
	}

	cfg := d.env.Config
	var out []passbyWindow
	for _, zone := range zv.zones {
		for _, w := range slide(from, to, cfg.Passby.Window, cfg.StepRatio) {
			in := visitsIn(zv.byZone[zone], w)
			if len(in) == 0 {
				continue
			}
			dwell, engaged := 0, 0
			for _, v := range in {
				if v.IsDwell {
					dwell++
				}
				if v.IsEngagement {
					engaged++
				}
			}
			n := float64(len(in))
			out = append(out, passbyWindow{
				zoneID:     zone,
				window:     w,
				visits:     in,
				tracks:     distinct(in, func(v telemetry.ZoneVisit) string { return v.TrackKey }),
				browseRate: float64(dwell) / n,
				passbyRate: float64(len(in)-dwell) / n,
				engageRate: float64(engaged) / n,
			})
		}
	}
	return out, zv.filter, nil
}

// Detect implements Detector.
func (d *Passby) Detect(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	ws, filter, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil
	}

	cfg := d.env.Config
	minPop := cfg.minPopulation(false)
	var out []episode.Episode
	for _, pw := range ws {
		if pw.tracks < minPop {
			continue
		}

		ev := d.env.Baselines.Evaluate(venueID, episode.ScopeZone, pw.zoneID, MetricBrowseRate, pw.browseRate)
		highPassby := pw.passbyRate >= cfg.Passby.PassbyRateThreshold
		lowEngage := pw.engageRate <= cfg.Passby.LowEngagementThreshold
		satisfied := countTrue(ev.IsDip, highPassby, lowEngage)
		if satisfied < cfg.minConditions() {
			continue
		}

		// Passers-by with the shortest visits are the clearest examples.
		var reps []trackValue
		for _, v := range pw.visits {
			if !v.IsDwell {
				reps = append(reps, trackValue{track: v.TrackKey, value: -float64(v.DurationMS)})
			}
		}

		entities := episode.Entities{ZoneIDs: []string{pw.zoneID}}
		if filter.isDisplay(pw.zoneID) {
			entities.DisplayIDs = []string{pw.zoneID}
		}

		name := filter.name(pw.zoneID)
		out = append(out, d.env.build(venueID, candidate{
			typ:      episode.TypePassbyLowBrowse,
			window:   pw.window,
			scope:    episode.ScopeZone,
			scopeID:  pw.zoneID,
			entities: entities,
			features: map[string]float64{
				"visits":          float64(len(pw.visits)),
				"browse_rate":     pw.browseRate,
				"passby_rate":     pw.passbyRate,
				"engagement_rate": pw.engageRate,
			},
			kpis: map[string]episode.KPIDelta{
				episode.KPIBrowseRate: delta(pw.browseRate, "ratio", ev, episode.DirectionDown),
				episode.KPIPassbyRate: {Value: pw.passbyRate, Unit: "ratio", Direction: episode.DirectionUp},
			},
			satisfied:      satisfied,
			total:          3,
			zscore:         ev.ZScore,
			tracks:         pw.tracks,
			minPopulation:  minPop,
			representative: topTracks(reps),
			title:          fmt.Sprintf("Shoppers walking past %s", name),
			summary: fmt.Sprintf("%.0f%% of %d visitors passed %s without stopping; %.0f%% engaged.",
				pw.passbyRate*100, len(pw.visits), name, pw.engageRate*100),
			actions: []string{
				"Refresh the display or move a promotion into this zone",
				"Check sightlines and lighting from the main aisle",
			},
		}))
	}
	return out
}

// Observe implements Learner.
func (d *Passby) Observe(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	ws, _, err := d.windows(ctx, venueID, from, to)
	if err != nil {
		return nil, err
	}
	minPop := d.env.Config.minPopulation(false)
	var out []baseline.Observation
	for _, pw := range ws {
		if pw.tracks < minPop {
			continue
		}
		out = append(out, baseline.Observation{
			Key:   baseline.Key{VenueID: venueID, ScopeKind: episode.ScopeZone, ScopeID: pw.zoneID, Metric: MetricBrowseRate},
			Value: pw.browseRate,
			At:    pw.window.Start,
		})
	}
	return out, nil
}
