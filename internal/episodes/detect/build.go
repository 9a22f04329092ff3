package detect

import (
	"cmp"
	"maps"
	"slices"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/internal/episodes/confidence"
	"github.com/HerbHall/floorsight/pkg/episode"
)

// candidate collects everything a detector decided about one window.
type candidate struct {
	typ      episode.Type
	window   Window
	scope    episode.Scope
	scopeID  string
	entities episode.Entities
	features map[string]float64
	kpis     map[string]episode.KPIDelta

	satisfied, total int
	zscore           float64
	tracks           int
	minPopulation    int

	representative []string
	title, summary string
	actions        []string
}

// build scores the candidate and turns it into an Episode.
func (e Env) build(venueID string, c candidate) episode.Episode {
	conf := e.Scorer.Compute(confidence.Input{
		ConditionsSatisfied: c.satisfied,
		ConditionsTotal:     c.total,
		DeviationZScore:     c.zscore,
		TracksAffected:      c.tracks,
		MinPopulation:       c.minPopulation,
	})

	features := maps.Clone(c.features)
	if features == nil {
		features = map[string]float64{}
	}
	features[episode.FeatureTracksAffected] = float64(c.tracks)
	features["conditions_satisfied"] = float64(c.satisfied)
	features["zscore"] = c.zscore

	entities := c.entities
	for _, ids := range []*[]string{&entities.ZoneIDs, &entities.QueueZoneIDs, &entities.DisplayIDs} {
		if *ids == nil {
			*ids = []string{}
		}
		slices.Sort(*ids)
	}

	reps := c.representative
	if reps == nil {
		reps = []string{}
	}
	actions := c.actions
	if actions == nil {
		actions = []string{}
	}

	return episode.Episode{
		ID:                   episode.NewID(c.typ, c.window.Start, episode.ScopeKey(c.scope, c.scopeID)),
		VenueID:              venueID,
		Type:                 c.typ,
		StartTS:              c.window.Start,
		EndTS:                c.window.End,
		Scope:                c.scope,
		Entities:             entities,
		Features:             features,
		KPIDeltas:            c.kpis,
		Confidence:           conf,
		RepresentativeTracks: reps,
		Title:                c.title,
		BusinessSummary:      c.summary,
		RecommendedActions:   actions,
	}
}

// delta builds a KPI delta. With a baseline the direction follows the
// comparison; without one it falls back to the detector's expectation.
func delta(value float64, unit string, ev baseline.Evaluation, fallback episode.Direction) episode.KPIDelta {
	d := episode.KPIDelta{Value: value, Unit: unit, Baseline: ev.Baseline, Direction: fallback}
	if ev.Baseline != nil {
		switch {
		case value > *ev.Baseline:
			d.Direction = episode.DirectionUp
		case value < *ev.Baseline:
			d.Direction = episode.DirectionDown
		default:
			d.Direction = episode.DirectionFlat
		}
	}
	return d
}

// trackValue pairs a track with the measurement that makes it extreme.
type trackValue struct {
	track string
	value float64
}

// topTracks returns up to MaxRepresentativeTracks distinct tracks with the
// largest values, ties broken by track key.
func topTracks(values []trackValue) []string {
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, func(a, b trackValue) int {
		return cmp.Or(cmp.Compare(b.value, a.value), cmp.Compare(a.track, b.track))
	})
	out := make([]string, 0, episode.MaxRepresentativeTracks)
	seen := make(map[string]struct{})
	for _, tv := range sorted {
		if _, dup := seen[tv.track]; dup || tv.track == "" {
			continue
		}
		seen[tv.track] = struct{}{}
		out = append(out, tv.track)
		if len(out) == episode.MaxRepresentativeTracks {
			break
		}
	}
	return out
}

// groupBy buckets rows by key.
func groupBy[T any](rows []T, key func(T) string) map[string][]T {
	out := make(map[string][]T)
	for _, r := range rows {
		k := key(r)
		out[k] = append(out[k], r)
	}
	return out
}

// sortedKeys returns map keys in ascending order, skipping the empty key.
func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// distinct counts distinct non-empty strings produced by key.
func distinct[T any](rows []T, key func(T) string) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if k := key(r); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

func countTrue(conds ...bool) int {
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return n
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
