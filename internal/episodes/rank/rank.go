// Package rank scores episode candidates, removes overlapping duplicates
// and drafts a type-diverse shortlist.
package rank

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/floorsight/pkg/episode"
)

// Weights weights the five score components. They need not sum to one.
type Weights struct {
	Confidence        float64 `mapstructure:"confidence" json:"confidence"`
	KPIMagnitude      float64 `mapstructure:"kpi_magnitude" json:"kpi_magnitude"`
	Population        float64 `mapstructure:"population" json:"population"`
	BusinessRelevance float64 `mapstructure:"business_relevance" json:"business_relevance"`
	Duration          float64 `mapstructure:"duration" json:"duration"`
}

func (w Weights) sum() float64 {
	return w.Confidence + w.KPIMagnitude + w.Population + w.BusinessRelevance + w.Duration
}

func (w Weights) valid() bool {
	for _, v := range []float64{w.Confidence, w.KPIMagnitude, w.Population, w.BusinessRelevance, w.Duration} {
		if v < 0 || math.IsNaN(v) {
			return false
		}
	}
	return w.sum() > 0
}

// Config holds the ranking constants.
type Config struct {
	Weights Weights `mapstructure:"weights"`

	// Relevance is the business relevance per episode type in [0,1].
	Relevance        map[string]float64 `mapstructure:"relevance"`
	DefaultRelevance float64            `mapstructure:"default_relevance"`

	PopulationSaturation int           `mapstructure:"population_saturation"` // tracks
	DurationSaturation   time.Duration `mapstructure:"duration_saturation"`
	NoBaselineCredit     float64       `mapstructure:"no_baseline_credit"`
	DefaultTopN          int           `mapstructure:"default_top_n"`
}

// DefaultConfig returns the production ranking defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Confidence:        0.35,
			KPIMagnitude:      0.25,
			Population:        0.15,
			BusinessRelevance: 0.15,
			Duration:          0.10,
		},
		Relevance: map[string]float64{
			string(episode.TypeQueueBuildupSpike):  1.0,
			string(episode.TypeAbandonmentWave):    0.95,
			string(episode.TypeLaneUndersupply):    0.9,
			string(episode.TypeBottleneckCorridor): 0.7,
			string(episode.TypeLaneOversupply):     0.6,
			string(episode.TypePassbyLowBrowse):    0.5,
		},
		DefaultRelevance:     0.5,
		PopulationSaturation: 50,
		DurationSaturation:   30 * time.Minute,
		NoBaselineCredit:     0.3,
		DefaultTopN:          10,
	}
}

// Ranker scores and selects episodes. It is immutable after New and safe
// for concurrent use.
type Ranker struct {
	cfg Config
}

// New returns a Ranker over a private copy of cfg. Invalid constants fall
// back to their defaults.
func New(cfg Config) *Ranker {
	def := DefaultConfig()
	if !cfg.Weights.valid() {
		cfg.Weights = def.Weights
	}
	relevance := make(map[string]float64, len(cfg.Relevance))
	for k, v := range cfg.Relevance {
		relevance[strings.ToUpper(k)] = unit(v)
	}
	if cfg.Relevance == nil {
		relevance = maps.Clone(def.Relevance)
	}
	cfg.Relevance = relevance
	cfg.DefaultRelevance = unit(cfg.DefaultRelevance)
	if cfg.PopulationSaturation <= 0 {
		cfg.PopulationSaturation = def.PopulationSaturation
	}
	if cfg.DurationSaturation <= 0 {
		cfg.DurationSaturation = def.DurationSaturation
	}
	cfg.NoBaselineCredit = unit(cfg.NoBaselineCredit)
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = def.DefaultTopN
	}
	return &Ranker{cfg: cfg}
}

// DefaultTopN returns the shortlist size used when none is requested.
func (r *Ranker) DefaultTopN() int { return r.cfg.DefaultTopN }

// Score returns the weighted composite score of e, rounded to 3 decimals.
func (r *Ranker) Score(e episode.Episode) float64 {
	relevance, ok := r.cfg.Relevance[string(e.Type)]
	if !ok {
		relevance = r.cfg.DefaultRelevance
	}
	w := r.cfg.Weights
	total := w.Confidence*unit(e.Confidence) +
		w.KPIMagnitude*r.kpiMagnitude(e.KPIDeltas) +
		w.Population*unit(float64(e.TracksAffected())/float64(r.cfg.PopulationSaturation)) +
		w.BusinessRelevance*relevance +
		w.Duration*unit(float64(e.Duration())/float64(r.cfg.DurationSaturation))
	return math.Round(unit(total/w.sum())*1000) / 1000
}

// kpiMagnitude is the mean per-KPI relative change, each capped at 1.
func (r *Ranker) kpiMagnitude(deltas map[string]episode.KPIDelta) float64 {
	if len(deltas) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range deltas {
		switch {
		case d.Baseline == nil:
			if d.Direction == episode.DirectionUp || d.Direction == episode.DirectionDown {
				sum += r.cfg.NoBaselineCredit
			}
		case *d.Baseline == 0:
			if d.Value != 0 {
				sum++
			}
		default:
			sum += unit(math.Abs(d.Value-*d.Baseline) / math.Abs(*d.Baseline))
		}
	}
	return sum / float64(len(deltas))
}

// RankAndSelect scores, de-duplicates and drafts up to topN episodes,
// round-robin across types so no single type crowds out the rest. The
// result is sorted by score. topN <= 0 uses the configured default.
func (r *Ranker) RankAndSelect(episodes []episode.Episode, topN int) []episode.ScoredEpisode {
	if topN <= 0 {
		topN = r.cfg.DefaultTopN
	}
	if len(episodes) == 0 {
		return []episode.ScoredEpisode{}
	}

	scored := make([]episode.ScoredEpisode, len(episodes))
	for i, e := range episodes {
		scored[i] = episode.ScoredEpisode{Episode: e, Score: r.Score(e)}
	}
	sortByScore(scored)
	return selectDiverse(deduplicateOverlapping(scored), topN)
}

// deduplicateOverlapping keeps an episode unless an already kept one is a
// duplicate of it. Input must be sorted best first.
func deduplicateOverlapping(sorted []episode.ScoredEpisode) []episode.ScoredEpisode {
	kept := make([]episode.ScoredEpisode, 0, len(sorted))
	for _, cand := range sorted {
		dup := slices.ContainsFunc(kept, func(k episode.ScoredEpisode) bool {
			return k.DuplicateOf(cand.Episode)
		})
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}

// selectDiverse drafts one episode per type per round, types ordered by
// their best score, for at most max(2, ceil(topN/types)) rounds.
func selectDiverse(sorted []episode.ScoredEpisode, topN int) []episode.ScoredEpisode {
	groups := make(map[episode.Type][]episode.ScoredEpisode)
	var order []episode.Type
	for _, e := range sorted {
		if _, seen := groups[e.Type]; !seen {
			order = append(order, e.Type)
		}
		groups[e.Type] = append(groups[e.Type], e)
	}

	rounds := max(2, (topN+len(order)-1)/len(order))
	out := make([]episode.ScoredEpisode, 0, min(topN, len(sorted)))
draft:
	for round := range rounds {
		took := false
		for _, typ := range order {
			g := groups[typ]
			if round >= len(g) {
				continue
			}
			out = append(out, g[round])
			took = true
			if len(out) == topN {
				break draft
			}
		}
		if !took {
			break
		}
	}
	sortByScore(out)
	return out
}

// sortByScore orders best first with ties broken by start time then id.
func sortByScore(eps []episode.ScoredEpisode) {
	slices.SortStableFunc(eps, func(a, b episode.ScoredEpisode) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			a.StartTS.Compare(b.StartTS),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

func unit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}
