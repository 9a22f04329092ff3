// Package confidence turns detector evidence into a single [0,1] score.
package confidence

import "math"

// Weights weights the three evidence components.
type Weights struct {
	Conditions float64 `mapstructure:"conditions" json:"conditions"`
	Deviation  float64 `mapstructure:"deviation" json:"deviation"`
	Population float64 `mapstructure:"population" json:"population"`
}

// Config holds the scorer constants.
type Config struct {
	Weights              Weights `mapstructure:"weights"`
	ZScoreCap            float64 `mapstructure:"zscore_cap"`
	PopulationSaturation float64 `mapstructure:"population_saturation"`
}

// DefaultConfig returns equal weights, a z-score cap of 3 and population
// saturation at three times the minimum population.
func DefaultConfig() Config {
	return Config{
		Weights:              Weights{Conditions: 1, Deviation: 1, Population: 1},
		ZScoreCap:            3.0,
		PopulationSaturation: 3.0,
	}
}

// Input is the evidence for one candidate episode.
type Input struct {
	ConditionsSatisfied int
	ConditionsTotal     int
	DeviationZScore     float64
	TracksAffected      int
	MinPopulation       int
}

// Scorer computes confidence. The zero value is not usable; use New.
type Scorer struct {
	cfg Config
}

// New returns a Scorer. Non-positive constants fall back to defaults. The
// weights fall back to the defaults when any is negative or the conditions
// weight is not positive, so more satisfied conditions always score higher.
func New(cfg Config) Scorer {
	def := DefaultConfig()
	if cfg.ZScoreCap <= 0 {
		cfg.ZScoreCap = def.ZScoreCap
	}
	if cfg.PopulationSaturation <= 0 {
		cfg.PopulationSaturation = def.PopulationSaturation
	}
	w := cfg.Weights
	if w.Conditions <= 0 || w.Deviation < 0 || w.Population < 0 {
		cfg.Weights = def.Weights
	}
	return Scorer{cfg: cfg}
}

// Compute returns the weighted mean of the condition ratio, the capped
// deviation strength and the population adequacy, clamped to [0,1].
func (s Scorer) Compute(in Input) float64 {
	ratio := 0.0
	if in.ConditionsTotal > 0 {
		ratio = unit(float64(in.ConditionsSatisfied) / float64(in.ConditionsTotal))
	}

	deviation := unit(math.Abs(in.DeviationZScore) / s.cfg.ZScoreCap)

	minPop := max(in.MinPopulation, 1)
	population := unit(float64(in.TracksAffected) / (float64(minPop) * s.cfg.PopulationSaturation))

	w := s.cfg.Weights
	total := w.Conditions + w.Deviation + w.Population
	return unit((w.Conditions*ratio + w.Deviation*deviation + w.Population*population) / total)
}

// unit clamps v to [0,1], mapping NaN to 0.
func unit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}
