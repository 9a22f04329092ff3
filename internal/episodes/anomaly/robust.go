// Package anomaly provides the robust deviation test used by episode
// baselines: a median/MAD z-score with spike and dip thresholds.
package anomaly

import (
	"math"
	"slices"
)

// MADScale converts a median absolute deviation into a standard-deviation
// equivalent for normally distributed data.
const MADScale = 1.4826

// DefaultEpsilon floors the dispersion so a metric that never varied does
// not divide by zero.
const DefaultEpsilon = 1e-6

// Thresholds configures a deviation test. Spike and Dip are both positive;
// a value is a dip when its z-score is below -Dip.
type Thresholds struct {
	Spike   float64 `mapstructure:"spike_threshold" json:"spike_threshold"`
	Dip     float64 `mapstructure:"dip_threshold" json:"dip_threshold"`
	Epsilon float64 `mapstructure:"epsilon" json:"epsilon"`
}

// DefaultThresholds returns 2.0 spike/dip thresholds with DefaultEpsilon.
func DefaultThresholds() Thresholds {
	return Thresholds{Spike: 2.0, Dip: 2.0, Epsilon: DefaultEpsilon}
}

// Result is the outcome of a deviation test.
type Result struct {
	IsSpike bool
	IsDip   bool
	ZScore  float64
}

// Check computes z = (observed - center) / max(dispersion, epsilon) and
// classifies it. Non-finite inputs yield the zero Result.
func Check(observed, center, dispersion float64, t Thresholds) Result {
	eps := t.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	z := (observed - center) / math.Max(dispersion, eps)
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return Result{}
	}
	return Result{
		IsSpike: z > t.Spike,
		IsDip:   z < -t.Dip,
		ZScore:  z,
	}
}

// Median returns the median of values, 0 for an empty slice.
// The input is not modified.
func Median(values []float64) float64 {
	return Quantile(values, 0.5)
}

// MAD returns the scaled median absolute deviation around center.
func MAD(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - center)
	}
	return Median(dev) * MADScale
}

// Quantile returns the q-quantile (0..1) using linear interpolation
// between closest ranks. The input is not modified.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	q = math.Min(1, math.Max(0, q))

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	w := idx - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
