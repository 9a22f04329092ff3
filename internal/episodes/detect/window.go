package detect

import (
	"cmp"
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Window is a half-open detection window [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Minutes returns the window length in minutes.
func (w Window) Minutes() float64 {
	return w.End.Sub(w.Start).Minutes()
}

// slide returns every full window of length size in [from, to), advancing
// by size*stepRatio. When the last step leaves a tail uncovered, a final
// window anchored at to-size is added so the whole range is scanned. A
// range shorter than size yields no windows.
func slide(from, to time.Time, size time.Duration, stepRatio float64) []Window {
	if size <= 0 || !from.Before(to) {
		return nil
	}
	if stepRatio <= 0 || stepRatio > 1 {
		stepRatio = 0.5
	}
	step := time.Duration(float64(size) * stepRatio)
	if step <= 0 {
		step = size
	}

	var out []Window
	for start := from; !start.Add(size).After(to); start = start.Add(step) {
		out = append(out, Window{Start: start, End: start.Add(size)})
	}
	if n := len(out); n > 0 && out[n-1].End.Before(to) {
		out = append(out, Window{Start: to.Add(-size), End: to})
	}
	return out
}

// Interval is a span of presence for the sweep-line.
type Interval struct {
	Start time.Time
	End   time.Time
}

// PeakConcurrency returns the maximum number of simultaneously open
// intervals. Events are sorted by time with ends before starts on ties, so
// back-to-back intervals do not overlap. Empty or inverted intervals are
// ignored.
func PeakConcurrency(intervals []Interval) int {
	type edge struct {
		at    time.Time
		delta int
	}
	edges := make([]edge, 0, 2*len(intervals))
	for _, iv := range intervals {
		if !iv.Start.Before(iv.End) {
			continue
		}
		edges = append(edges, edge{iv.Start, +1}, edge{iv.End, -1})
	}
	slices.SortFunc(edges, func(a, b edge) int {
		return cmp.Or(a.at.Compare(b.at), cmp.Compare(a.delta, b.delta))
	})

	running, peak := 0, 0
	for _, e := range edges {
		running += e.delta
		peak = max(peak, running)
	}
	return peak
}

// clip bounds iv to w.
func clip(iv Interval, w Window) Interval {
	if iv.Start.Before(w.Start) {
		iv.Start = w.Start
	}
	if iv.End.After(w.End) {
		iv.End = w.End
	}
	return iv
}

// isClustered reports whether at least minCount of times fall within any
// span of length span (inclusive).
func isClustered(times []time.Time, span time.Duration, minCount int) bool {
	if minCount <= 0 {
		return true
	}
	if len(times) < minCount {
		return false
	}
	sorted := slices.Clone(times)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	lo := 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) > span {
			lo++
		}
		if hi-lo+1 >= minCount {
			return true
		}
	}
	return false
}

// fetch runs one storage query under the configured timeout. Failures are
// logged and counted here; Detect callers treat them as no data.
func fetch[T any](ctx context.Context, env Env, detector, query, venueID string, fn func(context.Context) ([]T, error)) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qctx := ctx
	if env.Config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, env.Config.QueryTimeout)
		defer cancel()
	}
	rows, err := fn(qctx)
	if err != nil {
		env.Logger.Warn("detector query failed",
			zap.String("detector", detector),
			zap.String("query", query),
			zap.String("venue_id", venueID),
			zap.Error(err),
		)
		env.Metrics.QueryFailed(detector, query)
		return nil, err
	}
	return rows, nil
}
