package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator runs a fixed detector set in parallel.
type Orchestrator struct {
	detectors []Detector
	timeout   time.Duration
	logger    *zap.Logger
	metrics   Metrics
}

// NewOrchestrator creates an orchestrator over detectors, run in the given
// order. timeout bounds each detector; zero means no per-detector limit.
func NewOrchestrator(logger *zap.Logger, metrics Metrics, timeout time.Duration, detectors ...Detector) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Orchestrator{detectors: detectors, timeout: timeout, logger: logger, metrics: metrics}
}

// Detectors returns the registered detector names in order.
func (o *Orchestrator) Detectors() []string {
	names := make([]string, len(o.detectors))
	for i, d := range o.detectors {
		names[i] = d.Name()
	}
	return names
}

// Run executes every detector and concatenates their episodes in
// registration order. A detector that panics, times out or is cancelled
// contributes only what it returned; the others are unaffected.
func (o *Orchestrator) Run(ctx context.Context, venueID string, from, to time.Time) []episode.Episode {
	results := make([][]episode.Episode, len(o.detectors))

	var g errgroup.Group
	for i, d := range o.detectors {
		g.Go(func() error {
			results[i] = o.runOne(ctx, d, venueID, from, to)
			return nil
		})
	}
	_ = g.Wait()

	var out []episode.Episode
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (o *Orchestrator) runOne(ctx context.Context, d Detector, venueID string, from, to time.Time) (eps []episode.Episode) {
	start := time.Now()
	failed := false
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("detector panicked",
				zap.String("detector", d.Name()),
				zap.String("venue_id", venueID),
				zap.Any("panic", r),
			)
			eps, failed = nil, true
		}
		o.metrics.DetectorRun(d.Name(), time.Since(start), len(eps), failed)
	}()

	dctx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	eps = d.Detect(dctx, venueID, from, to)
	if err := dctx.Err(); err != nil {
		failed = true
		o.logger.Warn("detector did not finish",
			zap.String("detector", d.Name()),
			zap.String("venue_id", venueID),
			zap.Error(err),
		)
	}
	o.logger.Debug("detector finished",
		zap.String("detector", d.Name()),
		zap.String("venue_id", venueID),
		zap.Int("episodes", len(eps)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return eps
}

// Learn collects baseline observations from every detector that implements
// Learner. Observations from successful learners are returned together with
// the joined errors of the failed ones.
func (o *Orchestrator) Learn(ctx context.Context, venueID string, from, to time.Time) ([]baseline.Observation, error) {
	type result struct {
		obs []baseline.Observation
		err error
	}
	results := make([]result, len(o.detectors))

	var g errgroup.Group
	for i, d := range o.detectors {
		l, ok := d.(Learner)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].err = fmt.Errorf("%s: panic: %v", d.Name(), r)
				}
			}()
			obs, err := l.Observe(ctx, venueID, from, to)
			if err != nil {
				results[i].err = fmt.Errorf("%s: %w", d.Name(), err)
				return nil
			}
			results[i].obs = obs
			return nil
		})
	}
	_ = g.Wait()

	var (
		out  []baseline.Observation
		errs []error
	)
	for _, r := range results {
		out = append(out, r.obs...)
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return out, errors.Join(errs...)
}
