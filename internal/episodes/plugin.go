// Package episodes implements the episodes plugin: it runs the detectors
// over stored telemetry, ranks the candidates into a shortlist, keeps the
// statistical baselines fresh and persists both.
package episodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/internal/episodes/confidence"
	"github.com/HerbHall/floorsight/internal/episodes/detect"
	"github.com/HerbHall/floorsight/internal/episodes/rank"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/roles"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
	_ roles.EpisodeProvider  = (*Module)(nil)
)

var (
	// ErrInvalidRange is returned for an empty venue id, an empty or
	// inverted time range, or a range longer than max_range.
	ErrInvalidRange = errors.New("invalid venue or time range")

	// ErrNotReady is returned when no telemetry source is available.
	ErrNotReady = errors.New("episodes module has no telemetry source")
)

// Module implements the episodes plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	store   *EpisodeStore
	bus     plugin.EventBus
	plugins plugin.PluginResolver

	source    detect.Source
	baselines *baseline.Store
	ranker    *rank.Ranker
	index     rank.KPIIndex
	orch      *detect.Orchestrator
	now       func() time.Time

	mu    sync.Mutex
	dirty map[string]struct{} // venues awaiting a baseline refresh

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Module.
type Option func(*Module)

// WithSource sets the telemetry source instead of resolving the telemetry
// role at Init.
func WithSource(src detect.Source) Option {
	return func(m *Module) { m.source = src }
}

// WithKPIIndex replaces the built-in KPI index.
func WithKPIIndex(idx rank.KPIIndex) Option {
	return func(m *Module) { m.index = idx }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

// New creates a new episodes plugin instance.
func New(opts ...Option) *Module {
	m := &Module{
		index: rank.DefaultKPIIndex(),
		now:   time.Now,
		dirty: make(map[string]struct{}),
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "episodes",
		Version:      "0.1.0",
		Description:  "Episode detection, ranking and baselines",
		Dependencies: []string{"telemetry"},
		Roles:        []string{roles.RoleEpisodes},
		Required:     true,
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal episodes config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "episodes", migrations()); err != nil {
			return fmt.Errorf("episodes migrations: %w", err)
		}
		m.store = NewEpisodeStore(deps.Store.DB())
	}

	m.bus = deps.Bus
	m.plugins = deps.Plugins
	if m.source == nil {
		m.source = m.resolveSource()
	}

	m.baselines = baseline.New(m.cfg.Baseline)
	m.ranker = rank.New(m.cfg.Ranking)
	env := detect.Env{
		Source:    m.source,
		Baselines: m.baselines,
		Scorer:    confidence.New(m.cfg.Confidence),
		Config:    m.cfg.Config,
		Logger:    m.logger.Named("detect"),
		Metrics:   promMetrics{},
	}
	m.orch = detect.NewOrchestrator(m.logger, promMetrics{}, m.cfg.DetectionTimeout, detect.All(env)...)

	m.logger.Info("episodes module initialized",
		zap.Strings("detectors", m.orch.Detectors()),
		zap.Bool("source", m.source != nil),
		zap.Bool("persistent", m.store != nil),
		zap.Int("min_population_zone", m.cfg.MinPopulation.Zone),
		zap.Int("min_population_global", m.cfg.MinPopulation.Global),
		zap.Duration("refresh_interval", m.cfg.RefreshInterval),
	)
	return nil
}

// resolveSource finds a plugin filling the telemetry role.
func (m *Module) resolveSource() detect.Source {
	if m.plugins == nil {
		return nil
	}
	for _, p := range m.plugins.ResolveByRole(roles.RoleTelemetry) {
		if src, ok := p.(roles.TelemetrySource); ok {
			return src
		}
	}
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	c := m.cfg
	switch {
	case c.MinPopulation.Global < 1 || c.MinPopulation.Zone < 1:
		return fmt.Errorf("min_population must be at least 1")
	case c.StepRatio <= 0 || c.StepRatio > 1:
		return fmt.Errorf("step_ratio must be in (0, 1], got %v", c.StepRatio)
	case c.Baseline.WindowSize < 1 || c.Baseline.MinSamples < 1:
		return fmt.Errorf("baseline window_size and min_samples must be positive")
	case c.Confidence.Weights.Conditions <= 0:
		return fmt.Errorf("confidence.weights.conditions must be positive, got %v", c.Confidence.Weights.Conditions)
	case c.Baseline.MinSamples > c.Baseline.WindowSize:
		return fmt.Errorf("baseline min_samples %d exceeds window_size %d", c.Baseline.MinSamples, c.Baseline.WindowSize)
	}
	for name, w := range map[string]time.Duration{
		"queue_buildup.window": c.Queue.Window,
		"lane_supply.window":   c.Lane.Window,
		"abandonment.window":   c.Abandonment.Window,
		"passby.window":        c.Passby.Window,
		"bottleneck.window":    c.Bottleneck.Window,
	} {
		if w <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.warmLoad()
	m.markAllVenuesDirty()
	if m.cfg.RefreshInterval > 0 {
		m.startRefresh()
	}
	if m.store != nil && m.cfg.MaintenanceInterval > 0 {
		m.startMaintenance()
	}
	m.logger.Info("episodes module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.store != nil && m.baselines != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.persistBaselines(ctx, "")
	}
	m.logger.Info("episodes module stopped")
	return nil
}

// -- plugin.HealthChecker --

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{
		"baselines_tracked": "0",
		"dirty_venues":      strconv.Itoa(m.dirtyCount()),
	}
	if m.baselines != nil {
		details["baselines_tracked"] = strconv.Itoa(m.baselines.Count())
	}
	if m.source == nil {
		return plugin.HealthStatus{Status: "degraded", Message: ErrNotReady.Error(), Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// -- plugin.EventSubscriber --

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: TopicTelemetryIngested, Handler: m.handleTelemetryIngested},
	}
}

// -- roles.EpisodeProvider --

// Detect runs every detector over [from, to) for a venue, ranks the
// candidates and returns the shortlist. The shortlist is persisted and
// announced on the bus; failures to do either are logged, not returned.
// topN <= 0 uses ranking.default_top_n.
func (m *Module) Detect(ctx context.Context, venueID string, from, to time.Time, topN int) (*episode.Shortlist, error) {
	if venueID == "" || !from.Before(to) || (m.cfg.MaxRange > 0 && to.Sub(from) > m.cfg.MaxRange) {
		shortlistsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRange
	}
	if m.source == nil || m.orch == nil {
		shortlistsTotal.WithLabelValues("not_ready").Inc()
		return nil, ErrNotReady
	}

	start := m.now()
	candidates := m.orch.Run(ctx, venueID, from, to)
	sl := &episode.Shortlist{
		RunID:       uuid.NewString(),
		VenueID:     venueID,
		From:        from.UTC(),
		To:          to.UTC(),
		GeneratedAt: m.now().UTC(),
		Episodes:    m.ranker.RankAndSelect(candidates, topN),
	}
	shortlistsTotal.WithLabelValues("ok").Inc()

	m.logger.Info("detection finished",
		zap.String("run_id", sl.RunID),
		zap.String("venue_id", venueID),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(sl.Episodes)),
		zap.Duration("elapsed", m.now().Sub(start)),
	)

	if m.store != nil {
		if err := m.store.SaveShortlist(ctx, sl); err != nil {
			m.logger.Warn("failed to store shortlist",
				zap.String("run_id", sl.RunID),
				zap.Error(err),
			)
		}
	}
	m.publishShortlist(sl)
	return sl, nil
}

// LatestShortlist implements roles.EpisodeProvider.
func (m *Module) LatestShortlist(ctx context.Context, venueID string) (*episode.Shortlist, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.LatestShortlist(ctx, venueID)
}

// KPIIndex returns the KPI to episode type index.
func (m *Module) KPIIndex() rank.KPIIndex {
	return m.index
}
