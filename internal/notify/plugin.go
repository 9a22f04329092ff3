// Package notify implements the notify plugin: it publishes every ranked
// shortlist to a Redis channel and keeps the latest one per venue under a
// Redis key for consumers that join late.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/roles"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ roles.Notifier         = (*Module)(nil)
)

// Config holds configuration for the notify plugin.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	Channel   string        `mapstructure:"channel"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"` // 0 keeps the key forever
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns defaults. Addr is empty, which leaves publishing
// disabled.
func DefaultConfig() Config {
	return Config{
		Channel:   "floorsight:shortlists",
		KeyPrefix: "floorsight:shortlist:latest:",
		LatestTTL: 24 * time.Hour,
		Timeout:   5 * time.Second,
	}
}

// Publisher is the subset of *redis.Client the plugin uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Message is the JSON document published for each shortlist.
type Message struct {
	RunID       string                  `json:"run_id"`
	VenueID     string                  `json:"venue_id"`
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	GeneratedAt time.Time               `json:"generated_at"`
	Episodes    []episode.ScoredEpisode `json:"episodes"`
}

// Module implements the notify plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client Publisher
	closer func() error

	published   atomic.Int64
	failed      atomic.Int64
	subscribers atomic.Int64 // receivers of the last publish
	lastErr     atomic.String
}

// Option configures a Module.
type Option func(*Module)

// WithPublisher replaces the Redis client. Publishing is enabled even
// without an address.
func WithPublisher(p Publisher) Option {
	return func(m *Module) { m.client = p }
}

// New creates a new notify plugin instance.
func New(opts ...Option) *Module {
	m := &Module{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "notify",
		Version:      "0.1.0",
		Description:  "Publishes ranked shortlists to Redis",
		Dependencies: []string{"episodes"},
		Roles:        []string{roles.RoleNotification},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal notify config: %w", err)
		}
	}
	if m.cfg.Timeout <= 0 {
		m.cfg.Timeout = DefaultConfig().Timeout
	}

	if m.client == nil && m.cfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     m.cfg.Addr,
			Password: m.cfg.Password,
			DB:       m.cfg.DB,
		})
		m.client = client
		m.closer = client.Close
	}

	if m.client == nil {
		m.logger.Info("notify disabled: no redis address configured")
		return nil
	}
	m.logger.Info("notify module initialized",
		zap.String("addr", m.cfg.Addr),
		zap.String("channel", m.cfg.Channel),
	)
	return nil
}

// Start checks connectivity. An unreachable server is logged, not fatal;
// each publish retries the connection.
func (m *Module) Start(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.lastErr.Store(err.Error())
		m.logger.Warn("redis not reachable", zap.String("addr", m.cfg.Addr), zap.Error(err))
	}
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.closer != nil {
		if err := m.closer(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
		m.closer = nil
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.client == nil {
		return plugin.HealthStatus{Status: "healthy", Message: "disabled"}
	}
	details := map[string]string{
		"published":   strconv.FormatInt(m.published.Load(), 10),
		"failed":      strconv.FormatInt(m.failed.Load(), 10),
		"subscribers": strconv.FormatInt(m.subscribers.Load(), 10),
	}
	if last := m.lastErr.Load(); last != "" {
		return plugin.HealthStatus{Status: "degraded", Message: last, Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: episode.TopicShortlistReady, Handler: m.handleShortlistReady},
	}
}

func (m *Module) handleShortlistReady(ctx context.Context, event plugin.Event) {
	var sl episode.Shortlist
	switch p := event.Payload.(type) {
	case episode.Shortlist:
		sl = p
	case *episode.Shortlist:
		sl = *p
	default:
		m.logger.Debug("ignored shortlist event: unexpected payload type",
			zap.String("source", event.Source))
		return
	}
	if err := m.Notify(ctx, sl); err != nil {
		m.logger.Warn("shortlist notification failed",
			zap.String("run_id", sl.RunID),
			zap.String("venue_id", sl.VenueID),
			zap.Error(err),
		)
	}
}

// Notify publishes sl on the configured channel and stores it as the
// venue's latest shortlist. It is a no-op when publishing is disabled.
func (m *Module) Notify(ctx context.Context, sl episode.Shortlist) error {
	if m.client == nil {
		return nil
	}
	episodes := sl.Episodes
	if episodes == nil {
		episodes = []episode.ScoredEpisode{}
	}
	body, err := json.Marshal(Message{
		RunID:       sl.RunID,
		VenueID:     sl.VenueID,
		From:        sl.From,
		To:          sl.To,
		GeneratedAt: sl.GeneratedAt,
		Episodes:    episodes,
	})
	if err != nil {
		return fmt.Errorf("marshal shortlist: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	receivers, err := m.client.Publish(ctx, m.cfg.Channel, body).Result()
	if err != nil {
		m.fail(err)
		return fmt.Errorf("publish shortlist: %w", err)
	}
	if err := m.client.Set(ctx, m.cfg.KeyPrefix+sl.VenueID, body, m.cfg.LatestTTL).Err(); err != nil {
		m.fail(err)
		return fmt.Errorf("store latest shortlist: %w", err)
	}

	m.published.Inc()
	m.subscribers.Store(receivers)
	m.lastErr.Store("")
	m.logger.Debug("shortlist published",
		zap.String("run_id", sl.RunID),
		zap.String("channel", m.cfg.Channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

func (m *Module) fail(err error) {
	m.failed.Inc()
	m.lastErr.Store(err.Error())
}
