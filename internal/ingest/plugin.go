// Package ingest implements the ingest plugin: a Kafka consumer that decodes
// telemetry envelopes, writes the rows through the telemetry role and
// announces each committed batch on the event bus.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/roles"
	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Config holds configuration for the ingest plugin.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`

	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// DefaultConfig returns defaults. Brokers are empty, which leaves the
// consumer disabled.
func DefaultConfig() Config {
	return Config{
		Topics:     []string{"floorsight.telemetry"},
		GroupID:    "floorsight-ingest",
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	}
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Module implements the ingest plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	writer roles.TelemetryWriter
	bus    plugin.EventBus

	newReader func(Config) Reader
	enabled   bool

	messages atomic.Int64
	rows     atomic.Int64
	rejected atomic.Int64
	lastErr  atomic.String

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Module.
type Option func(*Module)

// WithReader replaces the Kafka reader, e.g. with an in-memory fake. The
// consumer is enabled even without brokers.
func WithReader(r Reader) Option {
	return func(m *Module) {
		m.newReader = func(Config) Reader { return r }
	}
}

// WithWriter sets the telemetry writer instead of resolving the telemetry
// role at Init.
func WithWriter(w roles.TelemetryWriter) Option {
	return func(m *Module) { m.writer = w }
}

// New creates a new ingest plugin instance.
func New(opts ...Option) *Module {
	m := &Module{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "ingest",
		Version:      "0.1.0",
		Description:  "Kafka telemetry consumer",
		Dependencies: []string{"telemetry"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal ingest config: %w", err)
		}
	}

	if m.writer == nil && deps.Plugins != nil {
		for _, p := range deps.Plugins.ResolveByRole(roles.RoleTelemetry) {
			if w, ok := p.(roles.TelemetryWriter); ok {
				m.writer = w
				break
			}
		}
	}

	if m.newReader == nil && len(m.cfg.Brokers) > 0 {
		m.newReader = newKafkaReader
	}
	m.enabled = m.newReader != nil && m.writer != nil

	switch {
	case m.newReader == nil:
		m.logger.Info("ingest disabled: no brokers configured")
	case m.writer == nil:
		m.logger.Warn("ingest disabled: no telemetry writer available")
	default:
		m.logger.Info("ingest module initialized",
			zap.Strings("brokers", m.cfg.Brokers),
			zap.Strings("topics", m.cfg.Topics),
			zap.String("group_id", m.cfg.GroupID),
		)
	}
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	if len(m.cfg.Brokers) == 0 {
		return nil
	}
	if len(m.cfg.Topics) == 0 {
		return fmt.Errorf("ingest: at least one topic is required when brokers are set")
	}
	if m.cfg.GroupID == "" {
		return fmt.Errorf("ingest: group_id is required when brokers are set")
	}
	if m.cfg.MinBackoff <= 0 || m.cfg.MaxBackoff < m.cfg.MinBackoff {
		return fmt.Errorf("ingest: invalid backoff range [%v, %v]", m.cfg.MinBackoff, m.cfg.MaxBackoff)
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if !m.enabled {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	reader := m.newReader(m.cfg)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consume(m.ctx, reader)
	}()
	m.logger.Info("ingest module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if !m.enabled {
		return plugin.HealthStatus{Status: "healthy", Message: "disabled"}
	}
	details := map[string]string{
		"messages": strconv.FormatInt(m.messages.Load(), 10),
		"rows":     strconv.FormatInt(m.rows.Load(), 10),
		"rejected": strconv.FormatInt(m.rejected.Load(), 10),
	}
	if last := m.lastErr.Load(); last != "" {
		return plugin.HealthStatus{Status: "degraded", Message: last, Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

func newKafkaReader(cfg Config) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
}
