// Package telemetry implements the telemetry plugin: SQLite storage of
// queue sessions, zone visits, occupancy snapshots and zone metadata, read
// by the detectors and written by ingestion.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/roles"
	"github.com/HerbHall/floorsight/pkg/telemetry"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Module)(nil)
	_ plugin.HealthChecker  = (*Module)(nil)
	_ roles.TelemetrySource = (*Module)(nil)
	_ roles.TelemetryWriter = (*Module)(nil)
)

// ErrNoStore is returned by every data method when the module runs without
// a database.
var ErrNoStore = errors.New("telemetry store not configured")

// Config holds configuration for the telemetry plugin.
type Config struct {
	Retention           time.Duration `mapstructure:"retention"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig keeps 90 days of rows and purges hourly.
func DefaultConfig() Config {
	return Config{
		Retention:           90 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
	}
}

// Module implements the telemetry plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new telemetry plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "telemetry",
		Version:     "0.1.0",
		Description: "Venue telemetry storage",
		Roles:       []string{roles.RoleTelemetry},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal telemetry config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "telemetry", migrations()); err != nil {
			return fmt.Errorf("telemetry migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	}

	m.logger.Info("telemetry module initialized",
		zap.Bool("persistent", m.store != nil),
		zap.Duration("retention", m.cfg.Retention),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.store != nil && m.cfg.Retention > 0 && m.cfg.MaintenanceInterval > 0 {
		m.startMaintenance()
	}
	m.logger.Info("telemetry module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("telemetry module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "no database configured"}
	}
	venues, err := m.store.Venues(ctx)
	if err != nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	return plugin.HealthStatus{
		Status:  "healthy",
		Details: map[string]string{"venues": strconv.Itoa(len(venues))},
	}
}

func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.purge()
			}
		}
	}()
}

func (m *Module) purge() {
	ctx, cancel := context.WithTimeout(m.ctx, time.Minute)
	defer cancel()
	deleted, err := m.store.DeleteBefore(ctx, time.Now().Add(-m.cfg.Retention))
	if err != nil {
		m.logger.Warn("failed to purge old telemetry", zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("purged old telemetry", zap.Int64("rows", deleted))
	}
}

// -- roles.TelemetrySource --

func (m *Module) QueueSessions(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.QueueSession, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.QueueSessions(ctx, venueID, from, to)
}

func (m *Module) ZoneVisits(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.ZoneVisit, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.ZoneVisits(ctx, venueID, from, to)
}

func (m *Module) Occupancy(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.OccupancySnapshot, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.Occupancy(ctx, venueID, from, to)
}

func (m *Module) Zones(ctx context.Context, venueID string) ([]telemetry.ZoneMeta, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.Zones(ctx, venueID)
}

// -- roles.TelemetryWriter --

func (m *Module) Apply(ctx context.Context, rows []any) (telemetry.Ingested, error) {
	if m.store == nil {
		return telemetry.Ingested{}, ErrNoStore
	}
	return m.store.Apply(ctx, rows)
}

func (m *Module) Venues(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.Venues(ctx)
}
