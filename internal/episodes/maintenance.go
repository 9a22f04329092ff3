package episodes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// venueLister is implemented by sources that can enumerate known venues.
type venueLister interface {
	Venues(ctx context.Context) ([]string, error)
}

// RefreshBaselines relearns the baselines of one venue from the last
// baseline_lookback of telemetry and persists them. When any detector
// fails to report its observations the existing baselines are kept and
// the joined error is returned. It returns the number of series rebuilt.
func (m *Module) RefreshBaselines(ctx context.Context, venueID string) (int, error) {
	if venueID == "" {
		return 0, ErrInvalidRange
	}
	if m.source == nil || m.orch == nil {
		return 0, ErrNotReady
	}

	to := m.now().UTC()
	from := to.Add(-m.cfg.BaselineLookback)
	obs, err := m.orch.Learn(ctx, venueID, from, to)
	if err != nil {
		return 0, fmt.Errorf("learn baselines for %s: %w", venueID, err)
	}

	n := m.baselines.Rebuild(venueID, obs)
	baselinesTracked.Set(float64(m.baselines.Count()))
	m.persistBaselines(ctx, venueID)

	m.logger.Info("baselines refreshed",
		zap.String("venue_id", venueID),
		zap.Int("observations", len(obs)),
		zap.Int("series", n),
	)
	return n, nil
}

// persistBaselines writes the baselines of venueID to the store, replacing
// every previously persisted series of that venue. With an empty venueID all
// in-memory records are upserted. Failures are logged.
func (m *Module) persistBaselines(ctx context.Context, venueID string) {
	if m.store == nil {
		return
	}
	records := m.baselines.Records(venueID)
	var err error
	switch {
	case venueID != "":
		err = m.store.ReplaceBaselines(ctx, venueID, records)
	case len(records) > 0:
		err = m.store.UpsertBaselines(ctx, records)
	}
	if err != nil {
		m.logger.Warn("failed to persist baselines",
			zap.String("venue_id", venueID),
			zap.Error(err),
		)
	}
}

// warmLoad seeds the in-memory baselines from the store.
func (m *Module) warmLoad() {
	if m.store == nil {
		return
	}
	records, err := m.store.LoadBaselines(m.ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted baselines", zap.Error(err))
		return
	}
	m.baselines.Load(records)
	baselinesTracked.Set(float64(m.baselines.Count()))
	m.logger.Debug("baselines loaded", zap.Int("records", len(records)))
}

func (m *Module) markAllVenuesDirty() {
	lister, ok := m.source.(venueLister)
	if !ok {
		return
	}
	venues, err := lister.Venues(m.ctx)
	if err != nil {
		m.logger.Warn("failed to list venues", zap.Error(err))
		return
	}
	m.markDirty(venues...)
}

func (m *Module) markDirty(venues ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range venues {
		if v != "" {
			m.dirty[v] = struct{}{}
		}
	}
}

// takeDirty drains the dirty set in sorted order.
func (m *Module) takeDirty() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.dirty))
	for v := range m.dirty {
		out = append(out, v)
	}
	clear(m.dirty)
	slices.Sort(out)
	return out
}

func (m *Module) dirtyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

func (m *Module) startRefresh() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.refreshDirty(m.ctx)
			}
		}
	}()
}

// refreshDirty rebuilds the baselines of every venue marked dirty since the
// last pass. Venues whose refresh fails are marked dirty again.
func (m *Module) refreshDirty(ctx context.Context) {
	for _, venueID := range m.takeDirty() {
		if ctx.Err() != nil {
			m.markDirty(venueID)
			continue
		}
		if _, err := m.RefreshBaselines(ctx, venueID); err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Warn("baseline refresh failed",
					zap.String("venue_id", venueID),
					zap.Error(err),
				)
			}
			m.markDirty(venueID)
		}
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
				m.runMaintenance()
			}
		}
	}()
}

func (m *Module) runMaintenance() {
	if m.cfg.ShortlistRetention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.ShortlistRetention)
	deleted, err := m.store.DeleteShortlistsBefore(m.ctx, cutoff)
	if err != nil {
		m.logger.Warn("maintenance: failed to delete old shortlists", zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("maintenance: deleted old shortlists", zap.Int64("count", deleted))
	}
}
