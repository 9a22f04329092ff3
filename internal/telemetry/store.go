package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Store provides database access for venue telemetry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store backed by the given database. The telemetry
// migrations must already have been applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// -- Reads --

// QueueSessions returns sessions of venueID that entered a queue in
// [from, to), ordered by entry time.
func (s *Store) QueueSessions(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.QueueSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_key, queue_zone_id, entry_ms, exit_ms, waiting_ms,
			service_entry_ms, is_complete, is_abandoned
		FROM queue_sessions
		WHERE venue_id = ? AND entry_ms >= ? AND entry_ms < ?
		ORDER BY entry_ms, queue_zone_id, track_key`,
		venueID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query queue sessions: %w", err)
	}
	defer rows.Close()

	var out []telemetry.QueueSession
	for rows.Next() {
		qs := telemetry.QueueSession{VenueID: venueID}
		var entry int64
		var exit, service sql.NullInt64
		if err := rows.Scan(&qs.TrackKey, &qs.QueueZoneID, &entry, &exit, &qs.WaitingMS,
			&service, &qs.IsComplete, &qs.IsAbandoned); err != nil {
			return nil, fmt.Errorf("scan queue session: %w", err)
		}
		qs.EntryTS = fromMillis(entry)
		qs.ExitTS = nullTime(exit)
		qs.ServiceEntryTS = nullTime(service)
		out = append(out, qs)
	}
	return out, rows.Err()
}

// ZoneVisits returns visits of venueID that started in [from, to).
func (s *Store) ZoneVisits(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.ZoneVisit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_key, roi_id, start_ms, duration_ms, is_dwell, is_engagement
		FROM zone_visits
		WHERE venue_id = ? AND start_ms >= ? AND start_ms < ?
		ORDER BY start_ms, roi_id, track_key`,
		venueID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query zone visits: %w", err)
	}
	defer rows.Close()

	var out []telemetry.ZoneVisit
	for rows.Next() {
		v := telemetry.ZoneVisit{VenueID: venueID}
		var start int64
		if err := rows.Scan(&v.TrackKey, &v.ROIID, &start, &v.DurationMS, &v.IsDwell, &v.IsEngagement); err != nil {
			return nil, fmt.Errorf("scan zone visit: %w", err)
		}
		v.StartTS = fromMillis(start)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Occupancy returns snapshots of venueID taken in [from, to).
func (s *Store) Occupancy(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.OccupancySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT roi_id, ts_ms, occupancy_count
		FROM occupancy_snapshots
		WHERE venue_id = ? AND ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms, roi_id`,
		venueID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query occupancy: %w", err)
	}
	defer rows.Close()

	var out []telemetry.OccupancySnapshot
	for rows.Next() {
		o := telemetry.OccupancySnapshot{VenueID: venueID}
		var ts int64
		if err := rows.Scan(&o.ROIID, &ts, &o.OccupancyCount); err != nil {
			return nil, fmt.Errorf("scan occupancy: %w", err)
		}
		o.Timestamp = fromMillis(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Zones returns the zone metadata of venueID. Zone types are normalised;
// a type that is not recognised is returned empty so callers fall back to
// name heuristics.
func (s *Store) Zones(ctx context.Context, venueID string) ([]telemetry.ZoneMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT roi_id, name, is_open, linked_service_zone_id, zone_type
		FROM zones WHERE venue_id = ? ORDER BY roi_id`,
		venueID,
	)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var out []telemetry.ZoneMeta
	for rows.Next() {
		z := telemetry.ZoneMeta{VenueID: venueID}
		if err := rows.Scan(&z.ROIID, &z.Name, &z.IsOpen, &z.LinkedServiceZoneID, &z.ZoneType); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.ZoneType = normalizeZoneType(z.ZoneType)
		out = append(out, z)
	}
	return out, rows.Err()
}

// Venues lists every venue with queue sessions or zone visits.
func (s *Store) Venues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue_id FROM queue_sessions
		UNION SELECT venue_id FROM zone_visits
		ORDER BY venue_id`)
	if err != nil {
		return nil, fmt.Errorf("list venues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan venue: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// -- Writes --

// Apply upserts decoded rows in a single transaction. Re-applying the same
// row replaces it, so redelivered messages are harmless.
func (s *Store) Apply(ctx context.Context, rows []any) (telemetry.Ingested, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return telemetry.Ingested{}, fmt.Errorf("begin telemetry tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	venues := make(map[string]struct{})
	for i, row := range rows {
		venueID, err := s.applyRow(ctx, tx, row)
		if err != nil {
			return telemetry.Ingested{}, fmt.Errorf("apply row %d: %w", i, err)
		}
		venues[venueID] = struct{}{}
	}
	if err := tx.Commit(); err != nil {
		return telemetry.Ingested{}, fmt.Errorf("commit telemetry tx: %w", err)
	}

	ids := make([]string, 0, len(venues))
	for id := range venues {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return telemetry.Ingested{VenueIDs: ids, Rows: len(rows)}, nil
}

func (s *Store) applyRow(ctx context.Context, tx *sql.Tx, row any) (string, error) {
	switch r := row.(type) {
	case *telemetry.QueueSession:
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO queue_sessions (
				venue_id, queue_zone_id, track_key, entry_ms, exit_ms, waiting_ms,
				service_entry_ms, is_complete, is_abandoned
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.VenueID, r.QueueZoneID, r.TrackKey, r.EntryTS.UnixMilli(), nullMillis(r.ExitTS),
			r.WaitingMS, nullMillis(r.ServiceEntryTS), r.IsComplete, r.IsAbandoned,
		)
		return r.VenueID, err
	case *telemetry.ZoneVisit:
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO zone_visits (
				venue_id, roi_id, track_key, start_ms, duration_ms, is_dwell, is_engagement
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.VenueID, r.ROIID, r.TrackKey, r.StartTS.UnixMilli(), r.DurationMS, r.IsDwell, r.IsEngagement,
		)
		return r.VenueID, err
	case *telemetry.OccupancySnapshot:
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO occupancy_snapshots (venue_id, roi_id, ts_ms, occupancy_count)
			VALUES (?, ?, ?, ?)`,
			r.VenueID, r.ROIID, r.Timestamp.UnixMilli(), r.OccupancyCount,
		)
		return r.VenueID, err
	case *telemetry.ZoneMeta:
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO zones (
				venue_id, roi_id, name, is_open, linked_service_zone_id, zone_type, updated_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.VenueID, r.ROIID, r.Name, r.IsOpen, r.LinkedServiceZoneID,
			strings.TrimSpace(r.ZoneType), s.now().UnixMilli(),
		)
		return r.VenueID, err
	default:
		return "", fmt.Errorf("unsupported row type %T", row)
	}
}

// DeleteBefore removes session, visit and occupancy rows older than cutoff.
// Zone metadata is kept.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	var total int64
	for _, q := range []string{
		`DELETE FROM queue_sessions WHERE entry_ms < ?`,
		`DELETE FROM zone_visits WHERE start_ms < ?`,
		`DELETE FROM occupancy_snapshots WHERE ts_ms < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, ms)
		if err != nil {
			return total, fmt.Errorf("delete old telemetry: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

var knownZoneTypes = []string{
	telemetry.ZoneTypeQueue,
	telemetry.ZoneTypeService,
	telemetry.ZoneTypeCheckout,
	telemetry.ZoneTypeLane,
	telemetry.ZoneTypeDisplay,
	telemetry.ZoneTypeCorridor,
}

func normalizeZoneType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if slices.Contains(knownZoneTypes, t) {
		return t
	}
	return ""
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
