package telemetry

import (
	"database/sql"

	"github.com/HerbHall/floorsight/pkg/plugin"
)

// migrations returns the telemetry module's database migrations.
// Timestamps are stored as Unix milliseconds so range scans compare numbers.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create telemetry tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS queue_sessions (
						venue_id         TEXT NOT NULL,
						queue_zone_id    TEXT NOT NULL,
						track_key        TEXT NOT NULL,
						entry_ms         INTEGER NOT NULL,
						exit_ms          INTEGER,
						waiting_ms       INTEGER NOT NULL DEFAULT 0,
						service_entry_ms INTEGER,
						is_complete      INTEGER NOT NULL DEFAULT 0,
						is_abandoned     INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (venue_id, queue_zone_id, track_key, entry_ms)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_queue_sessions_entry ON queue_sessions(venue_id, entry_ms)`,

					`CREATE TABLE IF NOT EXISTS zone_visits (
						venue_id      TEXT NOT NULL,
						roi_id        TEXT NOT NULL,
						track_key     TEXT NOT NULL,
						start_ms      INTEGER NOT NULL,
						duration_ms   INTEGER NOT NULL DEFAULT 0,
						is_dwell      INTEGER NOT NULL DEFAULT 0,
						is_engagement INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (venue_id, roi_id, track_key, start_ms)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_zone_visits_start ON zone_visits(venue_id, start_ms)`,

					`CREATE TABLE IF NOT EXISTS occupancy_snapshots (
						venue_id        TEXT NOT NULL,
						roi_id          TEXT NOT NULL,
						ts_ms           INTEGER NOT NULL,
						occupancy_count INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (venue_id, roi_id, ts_ms)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_occupancy_ts ON occupancy_snapshots(venue_id, ts_ms)`,

					`CREATE TABLE IF NOT EXISTS zones (
						venue_id               TEXT NOT NULL,
						roi_id                 TEXT NOT NULL,
						name                   TEXT NOT NULL DEFAULT '',
						is_open                INTEGER NOT NULL DEFAULT 0,
						linked_service_zone_id TEXT NOT NULL DEFAULT '',
						zone_type              TEXT NOT NULL DEFAULT '',
						updated_ms             INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (venue_id, roi_id)
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
