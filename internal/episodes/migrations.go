package episodes

import (
	"database/sql"

	"github.com/HerbHall/floorsight/pkg/plugin"
)

// migrations returns the episodes module's database migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create baseline and shortlist tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS episode_baselines (
						venue_id       TEXT NOT NULL,
						scope_kind     TEXT NOT NULL,
						scope_id       TEXT NOT NULL DEFAULT '',
						metric         TEXT NOT NULL,
						rolling_median REAL NOT NULL DEFAULT 0,
						dispersion     REAL NOT NULL DEFAULT 0,
						samples        INTEGER NOT NULL DEFAULT 0,
						updated_ms     INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (venue_id, scope_kind, scope_id, metric)
					)`,

					`CREATE TABLE IF NOT EXISTS episode_shortlists (
						run_id       TEXT PRIMARY KEY,
						venue_id     TEXT NOT NULL,
						from_ms      INTEGER NOT NULL,
						to_ms        INTEGER NOT NULL,
						generated_ms INTEGER NOT NULL,
						episodes     TEXT NOT NULL DEFAULT '[]'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_episode_shortlists_venue ON episode_shortlists(venue_id, generated_ms)`,
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
