package episodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
)

// EpisodeStore provides database access for the episodes plugin.
type EpisodeStore struct {
	db *sql.DB
}

// NewEpisodeStore creates a new EpisodeStore backed by the given database.
func NewEpisodeStore(db *sql.DB) *EpisodeStore {
	return &EpisodeStore{db: db}
}

// -- Baselines --

// UpsertBaselines writes records in one transaction.
func (s *EpisodeStore) UpsertBaselines(ctx context.Context, records []baseline.Record) error {
	return s.writeBaselines(ctx, "", records)
}

// ReplaceBaselines makes records the complete persisted set for venueID:
// rows of series no longer present are removed in the same transaction.
func (s *EpisodeStore) ReplaceBaselines(ctx context.Context, venueID string, records []baseline.Record) error {
	if venueID == "" {
		return fmt.Errorf("replace baselines: empty venue id")
	}
	return s.writeBaselines(ctx, venueID, records)
}

// writeBaselines upserts records, first clearing venueID when set.
func (s *EpisodeStore) writeBaselines(ctx context.Context, clearVenue string, records []baseline.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin baseline tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if clearVenue != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM episode_baselines WHERE venue_id = ?`, clearVenue); err != nil {
			return fmt.Errorf("clear baselines of %s: %w", clearVenue, err)
		}
	}
	for _, r := range records {
		if clearVenue != "" && r.VenueID != clearVenue {
			return fmt.Errorf("baseline for venue %s in replace of %s", r.VenueID, clearVenue)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO episode_baselines (
				venue_id, scope_kind, scope_id, metric,
				rolling_median, dispersion, samples, updated_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.VenueID, string(r.ScopeKind), r.ScopeID, r.Metric,
			r.RollingMedian, r.Dispersion, r.Samples, r.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert baseline: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit baselines: %w", err)
	}
	return nil
}

// LoadBaselines returns every persisted baseline record.
func (s *EpisodeStore) LoadBaselines(ctx context.Context) ([]baseline.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue_id, scope_kind, scope_id, metric,
			rolling_median, dispersion, samples, updated_ms
		FROM episode_baselines`)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	defer rows.Close()

	var out []baseline.Record
	for rows.Next() {
		var r baseline.Record
		var scope string
		var updated int64
		if err := rows.Scan(&r.VenueID, &scope, &r.ScopeID, &r.Metric,
			&r.RollingMedian, &r.Dispersion, &r.Samples, &updated); err != nil {
			return nil, fmt.Errorf("scan baseline row: %w", err)
		}
		r.ScopeKind = episode.Scope(scope)
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// -- Shortlists --

// SaveShortlist stores a ranked run.
func (s *EpisodeStore) SaveShortlist(ctx context.Context, sl *episode.Shortlist) error {
	body, err := json.Marshal(sl.Episodes)
	if err != nil {
		return fmt.Errorf("marshal shortlist: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episode_shortlists (run_id, venue_id, from_ms, to_ms, generated_ms, episodes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sl.RunID, sl.VenueID, sl.From.UnixMilli(), sl.To.UnixMilli(), sl.GeneratedAt.UnixMilli(), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert shortlist: %w", err)
	}
	return nil
}

// LatestShortlist returns the most recently generated shortlist for a venue,
// or nil when none exists.
func (s *EpisodeStore) LatestShortlist(ctx context.Context, venueID string) (*episode.Shortlist, error) {
	var (
		sl                  episode.Shortlist
		from, to, generated int64
		body                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, venue_id, from_ms, to_ms, generated_ms, episodes
		FROM episode_shortlists WHERE venue_id = ?
		ORDER BY generated_ms DESC, run_id DESC LIMIT 1`,
		venueID,
	).Scan(&sl.RunID, &sl.VenueID, &from, &to, &generated, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest shortlist: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &sl.Episodes); err != nil {
		return nil, fmt.Errorf("decode shortlist %s: %w", sl.RunID, err)
	}
	sl.From = time.UnixMilli(from).UTC()
	sl.To = time.UnixMilli(to).UTC()
	sl.GeneratedAt = time.UnixMilli(generated).UTC()
	return &sl, nil
}

// DeleteShortlistsBefore removes shortlists generated before cutoff.
func (s *EpisodeStore) DeleteShortlistsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episode_shortlists WHERE generated_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old shortlists: %w", err)
	}
	return res.RowsAffected()
}
