// Package roles defines typed contracts for plugin roles.
// Plugins that fill a role (declared via PluginInfo.Roles) should implement
// the corresponding interface so callers can use type-safe access via
// PluginResolver.ResolveByRole followed by a type assertion.
//
// This package is Apache 2.0 licensed, part of the public plugin SDK.
package roles

import (
	"context"
	"time"

	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Role name constants match the strings used in PluginInfo.Roles.
const (
	RoleTelemetry    = "telemetry"
	RoleEpisodes     = "episodes"
	RoleNotification = "notification"
)

// TelemetrySource is implemented by plugins that serve venue telemetry
// rows for a half-open time range [from, to).
type TelemetrySource interface {
	QueueSessions(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.QueueSession, error)
	ZoneVisits(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.ZoneVisit, error)
	Occupancy(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.OccupancySnapshot, error)

	// Zones returns the current zone metadata of a venue.
	Zones(ctx context.Context, venueID string) ([]telemetry.ZoneMeta, error)
}

// TelemetryWriter is implemented by plugins that persist telemetry rows.
type TelemetryWriter interface {
	// Apply stores decoded rows (*telemetry.QueueSession, *telemetry.ZoneVisit,
	// *telemetry.OccupancySnapshot or *telemetry.ZoneMeta) atomically.
	Apply(ctx context.Context, rows []any) (telemetry.Ingested, error)

	// Venues lists every venue with stored telemetry.
	Venues(ctx context.Context) ([]string, error)
}

// EpisodeProvider is implemented by plugins that detect and rank episodes.
type EpisodeProvider interface {
	// Detect runs detection and ranking for a venue and time range.
	Detect(ctx context.Context, venueID string, from, to time.Time, topN int) (*episode.Shortlist, error)

	// LatestShortlist returns the most recent stored shortlist, or nil.
	LatestShortlist(ctx context.Context, venueID string) (*episode.Shortlist, error)
}

// Notifier is implemented by plugins that deliver shortlists downstream.
type Notifier interface {
	Notify(ctx context.Context, sl episode.Shortlist) error
}
