// Package episode provides public SDK types for floorsight episodes.
// This package is Apache 2.0 licensed, part of the public plugin SDK.
package episode

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of notable behaviour an episode describes.
type Type string

const (
	TypeQueueBuildupSpike  Type = "QUEUE_BUILDUP_SPIKE"
	TypeLaneUndersupply    Type = "LANE_UNDERSUPPLY"
	TypeLaneOversupply     Type = "LANE_OVERSUPPLY"
	TypeAbandonmentWave    Type = "ABANDONMENT_WAVE"
	TypePassbyLowBrowse    Type = "PASSBY_LOW_BROWSE"
	TypeBottleneckCorridor Type = "BOTTLENECK_CORRIDOR"
)

// AllTypes lists every episode type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeQueueBuildupSpike,
		TypeLaneUndersupply,
		TypeLaneOversupply,
		TypeAbandonmentWave,
		TypePassbyLowBrowse,
		TypeBottleneckCorridor,
	}
}

// Scope is the spatial extent an episode applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeZone   Scope = "zone"
)

// Direction is the sign of a KPI movement.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// KPI identifiers used as keys in Episode.KPIDeltas.
const (
	KPIQueueWaitTime        = "queueWaitTime"
	KPIQueueLength          = "queueLength"
	KPIQueueAbandonmentRate = "queueAbandonmentRate"
	KPIArrivalRate          = "arrivalRate"
	KPIThroughputPerLane    = "throughputPerLane"
	KPIOpenLanes            = "openLanes"
	KPIBrowseRate           = "browseRate"
	KPIPassbyRate           = "passbyRate"
	KPIZoneOccupancy        = "zoneOccupancy"
	KPILongDwellRatio       = "longDwellRatio"
)

// FeatureTracksAffected is the feature key every detector fills with the
// number of distinct entities the episode is built on.
const FeatureTracksAffected = "tracks_affected"

// MaxRepresentativeTracks bounds Episode.RepresentativeTracks.
const MaxRepresentativeTracks = 5

// Entities references the venue objects an episode involves.
// Slices are never nil once an episode is constructed.
type Entities struct {
	ZoneIDs      []string `json:"zone_ids"`
	QueueZoneIDs []string `json:"queue_zone_ids"`
	DisplayIDs   []string `json:"display_ids"`
}

// NewEntities returns Entities with empty, non-nil slices.
func NewEntities() Entities {
	return Entities{ZoneIDs: []string{}, QueueZoneIDs: []string{}, DisplayIDs: []string{}}
}

// Equal reports whether two entity sets are structurally equal.
// A nil slice equals an empty one.
func (e Entities) Equal(o Entities) bool {
	return slices.Equal(e.ZoneIDs, o.ZoneIDs) &&
		slices.Equal(e.QueueZoneIDs, o.QueueZoneIDs) &&
		slices.Equal(e.DisplayIDs, o.DisplayIDs)
}

// KPIDelta is the evidence for a single KPI movement.
type KPIDelta struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Baseline  *float64  `json:"baseline,omitempty"`
	Direction Direction `json:"direction"`
}

// Episode is a bounded time window in which something notable happened.
// Episodes are value objects and are not mutated after construction.
type Episode struct {
	ID                   string              `json:"id"`
	VenueID              string              `json:"venue_id"`
	Type                 Type                `json:"episode_type"`
	StartTS              time.Time           `json:"start_ts"`
	EndTS                time.Time           `json:"end_ts"`
	Scope                Scope               `json:"scope"`
	Entities             Entities            `json:"entities"`
	Features             map[string]float64  `json:"features"`
	KPIDeltas            map[string]KPIDelta `json:"kpi_deltas"`
	Confidence           float64             `json:"confidence"`
	RepresentativeTracks []string            `json:"representative_tracks"`
	Title                string              `json:"title"`
	BusinessSummary      string              `json:"business_summary"`
	RecommendedActions   []string            `json:"recommended_actions"`
}

// Duration returns the window length.
func (e Episode) Duration() time.Duration {
	return e.EndTS.Sub(e.StartTS)
}

// Overlaps reports whether the half-open windows [start, end) intersect.
func (e Episode) Overlaps(o Episode) bool {
	return e.StartTS.Before(o.EndTS) && e.EndTS.After(o.StartTS)
}

// DuplicateOf reports whether o describes the same occurrence as e:
// same type, structurally equal entities and overlapping windows.
func (e Episode) DuplicateOf(o Episode) bool {
	return e.Type == o.Type && e.Entities.Equal(o.Entities) && e.Overlaps(o)
}

// TracksAffected returns the affected population recorded by the detector.
func (e Episode) TracksAffected() int {
	return int(e.Features[FeatureTracksAffected])
}

// ScoredEpisode is an Episode with its ranking score (3-decimal rounded).
type ScoredEpisode struct {
	Episode
	Score float64 `json:"score"`
}

// idNamespace scopes name-based episode ids.
var idNamespace = uuid.MustParse("6f1c0b8e-5a43-4c2e-9d0e-7f2b8f1a9c31")

// NewID returns a deterministic id for an episode of type t whose window
// starts at start, scoped by scopeKey (e.g. "zone:q-1" or "global").
// Re-scanning the same window always yields the same id.
func NewID(t Type, start time.Time, scopeKey string) string {
	name := string(t) + "|" + strconv.FormatInt(start.UTC().Unix(), 10) + "|" + scopeKey
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// ScopeKey builds the scope component used by NewID.
func ScopeKey(scope Scope, id string) string {
	if scope == ScopeGlobal || id == "" {
		return string(ScopeGlobal)
	}
	return fmt.Sprintf("%s:%s", scope, id)
}

// Shortlist is one ranked detection run for a venue and time range.
type Shortlist struct {
	RunID       string          `json:"run_id"`
	VenueID     string          `json:"venue_id"`
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	GeneratedAt time.Time       `json:"generated_at"`
	Episodes    []ScoredEpisode `json:"episodes"`
}

// TopicShortlistReady is published on the event bus after a detection run.
// The payload is a Shortlist.
const TopicShortlistReady = "episodes.shortlist.ready"
