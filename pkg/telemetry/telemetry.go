// Package telemetry provides public SDK types for the venue telemetry rows
// floorsight consumes: queue sessions, zone visits, occupancy snapshots and
// zone metadata.
// This package is Apache 2.0 licensed, part of the public plugin SDK.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueSession is one tracked entity's pass through a queue zone.
type QueueSession struct {
	VenueID        string     `json:"venue_id"`
	TrackKey       string     `json:"track_key"`
	QueueZoneID    string     `json:"queue_zone_id"`
	EntryTS        time.Time  `json:"entry_ts"`
	ExitTS         *time.Time `json:"exit_ts,omitempty"`
	WaitingMS      int64      `json:"waiting_ms"`
	ServiceEntryTS *time.Time `json:"service_entry_ts,omitempty"`
	IsComplete     bool       `json:"is_complete"`
	IsAbandoned    bool       `json:"is_abandoned"` // Upstream flag; detectors re-derive abandonment.
}

// ZoneVisit is one tracked entity's visit to a region of interest.
type ZoneVisit struct {
	VenueID      string    `json:"venue_id"`
	TrackKey     string    `json:"track_key"`
	ROIID        string    `json:"roi_id"`
	StartTS      time.Time `json:"start_ts"`
	DurationMS   int64     `json:"duration_ms"`
	IsDwell      bool      `json:"is_dwell"`
	IsEngagement bool      `json:"is_engagement"`
}

// EndTS returns the visit end derived from its duration.
func (v ZoneVisit) EndTS() time.Time {
	return v.StartTS.Add(time.Duration(v.DurationMS) * time.Millisecond)
}

// OccupancySnapshot is a point-in-time head count for a zone.
type OccupancySnapshot struct {
	VenueID        string    `json:"venue_id"`
	ROIID          string    `json:"roi_id"`
	Timestamp      time.Time `json:"timestamp"`
	OccupancyCount int       `json:"occupancy_count"`
}

// Zone types recognised in zone metadata.
const (
	ZoneTypeQueue    = "queue"
	ZoneTypeService  = "service"
	ZoneTypeCheckout = "checkout"
	ZoneTypeLane     = "lane"
	ZoneTypeDisplay  = "display"
	ZoneTypeCorridor = "corridor"
)

// ZoneMeta describes a zone or lane. ZoneType is empty when the metadata
// carried no usable type.
type ZoneMeta struct {
	VenueID             string `json:"venue_id"`
	ROIID               string `json:"roi_id"`
	Name                string `json:"name"`
	IsOpen              bool   `json:"is_open"`
	LinkedServiceZoneID string `json:"linked_service_zone_id,omitempty"`
	ZoneType            string `json:"zone_type,omitempty"`
}

// IsLane reports whether the zone is a queue that feeds a service point.
func (z ZoneMeta) IsLane() bool {
	return z.LinkedServiceZoneID != ""
}

// Record kinds carried by an ingestion envelope.
const (
	KindQueueSession = "queue_session"
	KindZoneVisit    = "zone_visit"
	KindOccupancy    = "occupancy"
	KindZone         = "zone"
)

// Record is the ingestion envelope: a kind tag plus the raw row.
type Record struct {
	Kind    string          `json:"kind"`
	VenueID string          `json:"venue_id"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals Data into the row type named by Kind and stamps the
// envelope venue id on it. It returns a *QueueSession, *ZoneVisit,
// *OccupancySnapshot or *ZoneMeta.
func (r Record) Decode() (any, error) {
	if r.VenueID == "" {
		return nil, fmt.Errorf("record missing venue_id")
	}
	switch r.Kind {
	case KindQueueSession:
		var s QueueSession
		if err := json.Unmarshal(r.Data, &s); err != nil {
			return nil, fmt.Errorf("decode queue session: %w", err)
		}
		if s.QueueZoneID == "" || s.EntryTS.IsZero() {
			return nil, fmt.Errorf("queue session missing queue_zone_id or entry_ts")
		}
		s.VenueID = r.VenueID
		return &s, nil
	case KindZoneVisit:
		var v ZoneVisit
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("decode zone visit: %w", err)
		}
		if v.ROIID == "" || v.StartTS.IsZero() {
			return nil, fmt.Errorf("zone visit missing roi_id or start_ts")
		}
		v.VenueID = r.VenueID
		return &v, nil
	case KindOccupancy:
		var o OccupancySnapshot
		if err := json.Unmarshal(r.Data, &o); err != nil {
			return nil, fmt.Errorf("decode occupancy: %w", err)
		}
		if o.ROIID == "" || o.Timestamp.IsZero() {
			return nil, fmt.Errorf("occupancy missing roi_id or timestamp")
		}
		o.VenueID = r.VenueID
		return &o, nil
	case KindZone:
		var z ZoneMeta
		if err := json.Unmarshal(r.Data, &z); err != nil {
			return nil, fmt.Errorf("decode zone: %w", err)
		}
		if z.ROIID == "" {
			return nil, fmt.Errorf("zone missing roi_id")
		}
		z.VenueID = r.VenueID
		return &z, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// TopicIngested is published on the event bus after telemetry rows are
// committed to storage. The payload is an Ingested.
const TopicIngested = "telemetry.ingested"

// Ingested summarises one committed ingestion batch.
type Ingested struct {
	VenueIDs []string `json:"venue_ids"`
	Rows     int      `json:"rows"`
}
