// Package testutil provides fixtures shared by floorsight tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/floorsight/internal/store"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

// Epoch is the fixed reference time used by fixtures.
var Epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Ptr returns a pointer to t.
func Ptr(t time.Time) *time.Time { return &t }

// NewStore returns an in-memory SQLite store closed at test cleanup.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewQueueSession returns a served session in queue zone "q1" that waited
// one minute from Epoch. Override fields with options.
func NewQueueSession(opts ...func(*telemetry.QueueSession)) telemetry.QueueSession {
	s := telemetry.QueueSession{
		VenueID:     "venue-1",
		TrackKey:    "track-1",
		QueueZoneID: "q1",
		EntryTS:     Epoch,
		WaitingMS:   60_000,
		IsComplete:  true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithTrack sets the session track key.
func WithTrack(key string) func(*telemetry.QueueSession) {
	return func(s *telemetry.QueueSession) { s.TrackKey = key }
}

// WithQueueZone sets the session queue zone.
func WithQueueZone(id string) func(*telemetry.QueueSession) {
	return func(s *telemetry.QueueSession) { s.QueueZoneID = id }
}

// WithEntry sets the entry time.
func WithEntry(t time.Time) func(*telemetry.QueueSession) {
	return func(s *telemetry.QueueSession) { s.EntryTS = t }
}

// Served marks the session as served after waiting wait: service entry and
// exit are set and the session is complete.
func Served(wait time.Duration) func(*telemetry.QueueSession) {
	return func(s *telemetry.QueueSession) {
		s.WaitingMS = wait.Milliseconds()
		svc := s.EntryTS.Add(wait)
		s.ServiceEntryTS = &svc
		s.ExitTS = Ptr(svc.Add(time.Minute))
		s.IsComplete = true
		s.IsAbandoned = false
	}
}

// Abandoned marks the session as having left unserved after waiting wait.
// The upstream flag is deliberately left false.
func Abandoned(wait time.Duration) func(*telemetry.QueueSession) {
	return func(s *telemetry.QueueSession) {
		s.WaitingMS = wait.Milliseconds()
		s.ServiceEntryTS = nil
		s.ExitTS = Ptr(s.EntryTS.Add(wait))
		s.IsComplete = false
		s.IsAbandoned = false
	}
}

// NewZoneVisit returns a two-second pass-by visit to zone "z1" at Epoch.
func NewZoneVisit(opts ...func(*telemetry.ZoneVisit)) telemetry.ZoneVisit {
	v := telemetry.ZoneVisit{
		VenueID:    "venue-1",
		TrackKey:   "track-1",
		ROIID:      "z1",
		StartTS:    Epoch,
		DurationMS: 2_000,
	}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}

// Visit sets the visit's track, zone, start and duration.
func Visit(track, roiID string, start time.Time, d time.Duration) func(*telemetry.ZoneVisit) {
	return func(v *telemetry.ZoneVisit) {
		v.TrackKey = track
		v.ROIID = roiID
		v.StartTS = start
		v.DurationMS = d.Milliseconds()
	}
}

// Dwelling marks the visit as a dwell, optionally with engagement.
func Dwelling(engaged bool) func(*telemetry.ZoneVisit) {
	return func(v *telemetry.ZoneVisit) {
		v.IsDwell = true
		v.IsEngagement = engaged
	}
}

// NewZone returns zone metadata with the given id, name and type.
func NewZone(id, name, zoneType string, opts ...func(*telemetry.ZoneMeta)) telemetry.ZoneMeta {
	z := telemetry.ZoneMeta{VenueID: "venue-1", ROIID: id, Name: name, ZoneType: zoneType, IsOpen: true}
	for _, opt := range opts {
		opt(&z)
	}
	return z
}

// NewEpisode returns a zone-scoped queue episode over [Epoch, Epoch+15m).
func NewEpisode(opts ...func(*episode.Episode)) episode.Episode {
	e := episode.Episode{
		VenueID:    "venue-1",
		Type:       episode.TypeQueueBuildupSpike,
		StartTS:    Epoch,
		EndTS:      Epoch.Add(15 * time.Minute),
		Scope:      episode.ScopeZone,
		Entities:   episode.Entities{ZoneIDs: []string{"q1"}, QueueZoneIDs: []string{"q1"}, DisplayIDs: []string{}},
		Features:   map[string]float64{episode.FeatureTracksAffected: 10},
		KPIDeltas:  map[string]episode.KPIDelta{},
		Confidence: 0.5,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.ID == "" {
		scopeID := ""
		if len(e.Entities.ZoneIDs) > 0 {
			scopeID = e.Entities.ZoneIDs[0]
		}
		e.ID = episode.NewID(e.Type, e.StartTS, episode.ScopeKey(e.Scope, scopeID))
	}
	return e
}

// WithType sets the episode type.
func WithType(t episode.Type) func(*episode.Episode) {
	return func(e *episode.Episode) { e.Type = t }
}

// WithConfidence sets the episode confidence.
func WithConfidence(c float64) func(*episode.Episode) {
	return func(e *episode.Episode) { e.Confidence = c }
}

// WithWindow sets the episode window.
func WithWindow(start time.Time, d time.Duration) func(*episode.Episode) {
	return func(e *episode.Episode) {
		e.StartTS = start
		e.EndTS = start.Add(d)
	}
}

// WithZone sets the episode's zone entity.
func WithZone(id string) func(*episode.Episode) {
	return func(e *episode.Episode) {
		e.Entities = episode.Entities{ZoneIDs: []string{id}, QueueZoneIDs: []string{}, DisplayIDs: []string{}}
	}
}

// FakeSource is an in-memory telemetry source. Set the *Err fields to make
// the matching query fail.
type FakeSource struct {
	Sessions  []telemetry.QueueSession
	Visits    []telemetry.ZoneVisit
	Snapshots []telemetry.OccupancySnapshot
	ZoneMeta  []telemetry.ZoneMeta

	SessionsErr, VisitsErr, OccupancyErr, ZonesErr error

	mu    sync.Mutex
	calls map[string]int
}

func (f *FakeSource) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

// Calls returns how many times the named query ran.
func (f *FakeSource) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FakeSource) QueueSessions(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.QueueSession, error) {
	f.record("queue_sessions")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SessionsErr != nil {
		return nil, f.SessionsErr
	}
	var out []telemetry.QueueSession
	for _, s := range f.Sessions {
		if s.VenueID == venueID && !s.EntryTS.Before(from) && s.EntryTS.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeSource) ZoneVisits(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.ZoneVisit, error) {
	f.record("zone_visits")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.VisitsErr != nil {
		return nil, f.VisitsErr
	}
	var out []telemetry.ZoneVisit
	for _, v := range f.Visits {
		if v.VenueID == venueID && !v.StartTS.Before(from) && v.StartTS.Before(to) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *FakeSource) Occupancy(ctx context.Context, venueID string, from, to time.Time) ([]telemetry.OccupancySnapshot, error) {
	f.record("occupancy")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OccupancyErr != nil {
		return nil, f.OccupancyErr
	}
	var out []telemetry.OccupancySnapshot
	for _, o := range f.Snapshots {
		if o.VenueID == venueID && !o.Timestamp.Before(from) && o.Timestamp.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *FakeSource) Zones(ctx context.Context, venueID string) ([]telemetry.ZoneMeta, error) {
	f.record("zones")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ZonesErr != nil {
		return nil, f.ZonesErr
	}
	var out []telemetry.ZoneMeta
	for _, z := range f.ZoneMeta {
		if z.VenueID == venueID {
			out = append(out, z)
		}
	}
	return out, nil
}

// MockBus records published events and satisfies plugin.EventBus.
type MockBus struct {
	mu     sync.Mutex
	Events []plugin.Event
}

// NewMockBus creates an empty MockBus.
func NewMockBus() *MockBus { return &MockBus{} }

func (b *MockBus) Publish(_ context.Context, e plugin.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, e)
	return nil
}

func (b *MockBus) PublishAsync(ctx context.Context, e plugin.Event) { _ = b.Publish(ctx, e) }

func (b *MockBus) Subscribe(string, plugin.EventHandler) func() { return func() {} }

func (b *MockBus) SubscribeAll(plugin.EventHandler) func() { return func() {} }

// Topics returns the topics of recorded events in publish order.
func (b *MockBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.Events))
	for i, e := range b.Events {
		out[i] = e.Topic
	}
	return out
}

// Snapshot returns a copy of the recorded events.
func (b *MockBus) Snapshot() []plugin.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]plugin.Event(nil), b.Events...)
}
