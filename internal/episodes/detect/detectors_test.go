package detect

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/internal/testutil"
	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

const venue = "venue-1"

type recordingMetrics struct {
	mu      sync.Mutex
	queries []string
	runs    map[string]bool // detector -> failed
}

func (m *recordingMetrics) QueryFailed(detector, query string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, detector+"/"+query)
}

func (m *recordingMetrics) DetectorRun(detector string, _ time.Duration, _ int, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]bool)
	}
	m.runs[detector] = failed
}

func newEnv(src Source, records ...baseline.Record) Env {
	b := baseline.New(baseline.DefaultConfig())
	b.Load(records)
	return Env{Source: src, Baselines: b, Config: DefaultConfig()}
}

func zoneRecord(zone, metric string, median, dispersion float64) baseline.Record {
	return baseline.Record{
		Key:           baseline.Key{VenueID: venue, ScopeKind: episode.ScopeZone, ScopeID: zone, Metric: metric},
		RollingMedian: median,
		Dispersion:    dispersion,
		Samples:       20,
	}
}

// queueBuildupSessions returns 20 sessions in q1 with an average wait of
// 150s and a P95 of 270s, entering every 30s from t0.
func queueBuildupSessions(tracks int) []telemetry.QueueSession {
	waits := make([]time.Duration, 0, 20)
	for range 17 {
		waits = append(waits, 136*time.Second)
	}
	waits = append(waits, 148*time.Second, 270*time.Second, 270*time.Second)

	out := make([]telemetry.QueueSession, len(waits))
	for i, w := range waits {
		out[i] = testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("t%02d", i%tracks)),
			testutil.WithEntry(t0.Add(time.Duration(i)*30*time.Second)),
			testutil.Served(w),
		)
	}
	return out
}

func TestQueueBuildup_ScansRangeTail(t *testing.T) {
	sessions := queueBuildupSessions(20)
	for i := range sessions {
		sessions[i].EntryTS = sessions[i].EntryTS.Add(10 * time.Minute)
		exit := sessions[i].ExitTS.Add(10 * time.Minute)
		sessions[i].ExitTS = &exit
		if sessions[i].ServiceEntryTS != nil {
			svc := sessions[i].ServiceEntryTS.Add(10 * time.Minute)
			sessions[i].ServiceEntryTS = &svc
		}
	}
	src := &testutil.FakeSource{Sessions: sessions}
	env := newEnv(src, zoneRecord("q1", MetricQueueAvgWait, 60_000, 20_000))

	// A 20 minute range holds one full-step window and one ending at the range end.
	got := NewQueueBuildup(env).Detect(context.Background(), venue, t0, at(20))
	for _, ep := range got {
		if ep.StartTS.Equal(at(5)) && ep.EndTS.Equal(at(20)) {
			return
		}
	}
	t.Fatalf("no episode for the trailing window [5m, 20m): %d episodes", len(got))
}

func TestQueueBuildup_Detect(t *testing.T) {
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(20)}
	env := newEnv(src, zoneRecord("q1", MetricQueueAvgWait, 60_000, 20_000))

	got := NewQueueBuildup(env).Detect(context.Background(), venue, t0, at(15))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1", len(got))
	}
	ep := got[0]
	if ep.Type != episode.TypeQueueBuildupSpike {
		t.Errorf("Type = %s", ep.Type)
	}
	if !ep.StartTS.Equal(t0) || !ep.EndTS.Equal(at(15)) {
		t.Errorf("window = [%v, %v)", ep.StartTS, ep.EndTS)
	}
	if ep.Scope != episode.ScopeZone || !reflect.DeepEqual(ep.Entities.QueueZoneIDs, []string{"q1"}) {
		t.Errorf("scope/entities = %s %+v", ep.Scope, ep.Entities)
	}
	if ep.Confidence <= 0.5 || ep.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0.5, 1]", ep.Confidence)
	}
	if ep.Features["avg_wait_ms"] != 150_000 {
		t.Errorf("avg_wait_ms = %v, want 150000", ep.Features["avg_wait_ms"])
	}
	if ep.Features["p95_wait_ms"] != 270_000 {
		t.Errorf("p95_wait_ms = %v, want 270000", ep.Features["p95_wait_ms"])
	}
	if ep.TracksAffected() != 20 {
		t.Errorf("TracksAffected = %d, want 20", ep.TracksAffected())
	}
	wait := ep.KPIDeltas[episode.KPIQueueWaitTime]
	if wait.Direction != episode.DirectionUp || wait.Baseline == nil || *wait.Baseline != 60_000 {
		t.Errorf("queueWaitTime delta = %+v", wait)
	}
	if n := len(ep.RepresentativeTracks); n == 0 || n > episode.MaxRepresentativeTracks {
		t.Errorf("RepresentativeTracks = %v", ep.RepresentativeTracks)
	}
	if ep.RepresentativeTracks[0] != "t18" {
		t.Errorf("longest wait first: got %v", ep.RepresentativeTracks)
	}
}

func TestQueueBuildup_PopulationFloor(t *testing.T) {
	// Same sessions spread over only four distinct tracks.
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(4)}
	env := newEnv(src, zoneRecord("q1", MetricQueueAvgWait, 60_000, 20_000))

	if got := NewQueueBuildup(env).Detect(context.Background(), venue, t0, at(15)); len(got) != 0 {
		t.Errorf("Detect() = %d episodes below the population floor, want 0", len(got))
	}
}

func TestQueueBuildup_ColdBaselineNeedsStaticConditions(t *testing.T) {
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(20)}
	env := newEnv(src)
	env.Config.Queue.P95Ratio = 10 // disable the heavy-tail condition

	if got := NewQueueBuildup(env).Detect(context.Background(), venue, t0, at(15)); len(got) != 0 {
		t.Errorf("Detect() = %d episodes with one condition, want 0", len(got))
	}
}

func TestQueueBuildup_Idempotent(t *testing.T) {
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(20)}
	env := newEnv(src, zoneRecord("q1", MetricQueueAvgWait, 60_000, 20_000))
	d := NewQueueBuildup(env)

	first := d.Detect(context.Background(), venue, t0, at(15))
	second := d.Detect(context.Background(), venue, t0, at(15))
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated Detect() over the same data differs")
	}
}

func TestQueueBuildup_Observe(t *testing.T) {
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(20)}
	obs, err := NewQueueBuildup(newEnv(src)).Observe(context.Background(), venue, t0, at(15))
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(obs) != 1 || obs[0].Value != 150_000 || obs[0].Key.Metric != MetricQueueAvgWait {
		t.Errorf("Observe() = %+v", obs)
	}
}

func TestDetectors_QueryFailureDegradesToNothing(t *testing.T) {
	boom := errors.New("database is locked")
	src := &testutil.FakeSource{
		Sessions:    queueBuildupSessions(20),
		Visits:      []telemetry.ZoneVisit{testutil.NewZoneVisit()},
		SessionsErr: boom,
		VisitsErr:   boom,
	}
	metrics := &recordingMetrics{}
	env := newEnv(src)
	env.Metrics = metrics

	for _, d := range All(env) {
		t.Run(d.Name(), func(t *testing.T) {
			if got := d.Detect(context.Background(), venue, t0, at(30)); got != nil {
				t.Errorf("Detect() = %v, want nil on query failure", got)
			}
			if l, ok := d.(Learner); ok {
				if _, err := l.Observe(context.Background(), venue, t0, at(30)); !errors.Is(err, boom) {
					t.Errorf("Observe() error = %v, want %v", err, boom)
				}
			}
		})
	}
	if len(metrics.queries) == 0 {
		t.Error("no query failures were reported")
	}
}

func TestDetectors_CancelledContext(t *testing.T) {
	src := &testutil.FakeSource{Sessions: queueBuildupSessions(20)}
	env := newEnv(src, zoneRecord("q1", MetricQueueAvgWait, 60_000, 20_000))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, d := range All(env) {
		if got := d.Detect(ctx, venue, t0, at(15)); len(got) != 0 {
			t.Errorf("%s: Detect() on a cancelled context = %d episodes", d.Name(), len(got))
		}
	}
	if src.Calls("queue_sessions") != 0 {
		t.Error("queries ran after cancellation")
	}
}

func TestAbandonment_Detect(t *testing.T) {
	var sessions []telemetry.QueueSession
	// Four abandonments within three minutes and one straggler.
	for i, m := range []int{0, 1, 2, 3, 10} {
		sessions = append(sessions, testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("gone-%d", i)),
			testutil.WithEntry(at(m)),
			testutil.Abandoned(time.Minute),
		))
	}
	for i := range 5 {
		s := testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("ok-%d", i)),
			testutil.WithEntry(at(i)),
			testutil.Served(30*time.Second),
		)
		s.IsAbandoned = true // upstream flag is not trusted
		sessions = append(sessions, s)
	}
	src := &testutil.FakeSource{Sessions: sessions}
	env := newEnv(src, zoneRecord("q1", MetricAbandonmentRate, 0.02, 0.01))

	got := NewAbandonment(env).Detect(context.Background(), venue, t0, at(15))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1", len(got))
	}
	ep := got[0]
	if ep.Type != episode.TypeAbandonmentWave {
		t.Errorf("Type = %s", ep.Type)
	}
	if ep.Features["abandoned"] != 5 || ep.Features["abandonment_rate"] != 0.5 {
		t.Errorf("features = %v", ep.Features)
	}
	if ep.Features["clustered"] != 1 {
		t.Error("abandonments should be clustered")
	}
	if ep.Features["conditions_satisfied"] != 3 {
		t.Errorf("conditions_satisfied = %v, want 3", ep.Features["conditions_satisfied"])
	}
	if d := ep.KPIDeltas[episode.KPIQueueAbandonmentRate]; d.Direction != episode.DirectionUp {
		t.Errorf("abandonment delta = %+v", d)
	}
}

func TestAbandonment_ShortWaitsIgnored(t *testing.T) {
	var sessions []telemetry.QueueSession
	for i := range 10 {
		sessions = append(sessions, testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("t%d", i)),
			testutil.WithEntry(at(i)),
			testutil.Abandoned(3*time.Second),
		))
	}
	env := newEnv(&testutil.FakeSource{Sessions: sessions})
	if got := NewAbandonment(env).Detect(context.Background(), venue, t0, at(15)); len(got) != 0 {
		t.Errorf("Detect() = %d episodes for waits under MinWait, want 0", len(got))
	}
}

// laneZones returns n lanes l1..ln of which the first open are open.
func laneZones(n, open int) []telemetry.ZoneMeta {
	out := make([]telemetry.ZoneMeta, n)
	for i := range n {
		id := fmt.Sprintf("l%d", i+1)
		out[i] = testutil.NewZone(id, "Lane "+id, "", func(z *telemetry.ZoneMeta) {
			z.LinkedServiceZoneID = "till-" + id
			z.IsOpen = i < open
		})
	}
	return out
}

// undersupplySessions returns 12 arrivals over four lanes of which only l1
// serves anyone.
func undersupplySessions() []telemetry.QueueSession {
	var sessions []telemetry.QueueSession
	for i := range 12 {
		opts := []func(*telemetry.QueueSession){
			testutil.WithTrack(fmt.Sprintf("t%02d", i)),
			testutil.WithQueueZone(fmt.Sprintf("l%d", i%4+1)),
			testutil.WithEntry(t0.Add(time.Duration(i) * 30 * time.Second)),
		}
		if i < 3 {
			opts[1] = testutil.WithQueueZone("l1")
			opts = append(opts, testutil.Served(time.Minute))
		} else {
			opts = append(opts, func(s *telemetry.QueueSession) {
				s.WaitingMS = (10 * time.Minute).Milliseconds()
				s.IsComplete = false
			})
		}
		sessions = append(sessions, testutil.NewQueueSession(opts...))
	}
	return sessions
}

func TestLaneSupply_Undersupply(t *testing.T) {
	src := &testutil.FakeSource{Sessions: undersupplySessions(), ZoneMeta: laneZones(4, 1)}

	got := NewLaneSupply(newEnv(src)).Detect(context.Background(), venue, t0, at(15))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1", len(got))
	}
	ep := got[0]
	if ep.Type != episode.TypeLaneUndersupply {
		t.Fatalf("Type = %s, want LANE_UNDERSUPPLY", ep.Type)
	}
	if ep.Scope != episode.ScopeGlobal {
		t.Errorf("Scope = %s, want global", ep.Scope)
	}
	if ep.Features["open_lanes"] != 1 || ep.Features["total_lanes"] != 4 {
		t.Errorf("lanes = %v open of %v", ep.Features["open_lanes"], ep.Features["total_lanes"])
	}
	if !reflect.DeepEqual(ep.Entities.QueueZoneIDs, []string{"l1", "l2", "l3", "l4"}) {
		t.Errorf("QueueZoneIDs = %v", ep.Entities.QueueZoneIDs)
	}
}

func TestLaneSupply_OpenLanes(t *testing.T) {
	tests := []struct {
		name  string
		zones []telemetry.ZoneMeta
		want  int
	}{
		// Three open lanes idle is not a lane constraint.
		{"metadata all open", laneZones(4, 4), 0},
		{"metadata one open", laneZones(4, 1), 1},
		// Without metadata only serving lanes count as open.
		{"no metadata", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &testutil.FakeSource{Sessions: undersupplySessions(), ZoneMeta: tt.zones}
			got := NewLaneSupply(newEnv(src)).Detect(context.Background(), venue, t0, at(15))
			if len(got) != tt.want {
				t.Fatalf("Detect() returned %d episodes, want %d", len(got), tt.want)
			}
		})
	}
}

func TestLaneSupply_Oversupply(t *testing.T) {
	var sessions []telemetry.QueueSession
	for i := range 12 {
		sessions = append(sessions, testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("t%02d", i)),
			testutil.WithQueueZone(fmt.Sprintf("l%d", i%4+1)),
			testutil.WithEntry(t0.Add(time.Duration(i)*30*time.Second)),
			testutil.Served(time.Minute),
		))
	}
	src := &testutil.FakeSource{Sessions: sessions, ZoneMeta: laneZones(4, 4)}

	got := NewLaneSupply(newEnv(src)).Detect(context.Background(), venue, t0, at(15))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1", len(got))
	}
	if got[0].Type != episode.TypeLaneOversupply {
		t.Fatalf("Type = %s, want LANE_OVERSUPPLY", got[0].Type)
	}
	if d := got[0].KPIDeltas[episode.KPIThroughputPerLane]; d.Value >= 0.5 {
		t.Errorf("throughput per lane = %v, want < 0.5", d.Value)
	}
}

func TestLaneSupply_GlobalPopulationFloor(t *testing.T) {
	var sessions []telemetry.QueueSession
	for i := range 9 {
		sessions = append(sessions, testutil.NewQueueSession(
			testutil.WithTrack(fmt.Sprintf("t%d", i)),
			testutil.WithEntry(at(i)),
		))
	}
	src := &testutil.FakeSource{Sessions: sessions, ZoneMeta: laneZones(4, 4)}
	if got := NewLaneSupply(newEnv(src)).Detect(context.Background(), venue, t0, at(15)); len(got) != 0 {
		t.Errorf("Detect() = %d episodes below the global floor, want 0", len(got))
	}
}

func TestPassby_Detect(t *testing.T) {
	var visits []telemetry.ZoneVisit
	for _, zone := range []string{"shelf-3", "checkout-1"} {
		for i := range 10 {
			opts := []func(*telemetry.ZoneVisit){
				testutil.Visit(fmt.Sprintf("%s-t%d", zone, i), zone, at(i*2), time.Duration(i+1)*time.Second),
			}
			if i == 0 {
				opts = append(opts, testutil.Dwelling(false))
			}
			visits = append(visits, testutil.NewZoneVisit(opts...))
		}
	}
	src := &testutil.FakeSource{
		Visits:   visits,
		ZoneMeta: []telemetry.ZoneMeta{testutil.NewZone("shelf-3", "Snacks", telemetry.ZoneTypeDisplay)},
	}

	got := NewPassby(newEnv(src)).Detect(context.Background(), venue, t0, at(30))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1 (checkout excluded)", len(got))
	}
	ep := got[0]
	if ep.Type != episode.TypePassbyLowBrowse {
		t.Errorf("Type = %s", ep.Type)
	}
	if !reflect.DeepEqual(ep.Entities.DisplayIDs, []string{"shelf-3"}) {
		t.Errorf("DisplayIDs = %v", ep.Entities.DisplayIDs)
	}
	if ep.Features["passby_rate"] != 0.9 {
		t.Errorf("passby_rate = %v, want 0.9", ep.Features["passby_rate"])
	}
	want := []string{"shelf-3-t1", "shelf-3-t2", "shelf-3-t3", "shelf-3-t4", "shelf-3-t5"}
	if !reflect.DeepEqual(ep.RepresentativeTracks, want) {
		t.Errorf("RepresentativeTracks = %v, want %v", ep.RepresentativeTracks, want)
	}
}

func TestPassby_BrowsingZoneIsQuiet(t *testing.T) {
	var visits []telemetry.ZoneVisit
	for i := range 10 {
		visits = append(visits, testutil.NewZoneVisit(
			testutil.Visit(fmt.Sprintf("t%d", i), "shelf-3", at(i), time.Minute),
			testutil.Dwelling(i%2 == 0),
		))
	}
	src := &testutil.FakeSource{Visits: visits}
	if got := NewPassby(newEnv(src)).Detect(context.Background(), venue, t0, at(30)); len(got) != 0 {
		t.Errorf("Detect() = %d episodes for a browsing zone, want 0", len(got))
	}
}

func TestBottleneck_Detect(t *testing.T) {
	var visits []telemetry.ZoneVisit
	for i := range 10 {
		d := 20 * time.Second
		if i%2 == 0 {
			d = 3 * time.Minute
		}
		visits = append(visits, testutil.NewZoneVisit(
			testutil.Visit(fmt.Sprintf("t%d", i), "corridor-a", at(i), d),
		))
	}
	snaps := []telemetry.OccupancySnapshot{
		{VenueID: venue, ROIID: "corridor-a", Timestamp: at(2), OccupancyCount: 9},
		{VenueID: venue, ROIID: "corridor-a", Timestamp: at(5), OccupancyCount: 20},
	}

	tests := []struct {
		name      string
		snapshots []telemetry.OccupancySnapshot
		want      int
	}{
		{"crowded and slow", snaps, 1},
		{"slow but not crowded", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &testutil.FakeSource{Visits: visits, Snapshots: tt.snapshots}
			got := NewBottleneck(newEnv(src)).Detect(context.Background(), venue, t0, at(15))
			if len(got) != tt.want {
				t.Fatalf("Detect() returned %d episodes, want %d", len(got), tt.want)
			}
			if tt.want == 0 {
				return
			}
			ep := got[0]
			if ep.Features["peak_occupancy"] != 20 || ep.Features["occupancy_estimated"] != 0 {
				t.Errorf("features = %v", ep.Features)
			}
			if ep.Features["long_dwell_ratio"] != 0.5 {
				t.Errorf("long_dwell_ratio = %v, want 0.5", ep.Features["long_dwell_ratio"])
			}
		})
	}
}

func TestBottleneck_EstimatesOccupancyFromVisits(t *testing.T) {
	var visits []telemetry.ZoneVisit
	for i := range 16 {
		visits = append(visits, testutil.NewZoneVisit(
			testutil.Visit(fmt.Sprintf("t%d", i), "corridor-a", t0.Add(time.Duration(i)*time.Second), 5*time.Minute),
		))
	}
	src := &testutil.FakeSource{Visits: visits, OccupancyErr: errors.New("no such table")}

	got := NewBottleneck(newEnv(src)).Detect(context.Background(), venue, t0, at(15))
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d episodes, want 1", len(got))
	}
	if got[0].Features["peak_occupancy"] != 16 || got[0].Features["occupancy_estimated"] != 1 {
		t.Errorf("features = %v", got[0].Features)
	}
}

func TestBottleneck_Observe(t *testing.T) {
	var visits []telemetry.ZoneVisit
	for i := range 6 {
		visits = append(visits, testutil.NewZoneVisit(
			testutil.Visit(fmt.Sprintf("t%d", i), "corridor-a", at(i), time.Minute),
		))
	}
	obs, err := NewBottleneck(newEnv(&testutil.FakeSource{Visits: visits})).Observe(context.Background(), venue, t0, at(15))
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	metrics := map[string]bool{}
	for _, o := range obs {
		metrics[o.Key.Metric] = true
	}
	if !metrics[MetricPeakOccupancy] || !metrics[MetricLongDwellRatio] {
		t.Errorf("Observe() metrics = %v", metrics)
	}
}
