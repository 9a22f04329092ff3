package episode

import (
	"testing"
	"time"
)

func TestNewID_Deterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a := NewID(TypeQueueBuildupSpike, start, ScopeKey(ScopeZone, "q-1"))
	b := NewID(TypeQueueBuildupSpike, start.In(time.FixedZone("X", 3600)), ScopeKey(ScopeZone, "q-1"))
	if a != b {
		t.Errorf("NewID not stable across time zones: %q vs %q", a, b)
	}

	tests := []struct {
		name  string
		typ   Type
		start time.Time
		scope string
	}{
		{"different type", TypeAbandonmentWave, start, ScopeKey(ScopeZone, "q-1")},
		{"different start", TypeQueueBuildupSpike, start.Add(time.Minute), ScopeKey(ScopeZone, "q-1")},
		{"different scope", TypeQueueBuildupSpike, start, ScopeKey(ScopeZone, "q-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewID(tt.typ, tt.start, tt.scope); got == a {
				t.Errorf("NewID collided with base id %q", a)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	tests := []struct {
		scope Scope
		id    string
		want  string
	}{
		{ScopeGlobal, "", "global"},
		{ScopeGlobal, "ignored", "global"},
		{ScopeZone, "z-7", "zone:z-7"},
		{ScopeZone, "", "global"},
	}
	for _, tt := range tests {
		if got := ScopeKey(tt.scope, tt.id); got != tt.want {
			t.Errorf("ScopeKey(%q, %q) = %q, want %q", tt.scope, tt.id, got, tt.want)
		}
	}
}

func TestEpisode_Overlaps(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ep := func(startMin, endMin int) Episode {
		return Episode{
			StartTS: base.Add(time.Duration(startMin) * time.Minute),
			EndTS:   base.Add(time.Duration(endMin) * time.Minute),
		}
	}

	tests := []struct {
		name string
		a, b Episode
		want bool
	}{
		{"identical", ep(0, 15), ep(0, 15), true},
		{"half overlap", ep(0, 15), ep(7, 22), true},
		{"touching is not overlap", ep(0, 15), ep(15, 30), false},
		{"disjoint", ep(0, 15), ep(30, 45), false},
		{"contained", ep(0, 30), ep(5, 10), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntities_Equal(t *testing.T) {
	a := Entities{ZoneIDs: []string{"z1"}, QueueZoneIDs: []string{}, DisplayIDs: nil}
	b := Entities{ZoneIDs: []string{"z1"}, QueueZoneIDs: nil, DisplayIDs: []string{}}
	if !a.Equal(b) {
		t.Error("nil and empty slices should compare equal")
	}
	c := Entities{ZoneIDs: []string{"z2"}}
	if a.Equal(c) {
		t.Error("different zone ids should not compare equal")
	}
}

func TestEpisode_DuplicateOf(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Episode{
		Type:     TypeBottleneckCorridor,
		StartTS:  base,
		EndTS:    base.Add(15 * time.Minute),
		Entities: Entities{ZoneIDs: []string{"corridor-a"}},
	}
	b := a
	b.StartTS = base.Add(7*time.Minute + 30*time.Second)
	b.EndTS = b.StartTS.Add(15 * time.Minute)
	if !a.DuplicateOf(b) {
		t.Error("overlapping same-type same-entity episodes should be duplicates")
	}

	c := b
	c.Type = TypePassbyLowBrowse
	if a.DuplicateOf(c) {
		t.Error("different types must not be duplicates")
	}

	d := b
	d.Entities = Entities{ZoneIDs: []string{"corridor-b"}}
	if a.DuplicateOf(d) {
		t.Error("different entities must not be duplicates")
	}
}
