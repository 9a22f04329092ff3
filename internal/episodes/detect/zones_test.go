package detect

import (
	"testing"

	"github.com/HerbHall/floorsight/internal/testutil"
	"github.com/HerbHall/floorsight/pkg/telemetry"
)

func TestZoneFilter_Include(t *testing.T) {
	zones := []telemetry.ZoneMeta{
		testutil.NewZone("shelf-3", "Snacks", telemetry.ZoneTypeDisplay),
		testutil.NewZone("corridor-a", "Main Aisle", telemetry.ZoneTypeCorridor),
		testutil.NewZone("q1", "Front", telemetry.ZoneTypeQueue),
		testutil.NewZone("svc", "Deli", "SERVICE"),
		testutil.NewZone("lane-meta", "Express", "", func(z *telemetry.ZoneMeta) { z.LinkedServiceZoneID = "till-4" }),
		testutil.NewZone("z9", "Checkout 2", ""),
		testutil.NewZone("z10", "Bakery", ""),
	}
	f := newZoneFilter(zones, true)

	tests := []struct {
		roiID string
		want  bool
	}{
		{"shelf-3", true},
		{"corridor-a", true},
		{"q1", false},
		{"svc", false},
		{"lane-meta", false},
		{"z9", false},
		{"z10", true},
		{"unknown_checkout_2", false},
		{"unknown-entrance", true},
	}
	for _, tt := range tests {
		t.Run(tt.roiID, func(t *testing.T) {
			if got := f.include(tt.roiID); got != tt.want {
				t.Errorf("include(%q) = %v, want %v", tt.roiID, got, tt.want)
			}
		})
	}
}

func TestZoneFilter_UnavailableAcceptsAll(t *testing.T) {
	f := newZoneFilter(nil, false)
	for _, id := range []string{"queue-1", "checkout", "shelf"} {
		if !f.include(id) {
			t.Errorf("include(%q) = false, want true when metadata is unavailable", id)
		}
	}
}

func TestZoneFilter_NameAndDisplay(t *testing.T) {
	f := newZoneFilter([]telemetry.ZoneMeta{
		testutil.NewZone("shelf-3", "Snacks", "Display"),
	}, true)
	if got := f.name("shelf-3"); got != "Snacks" {
		t.Errorf("name() = %q, want Snacks", got)
	}
	if got := f.name("other"); got != "other" {
		t.Errorf("name() = %q, want fallback to id", got)
	}
	if !f.isDisplay("shelf-3") {
		t.Error("isDisplay() should match case-insensitively")
	}
	if f.isDisplay("other") {
		t.Error("isDisplay() true for unknown zone")
	}
}
