package detect

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/HerbHall/floorsight/pkg/telemetry"
)

var excludedZoneName = regexp.MustCompile(ExcludedZonePattern)

// zoneFilter decides which zones the attention and flow detectors scan.
// It prefers explicit zone types, then a name heuristic, and accepts every
// zone when metadata could not be loaded at all.
type zoneFilter struct {
	meta      map[string]telemetry.ZoneMeta
	available bool
}

func newZoneFilter(zones []telemetry.ZoneMeta, ok bool) zoneFilter {
	f := zoneFilter{meta: make(map[string]telemetry.ZoneMeta, len(zones)), available: ok}
	for _, z := range zones {
		f.meta[z.ROIID] = z
	}
	return f
}

// include reports whether roiID is an attention/flow zone.
func (f zoneFilter) include(roiID string) bool {
	if !f.available {
		return true
	}
	z, ok := f.meta[roiID]
	if !ok {
		return !excludedZoneName.MatchString(roiID)
	}
	switch strings.ToLower(z.ZoneType) {
	case telemetry.ZoneTypeQueue, telemetry.ZoneTypeService, telemetry.ZoneTypeCheckout, telemetry.ZoneTypeLane:
		return false
	case "":
		if z.IsLane() {
			return false
		}
		return !excludedZoneName.MatchString(z.Name) && !excludedZoneName.MatchString(roiID)
	default:
		return true
	}
}

// name returns a display name for roiID.
func (f zoneFilter) name(roiID string) string {
	if z, ok := f.meta[roiID]; ok && z.Name != "" {
		return z.Name
	}
	return roiID
}

// isDisplay reports whether the zone is typed as a display.
func (f zoneFilter) isDisplay(roiID string) bool {
	return strings.EqualFold(f.meta[roiID].ZoneType, telemetry.ZoneTypeDisplay)
}

// zoneVisits is the shared input of the visit-based detectors: visits
// grouped by included zone, the zones in scan order, and the filter that
// selected them.
type zoneVisits struct {
	zones  []string
	byZone map[string][]telemetry.ZoneVisit
	filter zoneFilter
}

// loadZoneVisits fetches visits and zone metadata. A metadata failure is
// not fatal: the filter then accepts every zone.
func loadZoneVisits(ctx context.Context, env Env, detector, venueID string, from, to time.Time) (zoneVisits, error) {
	visits, err := fetch(ctx, env, detector, "zone_visits", venueID,
		func(ctx context.Context) ([]telemetry.ZoneVisit, error) {
			return env.Source.ZoneVisits(ctx, venueID, from, to)
		})
	if err != nil {
		return zoneVisits{}, err
	}
	meta, merr := fetch(ctx, env, detector, "zones", venueID,
		func(ctx context.Context) ([]telemetry.ZoneMeta, error) {
			return env.Source.Zones(ctx, venueID)
		})

	zv := zoneVisits{
		byZone: groupBy(visits, func(v telemetry.ZoneVisit) string { return v.ROIID }),
		filter: newZoneFilter(meta, merr == nil),
	}
	for _, zone := range sortedKeys(zv.byZone) {
		if zv.filter.include(zone) {
			zv.zones = append(zv.zones, zone)
		}
	}
	return zv, nil
}

func visitsIn(visits []telemetry.ZoneVisit, w Window) []telemetry.ZoneVisit {
	var in []telemetry.ZoneVisit
	for _, v := range visits {
		if w.Contains(v.StartTS) {
			in = append(in, v)
		}
	}
	return in
}
