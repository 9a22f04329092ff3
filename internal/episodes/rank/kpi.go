package rank

import (
	"maps"
	"slices"

	"github.com/HerbHall/floorsight/pkg/episode"
)

// KPIIndex maps a KPI identifier to the episode types that can explain a
// movement in it. It is immutable after construction.
type KPIIndex struct {
	types map[string][]episode.Type
}

// NewKPIIndex builds an index over a copy of m.
func NewKPIIndex(m map[string][]episode.Type) KPIIndex {
	idx := KPIIndex{types: make(map[string][]episode.Type, len(m))}
	for kpi, types := range m {
		idx.types[kpi] = slices.Clone(types)
	}
	return idx
}

// DefaultKPIIndex returns the built-in KPI to episode type mapping.
func DefaultKPIIndex() KPIIndex {
	return NewKPIIndex(map[string][]episode.Type{
		episode.KPIQueueWaitTime: {
			episode.TypeQueueBuildupSpike,
			episode.TypeLaneUndersupply,
			episode.TypeAbandonmentWave,
			episode.TypeLaneOversupply,
		},
		episode.KPIQueueLength:          {episode.TypeQueueBuildupSpike, episode.TypeLaneUndersupply},
		episode.KPIQueueAbandonmentRate: {episode.TypeAbandonmentWave, episode.TypeQueueBuildupSpike},
		episode.KPIArrivalRate:          {episode.TypeLaneUndersupply},
		episode.KPIThroughputPerLane:    {episode.TypeLaneUndersupply, episode.TypeLaneOversupply},
		episode.KPIOpenLanes:            {episode.TypeLaneUndersupply, episode.TypeLaneOversupply},
		episode.KPIBrowseRate:           {episode.TypePassbyLowBrowse},
		episode.KPIPassbyRate:           {episode.TypePassbyLowBrowse},
		episode.KPIZoneOccupancy:        {episode.TypeBottleneckCorridor},
		episode.KPILongDwellRatio:       {episode.TypeBottleneckCorridor},
	})
}

// Types returns the episode types for kpi, or nil if the KPI is unknown.
func (i KPIIndex) Types(kpi string) []episode.Type {
	return slices.Clone(i.types[kpi])
}

// KPIs returns every indexed KPI in sorted order.
func (i KPIIndex) KPIs() []string {
	return slices.Sorted(maps.Keys(i.types))
}
