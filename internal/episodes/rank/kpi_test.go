package rank

import (
	"testing"

	"github.com/HerbHall/floorsight/pkg/episode"
)

func TestKPIIndex(t *testing.T) {
	idx := DefaultKPIIndex()

	got := idx.Types(episode.KPIZoneOccupancy)
	if len(got) != 1 || got[0] != episode.TypeBottleneckCorridor {
		t.Errorf("Types(zoneOccupancy) = %v", got)
	}
	if got := idx.Types("unknown"); got != nil {
		t.Errorf("Types(unknown) = %v, want nil", got)
	}

	// Callers cannot mutate the index through returned slices.
	got[0] = episode.TypePassbyLowBrowse
	if idx.Types(episode.KPIZoneOccupancy)[0] != episode.TypeBottleneckCorridor {
		t.Error("index mutated through returned slice")
	}

	kpis := idx.KPIs()
	for i := 1; i < len(kpis); i++ {
		if kpis[i-1] >= kpis[i] {
			t.Fatalf("KPIs() not sorted: %v", kpis)
		}
	}
}

func TestNewKPIIndex_Copies(t *testing.T) {
	src := map[string][]episode.Type{"k": {episode.TypeAbandonmentWave}}
	idx := NewKPIIndex(src)
	src["k"][0] = episode.TypeLaneOversupply
	if idx.Types("k")[0] != episode.TypeAbandonmentWave {
		t.Error("NewKPIIndex did not copy its input")
	}
}
