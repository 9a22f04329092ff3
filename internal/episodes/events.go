package episodes

import (
	"context"

	"github.com/HerbHall/floorsight/pkg/episode"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/telemetry"
	"go.uber.org/zap"
)

// Event topics consumed by the episodes module.
const (
	TopicTelemetryIngested = telemetry.TopicIngested
)

// Event topics published by the episodes module.
const (
	TopicShortlistReady = episode.TopicShortlistReady
)

// handleTelemetryIngested marks the announced venues for a baseline refresh.
func (m *Module) handleTelemetryIngested(_ context.Context, event plugin.Event) {
	var venues []string
	switch p := event.Payload.(type) {
	case telemetry.Ingested:
		venues = p.VenueIDs
	case *telemetry.Ingested:
		venues = p.VenueIDs
	default:
		m.logger.Debug("ignored ingest event: unexpected payload type",
			zap.String("source", event.Source))
		return
	}
	m.markDirty(venues...)
}

func (m *Module) publishShortlist(sl *episode.Shortlist) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(m.ctx, plugin.Event{
		Topic:   TopicShortlistReady,
		Source:  "episodes",
		Payload: *sl,
	})
}
