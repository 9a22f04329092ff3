package episodes

import (
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/internal/episodes/confidence"
	"github.com/HerbHall/floorsight/internal/episodes/detect"
	"github.com/HerbHall/floorsight/internal/episodes/rank"
)

// Config holds configuration for the episodes plugin. Detector thresholds
// sit at the top level of the section (min_population, queue_buildup, ...).
type Config struct {
	detect.Config `mapstructure:",squash"`

	Baseline   baseline.Config   `mapstructure:"baseline"`
	Confidence confidence.Config `mapstructure:"confidence"`
	Ranking    rank.Config       `mapstructure:"ranking"`

	DetectionTimeout time.Duration `mapstructure:"detection_timeout"` // per detector
	MaxRange         time.Duration `mapstructure:"max_range"`

	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	BaselineLookback    time.Duration `mapstructure:"baseline_lookback"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	ShortlistRetention  time.Duration `mapstructure:"shortlist_retention"`
}

// DefaultConfig returns sensible defaults for the episodes module.
func DefaultConfig() Config {
	return Config{
		Config:     detect.DefaultConfig(),
		Baseline:   baseline.DefaultConfig(),
		Confidence: confidence.DefaultConfig(),
		Ranking:    rank.DefaultConfig(),

		DetectionTimeout: 30 * time.Second,
		MaxRange:         31 * 24 * time.Hour,

		RefreshInterval:     15 * time.Minute,
		BaselineLookback:    14 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		ShortlistRetention:  30 * 24 * time.Hour,
	}
}
