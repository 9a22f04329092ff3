package detect

import "time"

// MinPopulation holds the hard population floors per scope kind.
type MinPopulation struct {
	Global int `mapstructure:"global" json:"global"`
	Zone   int `mapstructure:"zone" json:"zone"`
}

// Config holds every detector threshold. All values are static.
type Config struct {
	MinPopulation MinPopulation `mapstructure:"min_population"`
	MinConditions int           `mapstructure:"min_conditions"`
	StepRatio     float64       `mapstructure:"step_ratio"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`

	Queue       QueueConfig       `mapstructure:"queue_buildup"`
	Lane        LaneConfig        `mapstructure:"lane_supply"`
	Abandonment AbandonmentConfig `mapstructure:"abandonment"`
	Passby      PassbyConfig      `mapstructure:"passby"`
	Bottleneck  BottleneckConfig  `mapstructure:"bottleneck"`
}

// QueueConfig configures the queue-buildup detector.
type QueueConfig struct {
	Window             time.Duration `mapstructure:"window"`
	P95Ratio           float64       `mapstructure:"p95_ratio"`
	PeakQueueThreshold int           `mapstructure:"peak_queue_threshold"`
}

// LaneConfig configures the lane under/over-supply detector. Rates are
// per minute.
type LaneConfig struct {
	Window                      time.Duration `mapstructure:"window"`
	UndersupplyArrivalRatio     float64       `mapstructure:"undersupply_arrival_ratio"`
	OversupplyPerLaneThroughput float64       `mapstructure:"oversupply_per_lane_throughput"`
	OversupplyMinOpenLanes      int           `mapstructure:"oversupply_min_open_lanes"`
}

// AbandonmentConfig configures the abandonment-wave detector.
type AbandonmentConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MinWait         time.Duration `mapstructure:"min_wait"`
	ClusterWindow   time.Duration `mapstructure:"cluster_window"`
	ClusterMinCount int           `mapstructure:"cluster_min_count"`
	RateThreshold   float64       `mapstructure:"abandonment_rate_threshold"`
}

// PassbyConfig configures the passby / low-browse detector.
type PassbyConfig struct {
	Window                 time.Duration `mapstructure:"window"`
	PassbyRateThreshold    float64       `mapstructure:"passby_rate_threshold"`
	LowEngagementThreshold float64       `mapstructure:"low_engagement_threshold"`
}

// BottleneckConfig configures the bottleneck / corridor detector.
type BottleneckConfig struct {
	Window                  time.Duration `mapstructure:"window"`
	OccupancyThreshold      int           `mapstructure:"occupancy_threshold"`
	LongDwell               time.Duration `mapstructure:"long_dwell"`
	LongDwellRatioThreshold float64       `mapstructure:"long_dwell_ratio_threshold"`
}

// ExcludedZonePattern matches zone names that the attention and flow
// detectors skip when zone-type metadata is missing.
const ExcludedZonePattern = `(?i)(^|[^a-z])(queue|checkout|till|register|cashier|service|lane)`

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinPopulation: MinPopulation{Global: 10, Zone: 5},
		MinConditions: 2,
		StepRatio:     0.5,
		QueryTimeout:  10 * time.Second,
		Queue: QueueConfig{
			Window:             15 * time.Minute,
			P95Ratio:           1.5,
			PeakQueueThreshold: 8,
		},
		Lane: LaneConfig{
			Window:                      15 * time.Minute,
			UndersupplyArrivalRatio:     1.2,
			OversupplyPerLaneThroughput: 0.5,
			OversupplyMinOpenLanes:      3,
		},
		Abandonment: AbandonmentConfig{
			Window:          15 * time.Minute,
			MinWait:         5 * time.Second,
			ClusterWindow:   3 * time.Minute,
			ClusterMinCount: 3,
			RateThreshold:   0.2,
		},
		Passby: PassbyConfig{
			Window:                 30 * time.Minute,
			PassbyRateThreshold:    0.8,
			LowEngagementThreshold: 0.05,
		},
		Bottleneck: BottleneckConfig{
			Window:                  15 * time.Minute,
			OccupancyThreshold:      15,
			LongDwell:               2 * time.Minute,
			LongDwellRatioThreshold: 0.3,
		},
	}
}

// minPopulation returns the floor for a scope kind, never below 1.
func (c Config) minPopulation(global bool) int {
	if global {
		return max(c.MinPopulation.Global, 1)
	}
	return max(c.MinPopulation.Zone, 1)
}

func (c Config) minConditions() int {
	return max(c.MinConditions, 1)
}
