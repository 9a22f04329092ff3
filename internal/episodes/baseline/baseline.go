// Package baseline maintains robust rolling summaries (median and scaled
// MAD) per venue, scope and metric, and answers whether an observed value
// is a spike or dip relative to that history.
//
// Readers never block: Evaluate loads an immutable snapshot through an
// atomic pointer. Writers build a new snapshot and swap it in.
package baseline

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/anomaly"
	"github.com/HerbHall/floorsight/pkg/episode"
	"go.uber.org/atomic"
)

// Key identifies one baseline series. ScopeID is empty for global scope.
type Key struct {
	VenueID   string        `json:"venue_id"`
	ScopeKind episode.Scope `json:"scope_kind"`
	ScopeID   string        `json:"scope_id"`
	Metric    string        `json:"metric"`
}

func (k Key) normalize() Key {
	if k.ScopeKind == episode.ScopeGlobal {
		k.ScopeID = ""
	}
	return k
}

// Record is the robust summary of one series.
type Record struct {
	Key
	RollingMedian float64   `json:"rolling_median"`
	Dispersion    float64   `json:"dispersion"` // MAD x 1.4826
	Samples       int       `json:"samples"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Observation is one measured window value for a series.
type Observation struct {
	Key   Key
	Value float64
	At    time.Time
}

// Evaluation is the outcome of Evaluate. Baseline is nil when no usable
// history exists; callers treat that as absence of evidence.
type Evaluation struct {
	IsSpike  bool
	IsDip    bool
	ZScore   float64
	Baseline *float64
}

// Config controls estimation and thresholds.
type Config struct {
	WindowSize int `mapstructure:"window_size"` // most recent samples kept per key
	MinSamples int `mapstructure:"min_samples"` // below this a record is cold

	anomaly.Thresholds `mapstructure:",squash"`

	// Metrics overrides thresholds per metric name.
	Metrics map[string]anomaly.Thresholds `mapstructure:"metrics"`
}

// DefaultConfig returns a 96-sample window, 8-sample warmup and 2.0
// spike/dip thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize: 96,
		MinSamples: 8,
		Thresholds: anomaly.DefaultThresholds(),
		Metrics:    map[string]anomaly.Thresholds{},
	}
}

// Store is the concurrent baseline store.
type Store struct {
	cfg     Config
	current atomic.Pointer[map[Key]Record]
	mu      sync.Mutex // serialises writers
	now     func() time.Time
}

// New creates an empty Store. The per-metric table is copied.
func New(cfg Config) *Store {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	metrics := make(map[string]anomaly.Thresholds, len(cfg.Metrics))
	for name, th := range cfg.Metrics {
		metrics[strings.ToLower(name)] = th
	}
	cfg.Metrics = metrics

	s := &Store{cfg: cfg, now: time.Now}
	empty := map[Key]Record{}
	s.current.Store(&empty)
	return s
}

// Evaluate tests observed against the series for the given key.
// Missing or cold series return the zero Evaluation.
func (s *Store) Evaluate(venueID string, scope episode.Scope, scopeID, metric string, observed float64) Evaluation {
	key := Key{VenueID: venueID, ScopeKind: scope, ScopeID: scopeID, Metric: metric}.normalize()
	rec, ok := (*s.current.Load())[key]
	if !ok || rec.Samples < s.cfg.MinSamples {
		return Evaluation{}
	}

	res := anomaly.Check(observed, rec.RollingMedian, rec.Dispersion, s.thresholds(metric))
	median := rec.RollingMedian
	return Evaluation{
		IsSpike:  res.IsSpike,
		IsDip:    res.IsDip,
		ZScore:   res.ZScore,
		Baseline: &median,
	}
}

func (s *Store) thresholds(metric string) anomaly.Thresholds {
	if th, ok := s.cfg.Metrics[strings.ToLower(metric)]; ok {
		if th.Epsilon <= 0 {
			th.Epsilon = s.cfg.Epsilon
		}
		return th
	}
	return s.cfg.Thresholds
}

// Get returns the record for key.
func (s *Store) Get(key Key) (Record, bool) {
	rec, ok := (*s.current.Load())[key.normalize()]
	return rec, ok
}

// Rebuild replaces every record of venueID with summaries computed from
// obs, keeping the most recent WindowSize observations per key. Records of
// other venues are carried over unchanged.
func (s *Store) Rebuild(venueID string, obs []Observation) int {
	series := make(map[Key][]Observation)
	for _, o := range obs {
		if o.Key.VenueID != venueID {
			continue
		}
		k := o.Key.normalize()
		series[k] = append(series[k], o)
	}

	now := s.now().UTC()
	fresh := make(map[Key]Record, len(series))
	for k, list := range series {
		slices.SortStableFunc(list, func(a, b Observation) int { return a.At.Compare(b.At) })
		if len(list) > s.cfg.WindowSize {
			list = list[len(list)-s.cfg.WindowSize:]
		}
		values := make([]float64, len(list))
		for i, o := range list {
			values[i] = o.Value
		}
		med := anomaly.Median(values)
		fresh[k] = Record{
			Key:           k,
			RollingMedian: med,
			Dispersion:    anomaly.MAD(values, med),
			Samples:       len(values),
			UpdatedAt:     now,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[Key]Record, len(*s.current.Load())+len(fresh))
	for k, r := range *s.current.Load() {
		if k.VenueID != venueID {
			next[k] = r
		}
	}
	maps.Copy(next, fresh)
	s.current.Store(&next)
	return len(fresh)
}

// Load merges persisted records into the store, replacing existing keys.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(*s.current.Load())
	for _, r := range records {
		r.Key = r.Key.normalize()
		next[r.Key] = r
	}
	s.current.Store(&next)
}

// Records returns the records of venueID, or of every venue when venueID
// is empty, sorted by key.
func (s *Store) Records(venueID string) []Record {
	snap := *s.current.Load()
	out := make([]Record, 0, len(snap))
	for k, r := range snap {
		if venueID == "" || k.VenueID == venueID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(
			cmp.Compare(a.VenueID, b.VenueID),
			cmp.Compare(a.ScopeKind, b.ScopeKind),
			cmp.Compare(a.ScopeID, b.ScopeID),
			cmp.Compare(a.Metric, b.Metric),
		)
	})
	return out
}

// Count returns the number of tracked series.
func (s *Store) Count() int {
	return len(*s.current.Load())
}
