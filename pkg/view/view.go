// Package view assembles the final denormalized feature table: the
// reference series joined with every configured source, extended with lag,
// rolling-window and calendar columns. Materialization is a pure function of
// stored state; running it twice over the same range yields identical rows.
package view

import (
	"fmt"
	"sort"
	"time"

	"github.com/bdsp/featuredb/pkg/align"
)

// RollingSpec names one rolling-mean column over the reference target.
type RollingSpec struct {
	Width  int    `yaml:"width"`
	Column string `yaml:"column"`
}

// ExtraRollingSpec names a rolling-mean column computed over a joined
// column instead of the target (e.g. a temperature rolling average).
type ExtraRollingSpec struct {
	SourceColumn string `yaml:"source_column"`
	Width        int    `yaml:"width"`
	Column       string `yaml:"column"`
}

// SourceSpec configures one joined source.
type SourceSpec struct {
	// Name labels the source in gap notes.
	Name string `yaml:"name"`
	// Aggregate names a maintained hourly aggregate to join; when empty,
	// Series names a raw series to join directly.
	Aggregate string `yaml:"aggregate"`
	Series    string `yaml:"series"`
	// Columns maps source fields to output columns. Aggregate sources
	// expose the single field "avg".
	Columns map[string]string `yaml:"columns"`
	// Reduce selects the key-collapse strategy: fixed, mean or nearest.
	Reduce string `yaml:"reduce"`
	// Key is the fixed series key (reduce: fixed) or the numeric target
	// key (reduce: nearest).
	Key string `yaml:"key"`
}

// Config is the feature view configuration.
type Config struct {
	// Reference is the raw series driving output cardinality.
	Reference string `yaml:"reference"`
	// ReferenceKey fixes the reference stream key; empty averages across
	// keys.
	ReferenceKey string `yaml:"reference_key"`
	// TargetField is the reference value field features derive from.
	TargetField string `yaml:"target_field"`
	// Step is the reference grid resolution; it always equals the
	// aggregate bucket width and is set by the engine config, not YAML.
	Step          time.Duration      `yaml:"-"`
	LagDepths     []int              `yaml:"lag_depths"`
	Rolling       []RollingSpec      `yaml:"rolling"`
	ExtraRolling  []ExtraRollingSpec `yaml:"extra_rolling"`
	Sources       []SourceSpec       `yaml:"sources"`
	// Timezone is the locale for calendar features (default UTC).
	Timezone string `yaml:"timezone"`
	// PageSize bounds how many reference rows are buffered per page.
	PageSize int `yaml:"page_size"`
}

// DefaultConfig mirrors the reference deployment: day-ahead prices joined
// with weather, hydrology and tariffs on an hourly grid.
func DefaultConfig() *Config {
	return &Config{
		Reference:   "entsoe_day_ahead_prices",
		TargetField: "price_eur_mwh",
		Step:        time.Hour,
		LagDepths:   []int{1, 2, 24, 168},
		Rolling: []RollingSpec{
			{Width: 24, Column: "rolling_avg_24h"},
			{Width: 168, Column: "rolling_avg_7d"},
		},
		ExtraRolling: []ExtraRollingSpec{
			{SourceColumn: "temperature_2m", Width: 24, Column: "temp_rolling_avg_24h"},
		},
		Sources: []SourceSpec{
			{
				Name:   "weather",
				Series: "weather_hourly",
				Reduce: "mean",
				Columns: map[string]string{
					"temperature_2m":      "temperature_2m",
					"wind_speed_10m":      "wind_speed_10m",
					"shortwave_radiation": "shortwave_radiation",
					"cloud_cover":         "cloud_cover",
				},
			},
			{
				Name:      "hydro_discharge",
				Aggregate: "bafu_hydro_discharge_hourly",
				Reduce:    "mean",
				Columns:   map[string]string{"avg": "discharge_m3s"},
			},
			{
				Name:      "hydro_level",
				Aggregate: "bafu_hydro_level_hourly",
				Reduce:    "mean",
				Columns:   map[string]string{"avg": "level_masl"},
			},
			{
				Name:      "tariffs",
				Aggregate: "ekz_tariffs_hourly",
				Reduce:    "mean",
				Columns:   map[string]string{"avg": "ekz_price_chf_kwh_avg"},
			},
		},
		Timezone: "UTC",
		PageSize: 24 * 14,
	}
}

// Validate checks the view configuration.
func (c *Config) Validate() error {
	if c.Reference == "" {
		return fmt.Errorf("view: reference series is required")
	}
	if c.TargetField == "" {
		return fmt.Errorf("view: target field is required")
	}
	if c.Step <= 0 {
		return fmt.Errorf("view: step must be positive")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("view: page size must be >= 1")
	}
	for _, k := range c.LagDepths {
		if k < 1 {
			return fmt.Errorf("view: lag depth %d must be >= 1", k)
		}
	}
	for _, r := range c.Rolling {
		if r.Width < 1 || r.Column == "" {
			return fmt.Errorf("view: invalid rolling spec %+v", r)
		}
	}
	for _, s := range c.Sources {
		if s.Aggregate == "" && s.Series == "" {
			return fmt.Errorf("view: source %q names neither a series nor an aggregate", s.Name)
		}
		switch s.Reduce {
		case "fixed", "mean", "nearest":
		default:
			return fmt.Errorf("view: source %q has unknown reduce strategy %q", s.Name, s.Reduce)
		}
	}
	return nil
}

// maxLookback is the deepest positional history any configured feature needs.
func (c *Config) maxLookback() int {
	max := 0
	for _, k := range c.LagDepths {
		if k > max {
			max = k
		}
	}
	for _, r := range c.Rolling {
		if r.Width > max {
			max = r.Width
		}
	}
	for _, r := range c.ExtraRolling {
		if r.Width > max {
			max = r.Width
		}
	}
	return max
}

func lagColumn(k int) string { return fmt.Sprintf("lag_%dh", k) }

// Columns returns every feature column the view emits, sorted. The target
// is not a feature column.
func (c *Config) Columns() []string {
	set := map[string]struct{}{
		"hour_of_day": {}, "day_of_week": {}, "month": {},
		"is_weekend": {}, "is_peak_hour": {},
	}
	for _, k := range c.LagDepths {
		set[lagColumn(k)] = struct{}{}
	}
	for _, r := range c.Rolling {
		set[r.Column] = struct{}{}
	}
	for _, r := range c.ExtraRolling {
		set[r.Column] = struct{}{}
	}
	for _, s := range c.Sources {
		for _, out := range s.Columns {
			set[out] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func (s SourceSpec) reducer() (align.Reducer, error) {
	switch s.Reduce {
	case "fixed":
		if s.Key == "" {
			return nil, fmt.Errorf("view: source %q uses fixed reduce without a key", s.Name)
		}
		return align.FixedKey(s.Key), nil
	case "mean":
		return align.MeanAcrossKeys{}, nil
	case "nearest":
		var target float64
		if _, err := fmt.Sscanf(s.Key, "%f", &target); err != nil {
			return nil, fmt.Errorf("view: source %q nearest key %q is not numeric", s.Name, s.Key)
		}
		return align.NearestKey{Target: target}, nil
	default:
		return nil, fmt.Errorf("view: source %q has unknown reduce strategy %q", s.Name, s.Reduce)
	}
}
