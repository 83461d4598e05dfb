// Package config assembles the engine configuration from defaults, an
// optional YAML file and FEATUREDB_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/bdsp/featuredb/pkg/aggregate"
	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/view"
)

// Duration is a time.Duration that unmarshals from YAML strings like "7h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	Timeout    time.Duration `yaml:"-" envconfig:"TIMEOUT"`
	// IngestRateLimit caps ingestion requests per second (burst 2x).
	IngestRateLimit float64 `yaml:"ingest_rate_limit" envconfig:"INGEST_RATE_LIMIT"`
}

// StorageConfig holds chunked-store settings.
type StorageConfig struct {
	Path             string              `yaml:"path" envconfig:"STORAGE_PATH"`
	CompressionLevel int                 `yaml:"compression_level" envconfig:"COMPRESSION_LEVEL"`
	DefaultChunk     Duration            `yaml:"default_chunk_width" ignored:"true"`
	ChunkWidths      map[string]Duration `yaml:"chunk_widths" ignored:"true"`
	MinTime          time.Time           `yaml:"min_time" ignored:"true"`
	MaxTime          time.Time           `yaml:"max_time" ignored:"true"`
}

// AggregateConfig holds continuous-aggregate settings.
type AggregateConfig struct {
	BucketWidth     Duration         `yaml:"bucket_width"`
	StartOffset     Duration         `yaml:"start_offset"`
	EndOffset       Duration         `yaml:"end_offset"`
	RefreshInterval Duration         `yaml:"refresh_interval"`
	MaxParallel     int              `yaml:"max_parallel"`
	Aggregates      []aggregate.Spec `yaml:"aggregates"`
}

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	View      *view.Config    `yaml:"view"`
}

// Default returns the reference configuration: four raw series (day-ahead
// prices, weather, hydrology, tariffs), hourly aggregates for the sub-hourly
// series, and the standard feature view.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8480",
			Timeout:         30 * time.Second,
			IngestRateLimit: 50,
		},
		Storage: StorageConfig{
			Path:             "./data",
			CompressionLevel: 3,
			DefaultChunk:     Duration(7 * 24 * time.Hour),
			ChunkWidths: map[string]Duration{
				"entsoe_day_ahead_prices": Duration(30 * 24 * time.Hour),
				"weather_hourly":          Duration(30 * 24 * time.Hour),
				"bafu_hydro":              Duration(7 * 24 * time.Hour),
				"ekz_tariffs":             Duration(7 * 24 * time.Hour),
			},
			MinTime: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			MaxTime: time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Aggregate: AggregateConfig{
			BucketWidth:     Duration(time.Hour),
			StartOffset:     Duration(48 * time.Hour),
			EndOffset:       Duration(time.Hour),
			RefreshInterval: Duration(time.Hour),
			MaxParallel:     4,
			Aggregates: []aggregate.Spec{
				{Name: "bafu_hydro_discharge_hourly", Series: "bafu_hydro", Field: "discharge_m3s"},
				{Name: "bafu_hydro_level_hourly", Series: "bafu_hydro", Field: "level_masl"},
				{Name: "ekz_tariffs_hourly", Series: "ekz_tariffs", Field: "price_chf_kwh"},
			},
		},
		View: view.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then FEATUREDB_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("FEATUREDB", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to read server env config: %w", err)
	}
	if err := envconfig.Process("FEATUREDB", &cfg.Storage); err != nil {
		return nil, fmt.Errorf("failed to read storage env config: %w", err)
	}

	if cfg.View != nil {
		// The feature grid always runs at the aggregate bucket width.
		cfg.View.Step = time.Duration(cfg.Aggregate.BucketWidth)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}
	if c.Storage.DefaultChunk <= 0 {
		return fmt.Errorf("default chunk width must be positive")
	}
	if !c.Storage.MinTime.Before(c.Storage.MaxTime) {
		return fmt.Errorf("min time must precede max time")
	}
	if c.Aggregate.BucketWidth <= 0 {
		return fmt.Errorf("aggregate bucket width must be positive")
	}
	if c.Aggregate.EndOffset < 0 || c.Aggregate.StartOffset <= c.Aggregate.EndOffset {
		return fmt.Errorf("aggregate start offset must exceed end offset")
	}
	for _, spec := range c.Aggregate.Aggregates {
		if spec.Name == "" || spec.Series == "" || spec.Field == "" {
			return fmt.Errorf("aggregate spec %+v is incomplete", spec)
		}
	}
	if c.View != nil {
		if err := c.View.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToStoreConfig converts to store.Config.
func (c *Config) ToStoreConfig() *store.Config {
	widths := make(map[string]time.Duration, len(c.Storage.ChunkWidths))
	for series, w := range c.Storage.ChunkWidths {
		widths[series] = time.Duration(w)
	}
	return &store.Config{
		Path:              c.Storage.Path,
		ChunkWidths:       widths,
		DefaultChunkWidth: time.Duration(c.Storage.DefaultChunk),
		MinTime:           c.Storage.MinTime,
		MaxTime:           c.Storage.MaxTime,
		CompressionLevel:  c.Storage.CompressionLevel,
	}
}

// ToAggregateConfig converts to aggregate.Config.
func (c *Config) ToAggregateConfig() *aggregate.Config {
	return &aggregate.Config{
		BucketWidth: time.Duration(c.Aggregate.BucketWidth),
		StartOffset: time.Duration(c.Aggregate.StartOffset),
		EndOffset:   time.Duration(c.Aggregate.EndOffset),
		MaxParallel: c.Aggregate.MaxParallel,
		Aggregates:  c.Aggregate.Aggregates,
	}
}
