// Package config handles configuration loading for the raster viewer.
// YAML and TOML files are accepted, selected by extension.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/raster-tiles/viewer/internal/adra"
	"github.com/raster-tiles/viewer/internal/viewport"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Dataset kinds.
const (
	KindZarr  = "zarr"
	KindImage = "image"
)

// Config represents the viewer configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Data    DataConfig    `yaml:"data" toml:"data"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Range   RangeConfig   `yaml:"range" toml:"range"`
	Render  RenderConfig  `yaml:"render" toml:"render"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	Title       string   `yaml:"title" toml:"title"`
}

// DataConfig lists the datasets in display order.
type DataConfig struct {
	DefaultDataset string          `yaml:"default_dataset" toml:"default_dataset"`
	Datasets       []DatasetConfig `yaml:"datasets" toml:"datasets"`
}

// DatasetConfig is one pyramid source.
type DatasetConfig struct {
	ID    string `yaml:"id" toml:"id"`
	Path  string `yaml:"path" toml:"path"`
	Kind  string `yaml:"kind" toml:"kind"` // zarr or image; inferred from Path when empty
	Bands []int  `yaml:"bands" toml:"bands"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileLimit         int `yaml:"tile_limit" toml:"tile_limit"`
	EvictBuffer       int `yaml:"evict_buffer" toml:"evict_buffer"`
	PayloadSizeMB     int `yaml:"payload_size_mb" toml:"payload_size_mb"`
	PayloadTTLMinutes int `yaml:"payload_ttl_minutes" toml:"payload_ttl_minutes"`
	FrameCacheSize    int `yaml:"frame_cache_size" toml:"frame_cache_size"`
}

// PoolConfig contains decode pool settings.
type PoolConfig struct {
	MaxExecutors int `yaml:"max_executors" toml:"max_executors"`
}

// RangeConfig contains display range analysis settings.
type RangeConfig struct {
	ClipLow    *float64 `yaml:"clip_low" toml:"clip_low"`
	ClipHigh   *float64 `yaml:"clip_high" toml:"clip_high"`
	PadLow     float64  `yaml:"pad_low" toml:"pad_low"`
	PadHigh    float64  `yaml:"pad_high" toml:"pad_high"`
	ThrottleMS int      `yaml:"throttle_ms" toml:"throttle_ms"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width           int    `yaml:"width" toml:"width"`
	Height          int    `yaml:"height" toml:"height"`
	MaxWidth        int    `yaml:"max_width" toml:"max_width"`
	MaxHeight       int    `yaml:"max_height" toml:"max_height"`
	Colormap        string `yaml:"colormap" toml:"colormap"`
	FrameIntervalMS int    `yaml:"frame_interval_ms" toml:"frame_interval_ms"`
	SamplesPerAxis  int    `yaml:"samples_per_axis" toml:"samples_per_axis"`
}

// StoreConfig contains saved view storage settings.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load reads configuration from a YAML or TOML file. A missing file yields
// the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ptr(v float64) *float64 { return &v }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	opts := adra.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Raster Viewer",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: []DatasetConfig{
				{ID: "default", Path: "./data/pyramid.zarr", Kind: KindZarr},
			},
		},
		Cache: CacheConfig{
			TileLimit:         500,
			EvictBuffer:       50,
			PayloadSizeMB:     256,
			PayloadTTLMinutes: 10,
			FrameCacheSize:    64,
		},
		Pool: PoolConfig{
			MaxExecutors: 4,
		},
		Range: RangeConfig{
			ClipLow:    ptr(opts.ClipLow),
			ClipHigh:   ptr(opts.ClipHigh),
			PadLow:     opts.PadLow,
			PadHigh:    opts.PadHigh,
			ThrottleMS: 100,
		},
		Render: RenderConfig{
			Width:           1024,
			Height:          768,
			MaxWidth:        4096,
			MaxHeight:       4096,
			Colormap:        "gray",
			FrameIntervalMS: 16,
			SamplesPerAxis:  32,
		},
		Store: StoreConfig{
			SQLitePath: "./data/views.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.Datasets = defaults.Data.Datasets
	}
	for i := range cfg.Data.Datasets {
		ds := &cfg.Data.Datasets[i]
		if ds.Kind == "" {
			ds.Kind = inferKind(ds.Path)
		}
	}
	if cfg.Data.DefaultDataset == "" {
		// First dataset in file order.
		cfg.Data.DefaultDataset = cfg.Data.Datasets[0].ID
	}

	if cfg.Cache.TileLimit == 0 {
		cfg.Cache.TileLimit = defaults.Cache.TileLimit
	}
	if cfg.Cache.EvictBuffer == 0 {
		cfg.Cache.EvictBuffer = defaults.Cache.EvictBuffer
	}
	if cfg.Cache.PayloadSizeMB == 0 {
		cfg.Cache.PayloadSizeMB = defaults.Cache.PayloadSizeMB
	}
	if cfg.Cache.PayloadTTLMinutes == 0 {
		cfg.Cache.PayloadTTLMinutes = defaults.Cache.PayloadTTLMinutes
	}
	if cfg.Cache.FrameCacheSize == 0 {
		cfg.Cache.FrameCacheSize = defaults.Cache.FrameCacheSize
	}

	if cfg.Pool.MaxExecutors == 0 {
		cfg.Pool.MaxExecutors = defaults.Pool.MaxExecutors
	}

	if cfg.Range.ClipLow == nil {
		cfg.Range.ClipLow = defaults.Range.ClipLow
	}
	if cfg.Range.ClipHigh == nil {
		cfg.Range.ClipHigh = defaults.Range.ClipHigh
	}
	if cfg.Range.ThrottleMS == 0 {
		cfg.Range.ThrottleMS = defaults.Range.ThrottleMS
	}

	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.MaxWidth == 0 {
		cfg.Render.MaxWidth = defaults.Render.MaxWidth
	}
	if cfg.Render.MaxHeight == 0 {
		cfg.Render.MaxHeight = defaults.Render.MaxHeight
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Render.FrameIntervalMS == 0 {
		cfg.Render.FrameIntervalMS = defaults.Render.FrameIntervalMS
	}
	if cfg.Render.SamplesPerAxis == 0 {
		cfg.Render.SamplesPerAxis = defaults.Render.SamplesPerAxis
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

func inferKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return KindImage
	default:
		return KindZarr
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port %d", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Data.Datasets))
	for _, ds := range c.Data.Datasets {
		switch {
		case ds.ID == "":
			return invalid("dataset with empty id")
		case seen[ds.ID]:
			return invalid("duplicate dataset %q", ds.ID)
		case ds.Path == "":
			return invalid("dataset %q has no path", ds.ID)
		case ds.Kind != KindZarr && ds.Kind != KindImage:
			return invalid("dataset %q has unknown kind %q", ds.ID, ds.Kind)
		case len(ds.Bands) > 3:
			return invalid("dataset %q selects %d bands", ds.ID, len(ds.Bands))
		}
		seen[ds.ID] = true
	}
	if !seen[c.Data.DefaultDataset] {
		return invalid("default dataset %q is not configured", c.Data.DefaultDataset)
	}

	if c.Cache.TileLimit < 0 || c.Cache.EvictBuffer < 0 || c.Cache.PayloadSizeMB < 0 ||
		c.Cache.PayloadTTLMinutes < 0 || c.Cache.FrameCacheSize < 0 {
		return invalid("negative cache limit")
	}
	if c.Cache.EvictBuffer >= c.Cache.TileLimit {
		return invalid("cache.evict_buffer %d must be below cache.tile_limit %d",
			c.Cache.EvictBuffer, c.Cache.TileLimit)
	}
	if c.Pool.MaxExecutors < 0 {
		return invalid("pool.max_executors %d", c.Pool.MaxExecutors)
	}

	if err := c.RangeOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Render.Width < 0 || c.Render.Height < 0 || c.Render.SamplesPerAxis < 0 {
		return invalid("negative render size")
	}
	if c.Render.MaxWidth <= 0 || c.Render.MaxWidth > viewport.MaxCanvasSize ||
		c.Render.MaxHeight <= 0 || c.Render.MaxHeight > viewport.MaxCanvasSize {
		return invalid("render.max_width/max_height %dx%d outside 1..%d",
			c.Render.MaxWidth, c.Render.MaxHeight, viewport.MaxCanvasSize)
	}
	if c.Render.Width > c.Render.MaxWidth || c.Render.Height > c.Render.MaxHeight {
		return invalid("render size %dx%d exceeds max %dx%d",
			c.Render.Width, c.Render.Height, c.Render.MaxWidth, c.Render.MaxHeight)
	}
	return nil
}

// RangeOptions returns the configured analysis percentages.
func (c *Config) RangeOptions() adra.Options {
	o := adra.DefaultOptions()
	if c.Range.ClipLow != nil {
		o.ClipLow = *c.Range.ClipLow
	}
	if c.Range.ClipHigh != nil {
		o.ClipHigh = *c.Range.ClipHigh
	}
	o.PadLow, o.PadHigh = c.Range.PadLow, c.Range.PadHigh
	return o
}

// Throttle returns the analysis throttle interval. A negative value disables
// throttling.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Range.ThrottleMS) * time.Millisecond
}

// FrameInterval returns the viewer tick period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Render.FrameIntervalMS) * time.Millisecond
}

// PayloadTTL returns the decoded payload lifetime.
func (c *Config) PayloadTTL() time.Duration {
	return time.Duration(c.Cache.PayloadTTLMinutes) * time.Minute
}

// Dataset returns the dataset with the given id.
func (c *Config) Dataset(id string) (DatasetConfig, bool) {
	for _, ds := range c.Data.Datasets {
		if ds.ID == id {
			return ds, true
		}
	}
	return DatasetConfig{}, false
}

// DatasetIDs returns all dataset IDs in file order.
func (c *Config) DatasetIDs() []string {
	ids := make([]string, 0, len(c.Data.Datasets))
	for _, ds := range c.Data.Datasets {
		ids = append(ids, ds.ID)
	}
	return ids
}
