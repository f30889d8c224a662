package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_YAML(t *testing.T) {
	content := `
server:
  port: 9000
  title: Slides
data:
  datasets:
    - id: he
      path: /data/he.zarr
      bands: [2, 1, 0]
    - id: scan
      path: /data/scan.tiff
range:
  clip_low: 0
  clip_high: 100
  pad_high: 5
`
	cfg := loadFromString(t, "config.yaml", content)

	if cfg.Server.Port != 9000 || cfg.Server.Title != "Slides" {
		t.Errorf("unexpected server section: %+v", cfg.Server)
	}
	if cfg.Data.DefaultDataset != "he" {
		t.Errorf("expected first dataset as default, got %q", cfg.Data.DefaultDataset)
	}
	ids := cfg.DatasetIDs()
	if len(ids) != 2 || ids[0] != "he" || ids[1] != "scan" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
	he, _ := cfg.Dataset("he")
	if he.Kind != KindZarr || len(he.Bands) != 3 {
		t.Errorf("unexpected dataset: %+v", he)
	}
	scan, _ := cfg.Dataset("scan")
	if scan.Kind != KindImage {
		t.Errorf("expected kind inferred from extension, got %q", scan.Kind)
	}

	// An explicit zero clip must survive defaulting.
	opts := cfg.RangeOptions()
	if opts.ClipLow != 0 || opts.ClipHigh != 100 || opts.PadHigh != 5 {
		t.Errorf("unexpected range options: %+v", opts)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
[server]
port = 7000

[data]
default_dataset = "b"

[[data.datasets]]
id = "a"
path = "/data/a.zarr"

[[data.datasets]]
id = "b"
path = "/data/b.png"

[cache]
tile_limit = 200
evict_buffer = 20

[range]
throttle_ms = 250
`
	cfg := loadFromString(t, "config.toml", content)

	if cfg.Server.Port != 7000 || cfg.Data.DefaultDataset != "b" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Cache.TileLimit != 200 || cfg.Cache.EvictBuffer != 20 {
		t.Errorf("unexpected cache section: %+v", cfg.Cache)
	}
	if cfg.Throttle() != 250*time.Millisecond {
		t.Errorf("expected 250ms throttle, got %v", cfg.Throttle())
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
`
	cfg := loadFromString(t, "config.yaml", content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TileLimit != 500 || cfg.Cache.EvictBuffer != 50 {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Data.DefaultDataset != "default" || len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected the default dataset, got %+v", cfg.Data)
	}
	if o := cfg.RangeOptions(); o.ClipLow != 1 || o.ClipHigh != 99 {
		t.Errorf("unexpected default range options: %+v", o)
	}
	if cfg.Render.MaxWidth != 4096 || cfg.Render.MaxHeight != 4096 {
		t.Errorf("unexpected max canvas: %dx%d", cfg.Render.MaxWidth, cfg.Render.MaxHeight)
	}
	if cfg.FrameInterval() != 16*time.Millisecond || cfg.PayloadTTL() != 10*time.Minute {
		t.Errorf("unexpected durations: %v %v", cfg.FrameInterval(), cfg.PayloadTTL())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default config, got %+v", cfg.Server)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bufferAboveLimit": `
cache:
  tile_limit: 10
  evict_buffer: 10
`,
		"negativeLimit": `
cache:
  tile_limit: -1
`,
		"clipOutOfRange": `
range:
  clip_high: 150
`,
		"maxAboveCanvasLimit": `
render:
  max_width: 100000
`,
		"sizeAboveMax": `
render:
  width: 2048
  max_width: 1024
`,
		"unknownKind": `
data:
  datasets:
    - id: a
      path: /a
      kind: hdf5
`,
		"duplicateDataset": `
data:
  datasets:
    - {id: a, path: /a.zarr}
    - {id: a, path: /b.zarr}
`,
		"unknownDefault": `
data:
  default_dataset: nope
  datasets:
    - {id: a, path: /a.zarr}
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", content)
			if _, err := Load(path); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("malformed", func(t *testing.T) {
		path := writeConfig(t, "config.toml", "[server\nport = ")
		if _, err := Load(path); err == nil {
			t.Fatal("expected a parse error")
		}
	})
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, name, content string) *Config {
	t.Helper()

	cfg, err := Load(writeConfig(t, name, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
