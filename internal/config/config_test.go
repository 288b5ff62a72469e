package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/woozymasta/geoannotate/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
start_mode: globe
server:
  listen: 127.0.0.1:9000
store:
  backend: file
tiles:
  layer:
    name: osm
    url: https://tile.example.org/{z}/{x}/{y}.png
  warmer:
    zooms: [10]
render:
  tile_map:
    boot_delay: 250ms
    home: {lon: 30, lat: 50, zoom: 6}
session:
  flight:
    retry_base: 200ms
    retry_factor: 2
    max_retries: 3
    hard_timeout: 4s
  transition:
    fallback: terrain
  annotate:
    viewer_id: alice
    visibility_sweep: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.StartMode != model.WebGLGlobe || cfg.Session.Transition.Fallback != model.TerrainGlobe {
		t.Fatalf("modes = %v, %v", cfg.StartMode, cfg.Session.Transition.Fallback)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.CallTimeout != 5*time.Second {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Store.Dir != "data" || !cfg.Tiles.Enabled() || cfg.Tiles.Layer.MaxZoom != 18 {
		t.Fatalf("store/tiles = %+v / %+v", cfg.Store, cfg.Tiles)
	}
	if len(cfg.Tiles.Warmer.Zooms) != 1 || cfg.Tiles.Warmer.Concurrency != 8 {
		t.Fatalf("warmer = %+v", cfg.Tiles.Warmer)
	}
	if cfg.Render.TileMap.BootDelay != 250*time.Millisecond || cfg.Render.TileMap.Home.Zoom != 6 {
		t.Fatalf("render = %+v", cfg.Render.TileMap)
	}
	if f := cfg.Session.Flight; f.RetryBase != 200*time.Millisecond || f.MaxRetries != 3 || f.HardTimeout != 4*time.Second {
		t.Fatalf("flight = %+v", f)
	}
	if cfg.Session.Transition.SettleTimeout != 2*time.Second {
		t.Fatalf("settle timeout = %v", cfg.Session.Transition.SettleTimeout)
	}
	a := cfg.Session.Annotate
	if a.ViewerID != "alice" || a.VisibilitySweep != 10*time.Second || a.Debounce != 100*time.Millisecond {
		t.Fatalf("annotate = %+v", a)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "memory" || cfg.Tiles.Enabled() || cfg.StartMode != model.TileMap {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Session.Flight.MaxRetries != 5 || cfg.Session.Flight.HardTimeout != 8*time.Second {
		t.Fatalf("flight defaults = %+v", cfg.Session.Flight)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "store: {backend: etcd}"},
		{"redis without addr", "store: {backend: redis}"},
		{"bad layer", "tiles: {layer: {name: a/b, url: 'http://x/{z}/{x}/{y}'}}"},
		{"bad mode", "start_mode: flat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("Load() succeeded")
			}
		})
	}
}
