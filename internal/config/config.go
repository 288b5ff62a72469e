// Package config handles configuration loading and shared data structures.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/flight"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/observability"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/session"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/tiles"
	"github.com/woozymasta/geoannotate/internal/transition"
)

// Config represents the root configuration file structure.
type Config struct {
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Store     store.Config                `yaml:"store"`
	Search    Search                      `yaml:"search"`
	Server    Server                      `yaml:"server"`
	Tiles     Tiles                       `yaml:"tiles"`
	Render    render.Options              `yaml:"render"`
	Session   session.Options             `yaml:"session"`
	StartMode model.Mode                  `yaml:"start_mode"`
}

// Server configures the HTTP surface.
type Server struct {
	Listen       string        `yaml:"listen"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// Tiles configures the tile cache and the warmer feeding it.
type Tiles struct {
	CacheDir     string              `yaml:"cache_dir"`
	Layer        tiles.Layer         `yaml:"layer"`
	Warmer       tiles.WarmerOptions `yaml:"warmer"`
	FetchTimeout time.Duration       `yaml:"fetch_timeout"`
}

// Enabled reports whether a tile source is configured.
func (t Tiles) Enabled() bool { return t.Layer.URL != "" }

// Search configures the location search providers.
type Search struct {
	Gazetteer    string `yaml:"gazetteer,omitempty"`
	IzurviveURL  string `yaml:"izurvive_url,omitempty"`
	GoogleAPIKey string `yaml:"google_api_key,omitempty"`
	Language     string `yaml:"language,omitempty"`
	Region       string `yaml:"region,omitempty"`
	Limit        int    `yaml:"limit,omitempty"`
}

// Load reads and parses the YAML configuration file from the specified path.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8080"
	}
	if c.Server.CallTimeout <= 0 {
		c.Server.CallTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.EventBuffer <= 0 {
		c.Server.EventBuffer = 64
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Backend == "file" && c.Store.Dir == "" {
		c.Store.Dir = "data"
	}

	if c.Tiles.CacheDir == "" {
		c.Tiles.CacheDir = "tiles"
	}
	if c.Tiles.Layer.Name == "" {
		c.Tiles.Layer.Name = "base"
	}
	if c.Tiles.Layer.MaxZoom <= 0 {
		c.Tiles.Layer.MaxZoom = 18
	}
	if c.Tiles.FetchTimeout <= 0 {
		c.Tiles.FetchTimeout = 15 * time.Second
	}
	def := tiles.DefaultWarmerOptions()
	if len(c.Tiles.Warmer.Zooms) == 0 {
		c.Tiles.Warmer.Zooms = def.Zooms
	}
	if c.Tiles.Warmer.Radius <= 0 {
		c.Tiles.Warmer.Radius = def.Radius
	}
	if c.Tiles.Warmer.Concurrency <= 0 {
		c.Tiles.Warmer.Concurrency = def.Concurrency
	}
	if c.Tiles.Warmer.Queue <= 0 {
		c.Tiles.Warmer.Queue = def.Queue
	}

	if c.Search.Limit <= 0 {
		c.Search.Limit = 10
	}

	if c.Session.Flight == (flight.Options{}) {
		c.Session.Flight = flight.DefaultOptions()
	}
	if c.Session.Transition.SettleTimeout <= 0 {
		c.Session.Transition.SettleTimeout = transition.DefaultOptions().SettleTimeout
	}
	if c.Session.Transition.InvalidThreshold <= 0 {
		c.Session.Transition.InvalidThreshold = transition.DefaultOptions().InvalidThreshold
	}
	viewer := c.Session.Annotate.ViewerID
	sweep := c.Session.Annotate.VisibilitySweep
	if c.Session.Annotate == (annotate.Options{ViewerID: viewer, VisibilitySweep: sweep}) {
		c.Session.Annotate = annotate.DefaultOptions()
		c.Session.Annotate.ViewerID = viewer
		c.Session.Annotate.VisibilitySweep = sweep
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "geoannotate"
	}
}

// Validate reports values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if !c.StartMode.Valid() {
		errs = append(errs, fmt.Errorf("start_mode: invalid mode %d", int(c.StartMode)))
	}
	if !c.Session.Transition.Fallback.Valid() {
		errs = append(errs, errors.New("session.transition.fallback: invalid mode"))
	}
	if c.Tiles.Enabled() && !c.Tiles.Layer.Valid() {
		errs = append(errs, fmt.Errorf("tiles.layer: invalid layer %q", c.Tiles.Layer.Name))
	}
	switch c.Store.Backend {
	case "memory", "file":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}
