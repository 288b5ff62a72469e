package render

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

// Factory builds a fresh, uninitialized adapter.
type Factory func() Adapter

// Options configures the three built-in adapters.
type Options struct {
	TileMap TileMapOptions `yaml:"tile_map"`
	Terrain TerrainOptions `yaml:"terrain"`
	Globe   GlobeOptions   `yaml:"globe"`
}

// Registry builds adapters together with the containers they mount into and
// keeps track of containers that are still in the document.
type Registry struct {
	factories map[model.Mode]Factory
	live      map[*Container]model.Mode
	log       zerolog.Logger
	seq       int
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		factories: make(map[model.Mode]Factory),
		live:      make(map[*Container]model.Mode),
		log:       log,
	}
}

// DefaultRegistry registers the tile map, terrain globe and WebGL globe.
func DefaultRegistry(sched loop.Scheduler, log zerolog.Logger, opts Options) *Registry {
	r := NewRegistry(log)
	r.Register(model.TileMap, func() Adapter { return NewTileMap(sched, log, opts.TileMap) })
	r.Register(model.TerrainGlobe, func() Adapter { return NewTerrainGlobe(sched, log, opts.Terrain) })
	r.Register(model.WebGLGlobe, func() Adapter { return NewWebGLGlobe(sched, log, opts.Globe) })
	return r
}

// Register sets the factory for a mode.
func (r *Registry) Register(mode model.Mode, f Factory) {
	r.factories[mode] = f
}

// Build creates an adapter for mode and an attached container for it.
func (r *Registry) Build(mode model.Mode) (Adapter, *Container, error) {
	f, ok := r.factories[mode]
	if !ok {
		return nil, nil, fmt.Errorf("no renderer registered for %s", mode)
	}
	r.seq++
	c := NewContainer(fmt.Sprintf("viewport-%s-%d", mode, r.seq))
	c.Attach()
	r.live[c] = mode

	r.log.Debug().Str("container", c.ID()).Str("mode", mode.String()).Msg("Container mounted")
	return f(), c, nil
}

// Release detaches a container built by this registry.
func (r *Registry) Release(c *Container) {
	if c == nil {
		return
	}
	if _, ok := r.live[c]; !ok {
		return
	}
	c.Detach()
	delete(r.live, c)
	r.log.Debug().Str("container", c.ID()).Msg("Container unmounted")
}

// Live returns the number of containers still in the document.
func (r *Registry) Live() int { return len(r.live) }
