package tiles

import (
	"context"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"
)

// WarmerOptions configures prefetching around flight targets.
type WarmerOptions struct {
	Zooms       []int `yaml:"zooms"`
	Radius      int   `yaml:"radius"`
	Concurrency int   `yaml:"concurrency"`
	Queue       int   `yaml:"queue"`
}

// DefaultWarmerOptions warms the flight zoom and its neighbours one tile deep.
func DefaultWarmerOptions() WarmerOptions {
	return WarmerOptions{Zooms: []int{11, 12, 13}, Radius: 1, Concurrency: 8, Queue: 16}
}

// Warmer prefetches the tiles around fly-to targets so the tile map paints
// immediately on arrival.
type Warmer struct {
	fetcher *Fetcher
	queue   chan orb.Point
	log     zerolog.Logger
	layer   Layer
	opts    WarmerOptions
	warmed  atomic.Int64
	dropped atomic.Int64
}

// NewWarmer returns a warmer for layer. Call Start to consume Warm requests.
func NewWarmer(f *Fetcher, layer Layer, opts WarmerOptions, log zerolog.Logger) *Warmer {
	def := DefaultWarmerOptions()
	if len(opts.Zooms) == 0 {
		opts.Zooms = def.Zooms
	}
	if opts.Radius < 0 {
		opts.Radius = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Queue <= 0 {
		opts.Queue = def.Queue
	}
	return &Warmer{
		fetcher: f,
		layer:   layer,
		opts:    opts,
		queue:   make(chan orb.Point, opts.Queue),
		log:     log.With().Str("layer", layer.Name).Logger(),
	}
}

// Tiles lists the tiles Prefetch would fetch for a point.
func (w *Warmer) Tiles(lon, lat float64) []maptile.Tile {
	p := orb.Point{lon, lat}
	var out []maptile.Tile
	for _, z := range w.opts.Zooms {
		if w.layer.MinZoom > 0 && z < w.layer.MinZoom {
			continue
		}
		if w.layer.MaxZoom > 0 && z > w.layer.MaxZoom {
			continue
		}
		out = append(out, Around(p, maptile.Zoom(z), w.opts.Radius)...)
	}
	return out
}

// Prefetch fetches the tiles around a point and returns how many are cached.
func (w *Warmer) Prefetch(ctx context.Context, lon, lat float64) int {
	valid := w.fetcher.Batch(ctx, w.layer, w.Tiles(lon, lat), w.opts.Concurrency, false)
	w.warmed.Add(int64(len(valid)))
	return len(valid)
}

// Warm queues a prefetch without blocking. Requests beyond the queue
// capacity are dropped.
func (w *Warmer) Warm(lon, lat float64) {
	select {
	case w.queue <- orb.Point{lon, lat}:
	default:
		w.dropped.Add(1)
		w.log.Debug().Float64("lon", lon).Float64("lat", lat).Msg("Warm queue full, request dropped")
	}
}

// Start consumes queued requests until ctx is done.
func (w *Warmer) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			n := w.Prefetch(ctx, p[0], p[1])
			w.log.Debug().Float64("lon", p[0]).Float64("lat", p[1]).Int("tiles", n).Msg("Tiles warmed")
		}
	}
}

// Warmed returns the number of tiles cached by Prefetch so far.
func (w *Warmer) Warmed() int64 { return w.warmed.Load() }

// Dropped returns the number of Warm requests lost to a full queue.
func (w *Warmer) Dropped() int64 { return w.dropped.Load() }
