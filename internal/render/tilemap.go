package render

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

// TileMapOptions configures the 2D tile renderer.
type TileMapOptions struct {
	Warmer     TileWarmer    `yaml:"-"`
	Home       Camera        `yaml:"home"`
	BootDelay  time.Duration `yaml:"boot_delay"`
	MinZoom    float64       `yaml:"min_zoom"`
	MaxZoom    float64       `yaml:"max_zoom"`
	FlightZoom float64       `yaml:"flight_zoom"`
}

// TileMap adapts the 2D slippy-map engine. Shapes are SVG paths in the
// overlay pane, which the engine repaints on every pan and zoom.
type TileMap struct {
	*engine
}

// NewTileMap creates an uninitialized tile map adapter.
func NewTileMap(sched loop.Scheduler, log zerolog.Logger, opts TileMapOptions) *TileMap {
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = 18
	}
	if opts.FlightZoom <= 0 {
		opts.FlightZoom = 12
	}
	if opts.Home.Zoom <= 0 {
		opts.Home.Zoom = 3
	}
	e := newEngine(sched, log, tileProfile{opts: opts}, opts.BootDelay)
	e.warmer = opts.Warmer
	return &TileMap{engine: e}
}

type tileProfile struct {
	opts TileMapOptions
}

func (tileProfile) mode() model.Mode     { return model.TileMap }
func (tileProfile) shapeKind() string    { return "path" }
func (tileProfile) repaintsOnView() bool { return true }
func (tileProfile) supports(Tool) bool   { return true }
func (tileProfile) gpuCost(ShapeSpec) int {
	return 0
}

func (p tileProfile) home() Camera { return p.opts.Home }

func (p tileProfile) target(from Camera, lon, lat float64) Camera {
	return Camera{
		Longitude: lon,
		Latitude:  clamp(lat, -85.05112878, 85.05112878),
		Zoom:      clamp(math.Max(from.Zoom, p.opts.FlightZoom), p.opts.MinZoom, p.opts.MaxZoom),
	}
}

// duration grows with distance and zoom change, capped like a slippy-map flyTo.
func (tileProfile) duration(from, to Camera) time.Duration {
	km := from.DistanceTo(to) / 1000
	secs := 0.25 + km/4000 + math.Abs(to.Zoom-from.Zoom)*0.1
	return time.Duration(clamp(secs, 0.25, 3) * float64(time.Second))
}

func (p tileProfile) zoom(c Camera, in bool) Camera {
	if in {
		c.Zoom++
	} else {
		c.Zoom--
	}
	c.Zoom = clamp(c.Zoom, p.opts.MinZoom, p.opts.MaxZoom)
	return c
}

func (tileProfile) validate(spec ShapeSpec) error {
	return validateCommon(spec)
}

func validateCommon(spec ShapeSpec) error {
	switch spec.Type {
	case model.TypePolygon:
		if len(spec.Ring) < 3 {
			return errors.New("polygon needs at least 3 vertices")
		}
	case model.TypeRectangle:
		if spec.Bound.Max[0] <= spec.Bound.Min[0] || spec.Bound.Max[1] <= spec.Bound.Min[1] {
			return errors.New("rectangle bound is empty")
		}
	case model.TypeCircle:
		if spec.Radius <= 0 {
			return errors.New("circle radius must be positive")
		}
	case model.TypeMarker:
	default:
		return errors.New("unsupported shape type " + string(spec.Type))
	}
	return nil
}
