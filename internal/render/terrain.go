package render

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

const (
	minTerrainHeight = 100.0
	maxTerrainHeight = 2.0e7
)

// TerrainOptions configures the 3D terrain viewer.
type TerrainOptions struct {
	Home         Camera        `yaml:"home"`
	BootDelay    time.Duration `yaml:"boot_delay"`
	FlightHeight float64       `yaml:"flight_height"`
}

// TerrainGlobe adapts the 3D terrain viewer. Shapes are clamped-to-ground
// entities.
type TerrainGlobe struct {
	*engine
}

// NewTerrainGlobe creates an uninitialized terrain viewer adapter.
func NewTerrainGlobe(sched loop.Scheduler, log zerolog.Logger, opts TerrainOptions) *TerrainGlobe {
	if opts.FlightHeight <= 0 {
		opts.FlightHeight = 15000
	}
	if opts.Home.Height <= 0 {
		opts.Home.Height = 1.5e7
	}
	return &TerrainGlobe{engine: newEngine(sched, log, terrainProfile{opts: opts}, opts.BootDelay)}
}

type terrainProfile struct {
	opts TerrainOptions
}

func (terrainProfile) mode() model.Mode     { return model.TerrainGlobe }
func (terrainProfile) shapeKind() string    { return "entity" }
func (terrainProfile) repaintsOnView() bool { return false }
func (terrainProfile) supports(Tool) bool   { return true }
func (terrainProfile) gpuCost(ShapeSpec) int {
	return 0
}

func (p terrainProfile) home() Camera { return p.opts.Home }

func (p terrainProfile) target(_ Camera, lon, lat float64) Camera {
	return Camera{
		Longitude: lon,
		Latitude:  lat,
		Height:    p.opts.FlightHeight,
		Pitch:     -45,
	}
}

// duration follows the arc height: long hops climb first and take longer.
func (terrainProfile) duration(from, to Camera) time.Duration {
	km := from.DistanceTo(to) / 1000
	secs := 1 + km/5000 + math.Log10(math.Max(from.Height, to.Height)/minTerrainHeight)*0.2
	return time.Duration(clamp(secs, 1, 3.5) * float64(time.Second))
}

func (terrainProfile) zoom(c Camera, in bool) Camera {
	if in {
		c.Height *= 0.5
	} else {
		c.Height *= 2
	}
	c.Height = clamp(c.Height, minTerrainHeight, maxTerrainHeight)
	return c
}

func (terrainProfile) validate(spec ShapeSpec) error {
	return validateCommon(spec)
}
