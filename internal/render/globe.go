package render

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

const (
	minGlobeDistance = 1.1
	maxGlobeDistance = 10.0
	// bytes per vertex: position + normal, float32
	vertexBytes = 24
	// segments used to tessellate a circle or marker sprite
	circleSegments = 64
)

// GlobeOptions configures the WebGL globe.
type GlobeOptions struct {
	Home      Camera        `yaml:"home"`
	BootDelay time.Duration `yaml:"boot_delay"`
}

// WebGLGlobe adapts the custom WebGL globe. Shapes are meshes whose vertex
// buffers are accounted in Stats().GPUBytes.
type WebGLGlobe struct {
	*engine
}

// NewWebGLGlobe creates an uninitialized WebGL globe adapter.
func NewWebGLGlobe(sched loop.Scheduler, log zerolog.Logger, opts GlobeOptions) *WebGLGlobe {
	if opts.Home.Zoom <= 0 {
		opts.Home.Zoom = 3
	}
	return &WebGLGlobe{engine: newEngine(sched, log, globeProfile{opts: opts}, opts.BootDelay)}
}

type globeProfile struct {
	opts GlobeOptions
}

func (globeProfile) mode() model.Mode     { return model.WebGLGlobe }
func (globeProfile) shapeKind() string    { return "mesh" }
func (globeProfile) repaintsOnView() bool { return false }

func (globeProfile) supports(t Tool) bool {
	return t == ToolMarker || t == ToolPolygon
}

func (p globeProfile) home() Camera { return p.opts.Home }

func (globeProfile) target(from Camera, lon, lat float64) Camera {
	return Camera{Longitude: lon, Latitude: lat, Zoom: math.Min(from.Zoom, 2)}
}

// duration is proportional to the rotation angle of the globe.
func (globeProfile) duration(from, to Camera) time.Duration {
	angle := from.DistanceTo(to) / 6371008.8 * 180 / math.Pi
	secs := 0.5 + angle/90
	return time.Duration(clamp(secs, 0.5, 2.5) * float64(time.Second))
}

func (globeProfile) zoom(c Camera, in bool) Camera {
	if in {
		c.Zoom *= 0.8
	} else {
		c.Zoom *= 1.25
	}
	c.Zoom = clamp(c.Zoom, minGlobeDistance, maxGlobeDistance)
	return c
}

func (globeProfile) validate(spec ShapeSpec) error {
	if spec.Type == model.TypeCircle && spec.Radius > 5e6 {
		return errors.New("circle radius exceeds globe tessellation limit")
	}
	return validateCommon(spec)
}

func (globeProfile) gpuCost(spec ShapeSpec) int {
	switch spec.Type {
	case model.TypePolygon:
		return len(spec.Ring) * vertexBytes
	case model.TypeRectangle:
		return 4 * vertexBytes
	default:
		return circleSegments * vertexBytes
	}
}
