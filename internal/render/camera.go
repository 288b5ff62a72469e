package render

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Camera is the union of the camera models of the three engines. Zoom is a
// tile zoom level for the tile map and an orbit distance in earth radii for
// the WebGL globe; Height is meters above the ellipsoid for the terrain viewer.
type Camera struct {
	Longitude float64 `json:"lon" yaml:"lon"`
	Latitude  float64 `json:"lat" yaml:"lat"`
	Zoom      float64 `json:"zoom,omitempty" yaml:"zoom,omitempty"`
	Height    float64 `json:"height,omitempty" yaml:"height,omitempty"`
	Heading   float64 `json:"heading,omitempty" yaml:"heading,omitempty"`
	Pitch     float64 `json:"pitch,omitempty" yaml:"pitch,omitempty"`
}

// Point returns the camera center.
func (c Camera) Point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// DistanceTo is the great-circle distance in meters between two camera centers.
func (c Camera) DistanceTo(o Camera) float64 {
	return geo.DistanceHaversine(c.Point(), o.Point())
}

// lerp interpolates between two cameras, crossing the antimeridian on the
// shorter side.
func lerp(a, b Camera, t float64) Camera {
	dLon := b.Longitude - a.Longitude
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	lon := a.Longitude + dLon*t
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}

	return Camera{
		Longitude: lon,
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*t,
		Zoom:      a.Zoom + (b.Zoom-a.Zoom)*t,
		Height:    a.Height + (b.Height-a.Height)*t,
		Heading:   a.Heading + (b.Heading-a.Heading)*t,
		Pitch:     a.Pitch + (b.Pitch-a.Pitch)*t,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
