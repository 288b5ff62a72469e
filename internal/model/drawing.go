package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DrawingType selects how a drawing is materialised on a renderer.
type DrawingType string

const (
	TypePolygon   DrawingType = "polygon"
	TypeRectangle DrawingType = "rectangle"
	TypeCircle    DrawingType = "circle"
	TypeMarker    DrawingType = "marker"
)

// DrawingProperties carries the user-facing attributes of a drawing.
type DrawingProperties struct {
	Name        string `json:"name" yaml:"name"`
	Color       string `json:"color,omitempty" yaml:"color,omitempty"`
	OwnerID     string `json:"ownerId" yaml:"owner_id"`
	FloorPlanID string `json:"associatedFloorPlanId,omitempty" yaml:"floor_plan_id,omitempty"`
}

// Drawing is a persisted annotation. Geometry is a Point for markers and
// circles (Radius in meters), a Polygon for polygons and rectangles.
type Drawing struct {
	UpdatedAt  time.Time         `json:"updatedAt,omitzero"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties DrawingProperties `json:"properties"`
	ID         string            `json:"id"`
	Type       DrawingType       `json:"type"`
	Radius     float64           `json:"radius,omitempty"`
}

// Geom returns the orb geometry or nil when the drawing has none.
func (d Drawing) Geom() orb.Geometry {
	if d.Geometry == nil {
		return nil
	}
	return d.Geometry.Geometry()
}

// Equal reports whether two drawings would render identically.
func (d Drawing) Equal(o Drawing) bool {
	if d.ID != o.ID || d.Type != o.Type || d.Radius != o.Radius || d.Properties != o.Properties {
		return false
	}
	g1, g2 := d.Geom(), o.Geom()
	if g1 == nil || g2 == nil {
		return g1 == nil && g2 == nil
	}
	return orb.Equal(g1, g2)
}

// Validate checks that the geometry matches the drawing type and that every
// coordinate is usable.
func (d Drawing) Validate() error {
	if d.ID == "" {
		return errors.New("drawing has no id")
	}
	g := d.Geom()
	if g == nil {
		return errors.New("drawing has no geometry")
	}

	switch d.Type {
	case TypeMarker, TypeCircle:
		p, ok := g.(orb.Point)
		if !ok {
			return fmt.Errorf("%s needs a Point, got %s", d.Type, g.GeoJSONType())
		}
		if !pointOK(p) {
			return fmt.Errorf("%s position %v out of range", d.Type, p)
		}
		if d.Type == TypeCircle && (!isFinite(d.Radius) || d.Radius <= 0) {
			return fmt.Errorf("circle radius %v must be positive", d.Radius)
		}
	case TypePolygon, TypeRectangle:
		poly, ok := g.(orb.Polygon)
		if !ok {
			return fmt.Errorf("%s needs a Polygon, got %s", d.Type, g.GeoJSONType())
		}
		if len(poly) == 0 || len(poly[0]) < 3 {
			return fmt.Errorf("%s outer ring needs at least 3 points", d.Type)
		}
		for _, ring := range poly {
			for _, p := range ring {
				if !pointOK(p) {
					return fmt.Errorf("%s vertex %v out of range", d.Type, p)
				}
			}
		}
		if d.Type == TypeRectangle {
			b := poly.Bound()
			if b.Max[0] <= b.Min[0] || b.Max[1] <= b.Min[1] {
				return errors.New("rectangle is degenerate")
			}
		}
	default:
		return fmt.Errorf("unknown drawing type %q", d.Type)
	}

	return nil
}

// Center returns a representative point: the position for point drawings,
// the bound center for polygons.
func (d Drawing) Center() (orb.Point, bool) {
	switch g := d.Geom().(type) {
	case orb.Point:
		return g, true
	case orb.Polygon:
		if len(g) == 0 {
			return orb.Point{}, false
		}
		return g.Bound().Center(), true
	}
	return orb.Point{}, false
}

// Marker is a pinned location placed by a user.
type Marker struct {
	CreatedAt time.Time `json:"createdAt,omitzero"`
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	OwnerID   string    `json:"ownerId"`
	Color     string    `json:"color,omitempty"`
	Longitude float64   `json:"lon"`
	Latitude  float64   `json:"lat"`
}

// AsDrawing projects the marker onto a marker drawing so it reconciles like
// any other annotation.
func (m Marker) AsDrawing() Drawing {
	return Drawing{
		ID:       m.ID,
		Type:     TypeMarker,
		Geometry: geojson.NewGeometry(orb.Point{m.Longitude, m.Latitude}),
		Properties: DrawingProperties{
			Name:    m.Label,
			Color:   m.Color,
			OwnerID: m.OwnerID,
		},
		UpdatedAt: m.CreatedAt,
	}
}

// FloorPlan is an image attached to a drawing and rendered as an overlay.
type FloorPlan struct {
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
	ID          string    `json:"id"`
	DrawingID   string    `json:"drawingId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"data"`
	Opacity     float64   `json:"opacity,omitempty"`
}

func pointOK(p orb.Point) bool {
	return isFinite(p[0]) && isFinite(p[1]) &&
		p[0] >= -180 && p[0] <= 180 && p[1] >= -90 && p[1] <= 90
}
