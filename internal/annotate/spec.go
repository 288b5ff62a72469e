package annotate

import (
	"github.com/paulmach/orb"

	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
)

// DefaultColor is used for drawings without a color.
const DefaultColor = "#3388ff"

// SpecFor describes d for a renderer.
func SpecFor(d model.Drawing) render.ShapeSpec {
	spec := render.ShapeSpec{
		ID:     d.ID,
		Type:   d.Type,
		Label:  d.Properties.Name,
		Color:  d.Properties.Color,
		Radius: d.Radius,
	}
	if spec.Color == "" {
		spec.Color = DefaultColor
	}
	if c, ok := d.Center(); ok {
		spec.Center = c
	}
	if poly, ok := d.Geom().(orb.Polygon); ok && len(poly) > 0 {
		spec.Ring = poly[0]
		spec.Bound = poly.Bound()
	}
	return spec
}
