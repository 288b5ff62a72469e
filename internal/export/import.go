package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Imported holds the annotations recovered from a feature collection.
type Imported struct {
	Drawings []model.Drawing
	Markers  []model.Marker
}

// Import converts features back into drawings and markers. Features written
// by Features round-trip; foreign features get a type from their geometry
// and a fresh id. owner is applied to every feature without an ownerId.
// Features that fail validation are reported in the joined error and left
// out of the result.
func Import(fc *geojson.FeatureCollection, owner string) (Imported, error) {
	var (
		out  Imported
		errs []error
	)
	if fc == nil {
		return out, nil
	}

	for i, f := range fc.Features {
		if f.Geometry == nil {
			errs = append(errs, fmt.Errorf("feature %d: no geometry", i))
			continue
		}
		id, _ := f.ID.(string)
		if id == "" {
			id = model.NewID()
		}
		props := f.Properties
		if props == nil {
			props = geojson.Properties{}
		}
		ownerID := props.MustString(PropOwner, "")
		if ownerID == "" {
			ownerID = owner
		}
		updated := parseTime(props.MustString(PropUpdatedAt, ""))

		if props.MustString(PropSource, "") == SourceMarker {
			p, ok := f.Geometry.(orb.Point)
			if !ok {
				errs = append(errs, fmt.Errorf("marker %s: needs a Point, got %s", id, f.Geometry.GeoJSONType()))
				continue
			}
			out.Markers = append(out.Markers, model.Marker{
				ID:        id,
				Label:     props.MustString(PropName, ""),
				OwnerID:   ownerID,
				Color:     props.MustString(PropColor, ""),
				Longitude: p[0],
				Latitude:  p[1],
				CreatedAt: updated,
			})
			continue
		}

		d := model.Drawing{
			ID:       id,
			Type:     model.DrawingType(props.MustString(PropType, "")),
			Geometry: geojson.NewGeometry(f.Geometry),
			Radius:   props.MustFloat64(PropRadius, 0),
			Properties: model.DrawingProperties{
				Name:        props.MustString(PropName, ""),
				Color:       props.MustString(PropColor, ""),
				OwnerID:     ownerID,
				FloorPlanID: props.MustString(PropFloorPlan, ""),
			},
			UpdatedAt: updated,
		}
		if d.Type == "" {
			d.Type = inferType(f.Geometry, d.Radius)
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("feature %s: %w", id, err))
			continue
		}
		out.Drawings = append(out.Drawings, d)
	}

	return out, errors.Join(errs...)
}

func inferType(g orb.Geometry, radius float64) model.DrawingType {
	switch g.(type) {
	case orb.Point:
		if radius > 0 {
			return model.TypeCircle
		}
		return model.TypeMarker
	case orb.Polygon:
		return model.TypePolygon
	}
	return ""
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
