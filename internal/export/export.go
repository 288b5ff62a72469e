// Package export converts stored annotations to and from GeoJSON.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gopkg.in/yaml.v3"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Property keys written on every exported feature.
const (
	PropType        = "type"
	PropName        = "name"
	PropColor       = "color"
	PropOwner       = "ownerId"
	PropFloorPlan   = "floorPlanId"
	PropRadius      = "radius"
	PropUpdatedAt   = "updatedAt"
	PropSource      = "source"
	SourceDrawing   = "drawing"
	SourceMarker    = "marker"
	FormatGeoJSON   = "geojson"
	FormatYAML      = "yaml"
	timestampLayout = time.RFC3339
)

// Features builds a feature collection holding every drawing followed by
// every marker, each group ordered by id. Drawings without geometry are
// skipped.
func Features(drawings []model.Drawing, markers []model.Marker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	drawings = append([]model.Drawing(nil), drawings...)
	sort.Slice(drawings, func(i, j int) bool { return drawings[i].ID < drawings[j].ID })
	for _, d := range drawings {
		g := d.Geom()
		if g == nil {
			continue
		}
		f := geojson.NewFeature(g)
		f.ID = d.ID
		f.Properties[PropSource] = SourceDrawing
		f.Properties[PropType] = string(d.Type)
		f.Properties[PropName] = d.Properties.Name
		f.Properties[PropOwner] = d.Properties.OwnerID
		if d.Properties.Color != "" {
			f.Properties[PropColor] = d.Properties.Color
		}
		if d.Properties.FloorPlanID != "" {
			f.Properties[PropFloorPlan] = d.Properties.FloorPlanID
		}
		if d.Radius > 0 {
			f.Properties[PropRadius] = d.Radius
		}
		if !d.UpdatedAt.IsZero() {
			f.Properties[PropUpdatedAt] = d.UpdatedAt.UTC().Format(timestampLayout)
		}
		fc.Append(f)
	}

	markers = append([]model.Marker(nil), markers...)
	sort.Slice(markers, func(i, j int) bool { return markers[i].ID < markers[j].ID })
	for _, m := range markers {
		f := geojson.NewFeature(orb.Point{m.Longitude, m.Latitude})
		f.ID = m.ID
		f.Properties[PropSource] = SourceMarker
		f.Properties[PropType] = string(model.TypeMarker)
		f.Properties[PropName] = m.Label
		f.Properties[PropOwner] = m.OwnerID
		if m.Color != "" {
			f.Properties[PropColor] = m.Color
		}
		if !m.CreatedAt.IsZero() {
			f.Properties[PropUpdatedAt] = m.CreatedAt.UTC().Format(timestampLayout)
		}
		fc.Append(f)
	}

	return fc
}

// Encode writes fc to w as indented GeoJSON or as YAML.
func Encode(w io.Writer, fc *geojson.FeatureCollection, format string) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feature collection: %w", err)
	}

	switch format {
	case "", FormatGeoJSON, "json":
	case FormatYAML:
		if data, err = toYAML(data); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q", format)
	}

	if _, err := w.Write(data); err != nil {
		return err
	}
	if format != FormatYAML {
		_, err = w.Write([]byte("\n"))
	}
	return err
}

// toYAML re-encodes a JSON document as block-style YAML, keeping key order.
func toYAML(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("convert to yaml: %w", err)
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
