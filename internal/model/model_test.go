package model

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func square(x, y, size float64) *geojson.Geometry {
	return geojson.NewGeometry(orb.Polygon{{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}})
}

func TestDrawingValidate(t *testing.T) {
	point := geojson.NewGeometry(orb.Point{30.5, 50.4})

	tests := []struct {
		name    string
		drawing Drawing
		wantErr string
	}{
		{"marker", Drawing{ID: "a", Type: TypeMarker, Geometry: point}, ""},
		{"circle", Drawing{ID: "a", Type: TypeCircle, Geometry: point, Radius: 120}, ""},
		{"polygon", Drawing{ID: "a", Type: TypePolygon, Geometry: square(1, 1, 1)}, ""},
		{"rectangle", Drawing{ID: "a", Type: TypeRectangle, Geometry: square(-10, -10, 5)}, ""},
		{"no id", Drawing{Type: TypeMarker, Geometry: point}, "no id"},
		{"no geometry", Drawing{ID: "a", Type: TypeMarker}, "no geometry"},
		{"marker polygon", Drawing{ID: "a", Type: TypeMarker, Geometry: square(0, 0, 1)}, "needs a Point"},
		{"polygon point", Drawing{ID: "a", Type: TypePolygon, Geometry: point}, "needs a Polygon"},
		{"circle without radius", Drawing{ID: "a", Type: TypeCircle, Geometry: point}, "radius"},
		{"circle nan radius", Drawing{ID: "a", Type: TypeCircle, Geometry: point, Radius: math.NaN()}, "radius"},
		{"marker out of range", Drawing{ID: "a", Type: TypeMarker, Geometry: geojson.NewGeometry(orb.Point{181, 0})}, "out of range"},
		{"short ring", Drawing{ID: "a", Type: TypePolygon, Geometry: geojson.NewGeometry(orb.Polygon{{{0, 0}, {1, 1}}})}, "at least 3"},
		{"vertex out of range", Drawing{ID: "a", Type: TypePolygon, Geometry: square(0, 89, 2)}, "out of range"},
		{"flat rectangle", Drawing{ID: "a", Type: TypeRectangle, Geometry: geojson.NewGeometry(orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}})}, "degenerate"},
		{"unknown type", Drawing{ID: "a", Type: "hexagon", Geometry: point}, "unknown drawing type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.drawing.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDrawingEqual(t *testing.T) {
	base := Drawing{
		ID:         "d1",
		Type:       TypePolygon,
		Geometry:   square(0, 0, 1),
		Properties: DrawingProperties{Name: "yard", OwnerID: "me"},
	}

	same := base
	same.Geometry = square(0, 0, 1)
	if !base.Equal(same) {
		t.Error("identical drawings differ")
	}

	moved := base
	moved.Geometry = square(0, 0, 2)
	if base.Equal(moved) {
		t.Error("geometry change not detected")
	}

	renamed := base
	renamed.Properties.Name = "garden"
	if base.Equal(renamed) {
		t.Error("property change not detected")
	}

	empty := base
	empty.Geometry = nil
	if base.Equal(empty) || empty.Equal(base) {
		t.Error("nil geometry equals a polygon")
	}
	if !empty.Equal(empty) {
		t.Error("two nil geometries differ")
	}
}

func TestDrawingCenter(t *testing.T) {
	p, ok := Drawing{Geometry: square(0, 0, 2)}.Center()
	if !ok || p != (orb.Point{1, 1}) {
		t.Errorf("polygon center = %v %v", p, ok)
	}

	p, ok = Drawing{Geometry: geojson.NewGeometry(orb.Point{3, 4})}.Center()
	if !ok || p != (orb.Point{3, 4}) {
		t.Errorf("point center = %v %v", p, ok)
	}

	if _, ok := (Drawing{}).Center(); ok {
		t.Error("drawing without geometry has a center")
	}
}

func TestMarkerAsDrawing(t *testing.T) {
	m := Marker{ID: "m1", Label: "camp", OwnerID: "me", Color: "#f00", Longitude: 10, Latitude: 20}
	d := m.AsDrawing()
	if err := d.Validate(); err != nil {
		t.Fatalf("projected marker invalid: %v", err)
	}
	if d.Type != TypeMarker || d.Properties.Name != "camp" || d.Properties.OwnerID != "me" {
		t.Errorf("unexpected drawing %+v", d)
	}
	if c, _ := d.Center(); c != (orb.Point{10, 20}) {
		t.Errorf("center = %v", c)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"tile_map":      TileMap,
		"Map":           TileMap,
		" 2d ":          TileMap,
		"terrain_globe": TerrainGlobe,
		"terrain":       TerrainGlobe,
		"webgl_globe":   WebGLGlobe,
		"globe":         WebGLGlobe,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := ParseMode("street_view"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestModeText(t *testing.T) {
	for _, m := range Modes {
		data, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal %v: %v", m, err)
		}
		var back Mode
		if err := json.Unmarshal(data, &back); err != nil || back != m {
			t.Errorf("%s decoded to %v, %v", data, back, err)
		}
	}

	if _, err := json.Marshal(Mode(42)); err == nil {
		t.Error("invalid mode marshalled")
	}
	if Mode(42).Valid() || Mode(42).String() != "mode(42)" {
		t.Errorf("invalid mode reported as %q", Mode(42).String())
	}
}

func TestLocation(t *testing.T) {
	l := Location{Label: "Kyiv", Longitude: 30.5234, Latitude: 50.4501}
	if !l.Finite() || !l.InRange() {
		t.Fatal("valid location rejected")
	}
	if got := l.String(); got != "Kyiv (30.52340, 50.45010)" {
		t.Errorf("String() = %q", got)
	}

	if (Location{Longitude: math.Inf(1)}).Finite() {
		t.Error("infinite longitude reported finite")
	}
	if (Location{Latitude: 91}).InRange() {
		t.Error("latitude 91 reported in range")
	}

	if a, b := LocationID("x", 1, 2), LocationID("x", 1, 2); a != b {
		t.Errorf("LocationID not stable: %q vs %q", a, b)
	}
	if LocationID("x", 1, 2) == LocationID("x", 1, 2.001) {
		t.Error("LocationID collides for distinct coordinates")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("NewID returned %q and %q", a, b)
	}
}
