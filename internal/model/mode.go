// Package model defines the data shared by the renderers, the flight
// controller, the transition coordinator and the annotation reconciler.
package model

import (
	"fmt"
	"strings"
)

// Mode identifies one of the three view engines.
type Mode int

const (
	// TileMap is the 2D tile renderer.
	TileMap Mode = iota
	// TerrainGlobe is the 3D terrain viewer.
	TerrainGlobe
	// WebGLGlobe is the custom WebGL globe.
	WebGLGlobe
)

// Modes lists every mode in display order.
var Modes = []Mode{TileMap, TerrainGlobe, WebGLGlobe}

var modeNames = map[Mode]string{
	TileMap:      "tile_map",
	TerrainGlobe: "terrain_globe",
	WebGLGlobe:   "webgl_globe",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode accepts the canonical names plus a few aliases used by the UI.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tile_map", "tilemap", "leaflet", "2d", "map":
		return TileMap, nil
	case "terrain_globe", "terrain", "cesium", "3d":
		return TerrainGlobe, nil
	case "webgl_globe", "webgl", "globe":
		return WebGLGlobe, nil
	}
	return 0, fmt.Errorf("unknown view mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid view mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
