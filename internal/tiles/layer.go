// Package tiles downloads map tiles, transcodes them to WebP and keeps them
// in a disk cache served to the tile map. The Warmer prefetches the tiles
// around a fly-to target.
package tiles

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Layer is one tile source.
type Layer struct {
	Name    string `yaml:"name" json:"name"`
	URL     string `yaml:"url" json:"-"`
	MinZoom int    `yaml:"min_zoom,omitempty" json:"min_zoom"`
	MaxZoom int    `yaml:"max_zoom,omitempty" json:"max_zoom"`
}

// Valid reports whether the layer can be fetched.
func (l Layer) Valid() bool {
	return l.Name != "" && !strings.ContainsAny(l.Name, `/\.`) &&
		(strings.Contains(l.URL, "{z}") || strings.Contains(l.URL, "{x}"))
}

// BuildURL fills {z}, {x}, {y} and {tms_y} in tpl.
func BuildURL(tpl string, t maptile.Tile) string {
	s := strings.ReplaceAll(tpl, "{z}", strconv.Itoa(int(t.Z)))
	s = strings.ReplaceAll(s, "{x}", strconv.Itoa(int(t.X)))
	s = strings.ReplaceAll(s, "{y}", strconv.Itoa(int(t.Y)))

	if strings.Contains(s, "{tms_y}") {
		maxCoord := (1 << t.Z) - 1
		s = strings.ReplaceAll(s, "{tms_y}", strconv.Itoa(maxCoord-int(t.Y)))
	}

	return s
}

// Path returns the cache file for a tile of layer below dir.
func Path(dir, layer string, t maptile.Tile) string {
	return filepath.Join(dir, layer,
		strconv.Itoa(int(t.Z)),
		strconv.Itoa(int(t.X)),
		strconv.Itoa(int(t.Y))+".webp")
}

// ParseTile parses z, x and y path segments; y may carry a file extension.
func ParseTile(z, x, y string) (maptile.Tile, error) {
	y = strings.TrimSuffix(y, filepath.Ext(y))
	zi, err1 := strconv.Atoi(z)
	xi, err2 := strconv.Atoi(x)
	yi, err3 := strconv.Atoi(y)
	if err1 != nil || err2 != nil || err3 != nil || zi < 0 || zi > 24 || xi < 0 || yi < 0 {
		return maptile.Tile{}, fmt.Errorf("invalid tile %s/%s/%s", z, x, y)
	}
	t := maptile.New(uint32(xi), uint32(yi), maptile.Zoom(zi))
	if !t.Valid() {
		return maptile.Tile{}, fmt.Errorf("tile %s/%s/%s out of range", z, x, y)
	}
	return t, nil
}

// Around returns the tiles within radius tiles of the one containing p at
// zoom z. Columns wrap around the antimeridian; rows are clamped.
func Around(p orb.Point, z maptile.Zoom, radius int) []maptile.Tile {
	center := maptile.At(p, z)
	n := int64(1) << z
	seen := make(map[maptile.Tile]struct{})
	out := make([]maptile.Tile, 0, (2*radius+1)*(2*radius+1))

	for dy := -radius; dy <= radius; dy++ {
		y := int64(center.Y) + int64(dy)
		if y < 0 || y >= n {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := ((int64(center.X)+int64(dx))%n + n) % n
			t := maptile.New(uint32(x), uint32(y), z)
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
