package model

import (
	"fmt"
	"math"
	"strconv"
)

// Location is a search result or bookmark the camera can fly to.
// Two locations are the same target when their IDs match.
type Location struct {
	ID        string  `json:"id" yaml:"id"`
	Label     string  `json:"label" yaml:"label"`
	Longitude float64 `json:"lon" yaml:"lon"`
	Latitude  float64 `json:"lat" yaml:"lat"`
}

// Finite reports whether both coordinates are finite numbers.
func (l Location) Finite() bool {
	return isFinite(l.Longitude) && isFinite(l.Latitude)
}

// InRange reports whether the coordinates lie within WGS84 bounds.
func (l Location) InRange() bool {
	return l.Longitude >= -180 && l.Longitude <= 180 &&
		l.Latitude >= -90 && l.Latitude <= 90
}

func (l Location) String() string {
	label := l.Label
	if label == "" {
		label = l.ID
	}
	return fmt.Sprintf("%s (%s, %s)", label,
		strconv.FormatFloat(l.Longitude, 'f', 5, 64),
		strconv.FormatFloat(l.Latitude, 'f', 5, 64))
}

// LocationID builds a stable identifier for a coordinate pair without one.
func LocationID(label string, lon, lat float64) string {
	return fmt.Sprintf("%s@%.5f,%.5f", label, lon, lat)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
