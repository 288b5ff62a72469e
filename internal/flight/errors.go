package flight

import (
	"errors"
	"fmt"

	"github.com/woozymasta/geoannotate/internal/model"
)

// ErrAbandoned is passed to onComplete when the adapter a flight was running
// on is torn down before the flight finished.
var ErrAbandoned = errors.New("flight abandoned: renderer torn down")

// ErrNoAdapter is returned when a flight is requested without a renderer.
var ErrNoAdapter = errors.New("no active renderer")

// InvalidCoordinateError rejects a location whose coordinates are not finite
// or outside the WGS84 range. It is never retried.
type InvalidCoordinateError struct {
	Location model.Location
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinates for %q: lon=%v lat=%v",
		e.Location.ID, e.Location.Longitude, e.Location.Latitude)
}

// Timeout reasons.
const (
	ReasonNotReady    = "renderer not ready"
	ReasonHardTimeout = "animation did not complete"
)

// NavigationTimeoutError reports a flight that exhausted its retry budget or
// hit the hard timeout. The completion callback still runs with this error.
type NavigationTimeoutError struct {
	Location model.Location
	Reason   string
	Retries  int
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("navigation to %q timed out after %d retries: %s",
		e.Location.ID, e.Retries, e.Reason)
}
