package annotate

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOwner is returned when the viewer edits a drawing owned by someone else.
	ErrNotOwner = errors.New("drawing owned by another user")
	// ErrNotMounted is returned when no renderer is mounted.
	ErrNotMounted = errors.New("reconciler not mounted")
	// ErrIDConflict is returned when a marker and a drawing share an id.
	ErrIDConflict = errors.New("id already used by another annotation")
)

// ReconciliationError reports one drawing that could not be materialised.
// Other drawings of the same pass are unaffected.
type ReconciliationError struct {
	Err       error
	DrawingID string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile drawing %s: %v", e.DrawingID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
