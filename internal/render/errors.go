package render

import (
	"errors"
	"fmt"

	"github.com/woozymasta/geoannotate/internal/model"
)

var (
	// ErrDisposed is returned when an adapter, shape or control is used after Dispose.
	ErrDisposed = errors.New("renderer disposed")
	// ErrInvalid is returned when the viewer or its container is gone.
	ErrInvalid = errors.New("renderer not attached")
	// ErrToolUnsupported is returned when a renderer has no drawing mode for a tool.
	ErrToolUnsupported = errors.New("drawing tool not supported by renderer")
	// ErrContainerDetached is the cause of an InitializationError when the
	// container is not part of the document.
	ErrContainerDetached = errors.New("container not attached to document")
	// ErrAlreadyInitialized is the cause of an InitializationError on a second Initialize.
	ErrAlreadyInitialized = errors.New("adapter already initialized")
)

// InitializationError reports that a renderer could not attach to its container.
type InitializationError struct {
	Err  error
	Mode model.Mode
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s renderer: %v", e.Mode, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
