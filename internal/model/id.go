package model

import "github.com/google/uuid"

// NewID returns a random identifier for markers, drawings and floor plans.
func NewID() string {
	return uuid.NewString()
}
