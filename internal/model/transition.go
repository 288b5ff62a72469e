package model

import "time"

// TransitionState describes which renderer is active and whether a switch is
// underway. It is only mutated by the transition coordinator.
type TransitionState struct {
	StartedAt  time.Time `json:"started_at,omitzero"`
	Previous   *Mode     `json:"previous,omitempty"`
	Current    Mode      `json:"current"`
	Target     Mode      `json:"target"`
	InProgress bool      `json:"in_progress"`
}
