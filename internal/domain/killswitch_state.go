package domain

import "time"

// KillSwitchState is the tri-replicated emergency-stop flag (spec
// §3 KillSwitchState / §4.B).
type KillSwitchState struct {
	Killed      bool      `json:"killed"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}
