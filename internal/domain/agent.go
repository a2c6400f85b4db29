// Package domain holds the types shared across the supervisor, bus,
// task graph and orchestrator: the Agent record, its status machine,
// and the child process's stream-event envelope.
package domain

import "time"

// Status is the lifecycle state of a supervised agent.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusIdle         Status = "idle"
	StatusRestored     Status = "restored"
	StatusDisconnected Status = "disconnected"
	StatusStalled      Status = "stalled"
	StatusPaused       Status = "paused"
	StatusKilling      Status = "killing"
	StatusDestroying   Status = "destroying"
	StatusError        Status = "error"
)

// Deliverable reports whether a message can be pushed into the agent's
// next turn while it is in this status (§4.E.5 canDeliver).
func (s Status) Deliverable() bool {
	switch s {
	case StatusIdle, StatusRestored, StatusStalled:
		return true
	default:
		return false
	}
}

// Interruptible reports whether the agent has a live process that can
// accept an interrupt (§4.E.5 canInterrupt).
func (s Status) Interruptible() bool {
	switch s {
	case StatusRunning, StatusStarting:
		return true
	default:
		return false
	}
}

// Terminalish reports statuses the watchdog must never touch (§4.E.7).
func (s Status) Terminalish() bool {
	switch s {
	case StatusDestroying, StatusKilling, StatusPaused, StatusDisconnected:
		return true
	default:
		return false
	}
}

// Usage accumulates token/cost counters for one agent across turns.
//
// TokensIn is latest-value-wins on a `result` event (the CLI reports
// full context each turn, not a delta) while TokensOut/CostUSD are
// additive — see spec §4.E.2 step 3.
type Usage struct {
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// Agent is the durable record for one supervised child process.
//
// Identity fields are immutable once created; the rest mutate over
// the agent's lifetime and are guarded by the runner's map lock.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	Depth        int    `json:"depth"`
	ParentID     string `json:"parentId,omitempty"`
	WorkspaceDir string `json:"workspaceDir"`
	Model        string `json:"model"`

	Status                     Status    `json:"status"`
	LastActivity                time.Time `json:"lastActivity"`
	SessionID                   string    `json:"sessionId,omitempty"`
	Usage                        Usage     `json:"usage"`
	Role                         string    `json:"role,omitempty"`
	Capabilities                 []string  `json:"capabilities,omitempty"`
	DangerouslySkipPermissions   bool      `json:"dangerouslySkipPermissions"`
	StallCount                   int       `json:"stallCount"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// lock (capabilities slice is copied; nested structs are value types).
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}
