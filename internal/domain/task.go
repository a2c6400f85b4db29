package domain

import "time"

// TaskStatus is the lifecycle state of a Task (spec §3 Task).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one node of a TaskGraph's dependency DAG. Grounded on the
// shape of the teacher's TaskDAGNode (internal/store/models.go), with
// dependsOn/version/retry fields added per spec §3.
type Task struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description,omitempty"`
	Priority              int        `json:"priority"`
	Status                TaskStatus `json:"status"`
	DependsOn             []string   `json:"dependsOn,omitempty"`
	OwnerAgentID          string     `json:"ownerAgentId,omitempty"`
	ParentTaskID          string     `json:"parentTaskId,omitempty"`
	RequiredCapabilities  []string   `json:"requiredCapabilities,omitempty"`
	Input                 string     `json:"input,omitempty"`
	ExpectedOutput        string     `json:"expectedOutput,omitempty"`
	AcceptanceCriteria    string     `json:"acceptanceCriteria,omitempty"`
	MaxRetries            int        `json:"maxRetries"`
	RetryCount            int        `json:"retryCount"`
	TimeoutMS             int64      `json:"timeoutMs,omitempty"`
	Version               int        `json:"version"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	Output                string     `json:"output,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside
// the graph's lock (slices are copied, nested structs are value types).
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return &c
}

// CapabilityProfile tracks one agent's learned competence per
// capability tag (spec §3 CapabilityProfile).
type CapabilityProfile struct {
	AgentID        string             `json:"agentId"`
	Capabilities   map[string]float64 `json:"capabilities"`
	SuccessRate    map[string]float64 `json:"successRate"`
	TotalCompleted int                `json:"totalCompleted"`
	TotalFailed    int                `json:"totalFailed"`
}

func (p *CapabilityProfile) Clone() *CapabilityProfile {
	c := *p
	c.Capabilities = cloneFloatMap(p.Capabilities)
	c.SuccessRate = cloneFloatMap(p.SuccessRate)
	return &c
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
