// Package taskgraph implements the DAG of Tasks with optimistic
// concurrency (spec §4.F): creation, queries, status mutations guarded
// by a caller-observed version, dependency-driven unblocking, the
// priority/age/capability next-task picker, and CapabilityProfile CRUD.
//
// Grounded on the teacher's internal/store/task_dag.go (DAG +
// dependent-node shape, ON CONFLICT upsert idiom) and
// internal/store/task_ack.go (status-transition timestamps), both
// reinterpreted here as a pure in-memory structure: this graph is the
// supervisor's live working set, not a database table, so the
// ON CONFLICT pattern becomes an explicit compare-and-swap on Version.
package taskgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
)

// Size bounds on string/array fields (spec §4.F "size-bounds on string
// fields and arrays").
const (
	MaxTitleLen              = 200
	MaxDescriptionLen        = 5000
	MaxAcceptanceCriteriaLen = 5000
	MaxDependencies          = 50
	MaxRequiredCapabilities  = 20
	MaxCapabilityTagLen      = 64
)

// CreateTaskRequest is the input to CreateTask.
type CreateTaskRequest struct {
	Title                string
	Description          string
	Priority             int
	DependsOn            []string
	ParentTaskID         string
	RequiredCapabilities []string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	MaxRetries           int
	TimeoutMS            int64
}

// QueryFilter narrows QueryTasks; zero value matches everything.
type QueryFilter struct {
	Status             domain.TaskStatus
	HasStatus          bool
	OwnerAgentID       string
	ParentTaskID       string
	Unblocked          bool
	Unowned            bool
	RequiredCapability string
	Limit              int
}

// Graph owns the in-memory task map. All mutations are
// optimistic-concurrency gated on Task.Version (spec §4.F).
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task

	capMu        sync.RWMutex
	capabilities map[string]*domain.CapabilityProfile
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:        make(map[string]*domain.Task),
		capabilities: make(map[string]*domain.CapabilityProfile),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// CreateTask validates dependency ids exist, bounds string/array
// fields, and derives the initial status (spec §4.F createTask).
func (g *Graph) CreateTask(req CreateTaskRequest) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range req.DependsOn {
		if _, ok := g.tasks[dep]; !ok {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "taskgraph.CreateTask", "dependency task not found: "+dep)
		}
	}
	if len(req.DependsOn) > MaxDependencies {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "taskgraph.CreateTask", "too many dependencies")
	}
	if len(req.RequiredCapabilities) > MaxRequiredCapabilities {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "taskgraph.CreateTask", "too many required capabilities")
	}

	status := domain.TaskPending
	if g.anyUnsatisfiedLocked(req.DependsOn) {
		status = domain.TaskBlocked
	}

	now := time.Now()
	task := &domain.Task{
		ID:                   uuid.NewString(),
		Title:                truncate(req.Title, MaxTitleLen),
		Description:          truncate(req.Description, MaxDescriptionLen),
		Priority:             req.Priority,
		Status:               status,
		DependsOn:            append([]string(nil), req.DependsOn...),
		ParentTaskID:         req.ParentTaskID,
		RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		Input:                req.Input,
		ExpectedOutput:       req.ExpectedOutput,
		AcceptanceCriteria:   truncate(req.AcceptanceCriteria, MaxAcceptanceCriteriaLen),
		MaxRetries:           req.MaxRetries,
		TimeoutMS:            req.TimeoutMS,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	g.tasks[task.ID] = task
	return task.Clone(), nil
}

// anyUnsatisfiedLocked reports whether any dependency id is not yet
// completed. Caller holds g.mu.
func (g *Graph) anyUnsatisfiedLocked(deps []string) bool {
	for _, dep := range deps {
		d, ok := g.tasks[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return true
		}
	}
	return false
}

// GetTask returns a snapshot of one task.
func (g *Graph) GetTask(id string) (*domain.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// QueryTasks returns a filtered, stably ordered (creation order)
// snapshot of tasks matching f.
func (g *Graph) QueryTasks(f QueryFilter) []*domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*domain.Task
	for _, t := range g.tasks {
		if f.HasStatus && t.Status != f.Status {
			continue
		}
		if f.OwnerAgentID != "" && t.OwnerAgentID != f.OwnerAgentID {
			continue
		}
		if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
			continue
		}
		if f.Unowned && t.OwnerAgentID != "" {
			continue
		}
		if f.Unblocked && t.Status == domain.TaskBlocked {
			continue
		}
		if f.RequiredCapability != "" && !containsStr(t.RequiredCapabilities, f.RequiredCapability) {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetDependentTasks returns every task that lists id in DependsOn.
func (g *Graph) GetDependentTasks(id string) []*domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*domain.Task
	for _, t := range g.tasks {
		if containsStr(t.DependsOn, id) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
