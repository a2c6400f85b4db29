package taskgraph

import (
	"sort"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

// casLocked returns the task for id, validating it exists and that
// expectedVersion matches, without mutating. Caller holds g.mu.
func (g *Graph) casLocked(id string, expectedVersion int) (*domain.Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "taskgraph", "task not found")
	}
	if t.Version != expectedVersion {
		return nil, apperrors.Wrap(apperrors.ErrConflict, "taskgraph", "version mismatch")
	}
	return t, nil
}

func (g *Graph) bumpLocked(t *domain.Task) {
	t.Version++
	t.UpdatedAt = time.Now()
}

// AssignTask sets ownerAgentId and transitions to assigned.
func (g *Graph) AssignTask(id, agentID string, expectedVersion int) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	t.OwnerAgentID = agentID
	t.Status = domain.TaskAssigned
	g.bumpLocked(t)
	return t.Clone(), nil
}

// StartTask transitions assigned -> running.
func (g *Graph) StartTask(id string, expectedVersion int) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskRunning
	g.bumpLocked(t)
	return t.Clone(), nil
}

// CompleteTask transitions to completed, recording output, and
// returns every task this completion unblocked (spec §4.F "on task
// completion, any task whose dependencies are now all completed
// transitions blocked -> pending").
func (g *Graph) CompleteTask(id string, expectedVersion int, output string) (*domain.Task, []*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, nil, err
	}
	t.Status = domain.TaskCompleted
	t.Output = output
	g.bumpLocked(t)

	unblocked := g.unblockDependentsLocked(id)
	return t.Clone(), unblocked, nil
}

// unblockDependentsLocked walks every blocked task depending on id and
// flips it to pending if every dependency is now completed. Caller
// holds g.mu.
func (g *Graph) unblockDependentsLocked(completedID string) []*domain.Task {
	var unblocked []*domain.Task
	for _, t := range g.tasks {
		if t.Status != domain.TaskBlocked || !containsStr(t.DependsOn, completedID) {
			continue
		}
		if !g.anyUnsatisfiedLocked(t.DependsOn) {
			t.Status = domain.TaskPending
			g.bumpLocked(t)
			unblocked = append(unblocked, t.Clone())
		}
	}
	return unblocked
}

// FailTask transitions to failed with an error message. It never
// retries; the orchestrator calls RetryTask instead while retries
// remain (spec §4.G submitResult).
func (g *Graph) FailTask(id string, expectedVersion int, errMsg string) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskFailed
	t.ErrorMessage = errMsg
	g.bumpLocked(t)
	return t.Clone(), nil
}

// CancelTask transitions to cancelled unconditionally (no retry path).
func (g *Graph) CancelTask(id string, expectedVersion int) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskCancelled
	g.bumpLocked(t)
	return t.Clone(), nil
}

// RetryTask increments retryCount and returns the task to pending
// (unowned unless agentID is given), failing if maxRetries is already
// exhausted.
func (g *Graph) RetryTask(id string, expectedVersion int, agentID string) (*domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.casLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "taskgraph.RetryTask", "max retries exhausted")
	}
	t.RetryCount++
	t.Status = domain.TaskPending
	t.OwnerAgentID = agentID
	t.ErrorMessage = ""
	g.bumpLocked(t)
	return t.Clone(), nil
}

// DeleteTask removes a task outright (CAS-gated, consistent with every
// other mutation).
func (g *Graph) DeleteTask(id string, expectedVersion int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.casLocked(id, expectedVersion); err != nil {
		return err
	}
	delete(g.tasks, id)
	return nil
}

// ClearAll removes every task, used by full-graph resets in tests and
// operator tooling.
func (g *Graph) ClearAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = make(map[string]*domain.Task)
	logger.Info("taskgraph: cleared all tasks")
}

// GetNextTask returns the highest-priority (lowest numeric value among
// 1..4; 0 treated as lowest of all), oldest, pending, unowned,
// unblocked task whose requiredCapabilities are a subset of caps
// (spec §4.F getNextTask).
func (g *Graph) GetNextTask(caps []string) (*domain.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}

	var candidates []*domain.Task
	for _, t := range g.tasks {
		if t.Status != domain.TaskPending || t.OwnerAgentID != "" {
			continue
		}
		if !isSubset(t.RequiredCapabilities, capSet) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := effectivePriority(candidates[i].Priority), effectivePriority(candidates[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].Clone(), true
}

// effectivePriority treats 0 ("none") as lower priority than any
// explicit 1..4 value, per spec §4.F.
func effectivePriority(p int) int {
	if p == 0 {
		return 1<<31 - 1
	}
	return p
}

func isSubset(required []string, have map[string]bool) bool {
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// GetSummary returns counts per status and basic depth stats (spec
// §4.F getSummary).
type Summary struct {
	CountsByStatus map[domain.TaskStatus]int
	MaxDepth       int
	Total          int
}

func (g *Graph) GetSummary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Summary{CountsByStatus: make(map[domain.TaskStatus]int)}
	depthByID := make(map[string]int)
	for _, t := range g.tasks {
		s.CountsByStatus[t.Status]++
		s.Total++
	}
	for id := range g.tasks {
		d := g.depthOfLocked(id, depthByID, make(map[string]bool))
		if d > s.MaxDepth {
			s.MaxDepth = d
		}
	}
	return s
}

// depthOfLocked computes a task's depth in the parentTaskId chain,
// memoizing and guarding against cycles via visiting. Caller holds
// g.mu (read).
func (g *Graph) depthOfLocked(id string, memo map[string]int, visiting map[string]bool) int {
	if d, ok := memo[id]; ok {
		return d
	}
	if visiting[id] {
		return 0
	}
	visiting[id] = true
	t, ok := g.tasks[id]
	if !ok || t.ParentTaskID == "" {
		memo[id] = 0
		return 0
	}
	d := 1 + g.depthOfLocked(t.ParentTaskID, memo, visiting)
	memo[id] = d
	return d
}
