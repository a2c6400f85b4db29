// Package orchestrator decomposes goals into tasks, runs the
// assignment cycle that pairs idle agents to unblocked work, and
// applies task results back onto the task graph (spec §4.G).
//
// Grounded on the teacher's internal/orchestrator/master.go for the
// ticker-based Run/tick for-select loop idiom (the duplicate dead
// Gateway/Execute plumbing in master.go/gateway.go has no analogue
// here and is not reproduced) and internal/orchestrator/master_logic.go
// for its pure-function style: assignment and result handling are
// built the same way, as small functions with no hidden state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/internal/taskgraph"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

// TaskGraph is the subset of *taskgraph.Graph the orchestrator needs.
// Declared as an interface so tests can supply a fake.
type TaskGraph interface {
	CreateTask(req taskgraph.CreateTaskRequest) (*domain.Task, error)
	GetNextTask(caps []string) (*domain.Task, bool)
	AssignTask(id, agentID string, expectedVersion int) (*domain.Task, error)
	CompleteTask(id string, expectedVersion int, output string) (*domain.Task, []*domain.Task, error)
	FailTask(id string, expectedVersion int, errMsg string) (*domain.Task, error)
	RetryTask(id string, expectedVersion int, agentID string) (*domain.Task, error)
	GetTask(id string) (*domain.Task, bool)
	RecordOutcome(agentID string, tags []string, success bool) *domain.CapabilityProfile
}

// AgentSource is the subset of *runner.Manager the assignment cycle
// needs to find candidate agents and deliver task prompts.
type AgentSource interface {
	IdleOrRestoredWithSession() []*domain.Agent
}

// MessageBus is the subset of *bus.Bus the orchestrator needs to post
// task assignments.
type MessageBus interface {
	Post(req bus.PostRequest) bus.Message
}

// Config tunes the assignment loop.
type Config struct {
	TickInterval time.Duration
	MaxRetries   int
}

// DefaultConfig mirrors the teacher's one-second orchestration tick.
func DefaultConfig() Config {
	return Config{
		TickInterval: 1 * time.Second,
		MaxRetries:   3,
	}
}

// eventLogCap bounds the orchestrator's own bounded event log (spec
// §4.G "emits an assignment event on the orchestrator's bounded event
// log").
const eventLogCap = 200

// Event is one entry on the orchestrator's bounded event log.
type Event struct {
	At      time.Time
	Kind    string
	TaskID  string
	AgentID string
	Detail  string
}

// Orchestrator owns the assignment loop and goal decomposition.
type Orchestrator struct {
	cfg    Config
	graph  TaskGraph
	agents AgentSource
	bus    MessageBus

	mu       sync.Mutex
	events   []Event
	stopCh   chan struct{}
	running  bool
}

// New creates an Orchestrator wired to its collaborators.
func New(cfg Config, graph TaskGraph, agents AgentSource, b MessageBus) *Orchestrator {
	return &Orchestrator{cfg: cfg, graph: graph, agents: agents, bus: b}
}

func (o *Orchestrator) recordEvent(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev.At = time.Now()
	o.events = append(o.events, ev)
	if len(o.events) > eventLogCap {
		o.events = o.events[len(o.events)-eventLogCap:]
	}
}

// Events returns a snapshot of the orchestrator's bounded event log.
func (o *Orchestrator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

// DecomposeGoalRequest is the input to DecomposeGoal.
type DecomposeGoalRequest struct {
	Goal         string
	ParentTaskID string
	Subtasks     []SubtaskSpec
}

// SubtaskSpec is one task in a goal decomposition. DependsOnIdx
// indexes other entries in the same Subtasks slice (spec §4.G
// decomposeGoal "allows each subtask to declare its dependency indices
// resolved to created IDs within this call").
type SubtaskSpec struct {
	Title                string
	Description          string
	Priority             int
	DependsOnIdx         []int
	RequiredCapabilities []string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	MaxRetries           int
	TimeoutMS            int64
}

// DecomposeGoal validates and creates tasks in insertion order,
// resolving each subtask's dependency indices to the IDs created
// earlier in this same call (spec §4.G decomposeGoal).
func (o *Orchestrator) DecomposeGoal(req DecomposeGoalRequest) ([]*domain.Task, error) {
	if req.Goal == "" {
		return nil, apperrors.New("orchestrator.DecomposeGoal", "goal is required")
	}
	if len(req.Subtasks) == 0 {
		return nil, apperrors.New("orchestrator.DecomposeGoal", "at least one subtask is required")
	}

	created := make([]*domain.Task, len(req.Subtasks))
	for i, st := range req.Subtasks {
		var deps []string
		for _, idx := range st.DependsOnIdx {
			if idx < 0 || idx >= i || created[idx] == nil {
				return nil, apperrors.Newf("orchestrator.DecomposeGoal", "subtask %d depends on an index not yet created: %d", i, idx)
			}
			deps = append(deps, created[idx].ID)
		}

		maxRetries := st.MaxRetries
		if maxRetries == 0 {
			maxRetries = o.cfg.MaxRetries
		}

		task, err := o.graph.CreateTask(taskgraph.CreateTaskRequest{
			Title:                st.Title,
			Description:          st.Description,
			Priority:             st.Priority,
			DependsOn:            deps,
			ParentTaskID:         req.ParentTaskID,
			RequiredCapabilities: st.RequiredCapabilities,
			Input:                st.Input,
			ExpectedOutput:       st.ExpectedOutput,
			AcceptanceCriteria:   st.AcceptanceCriteria,
			MaxRetries:           maxRetries,
			TimeoutMS:            st.TimeoutMS,
		})
		if err != nil {
			return nil, apperrors.Wrapf(err, "orchestrator.DecomposeGoal", "subtask %d", i)
		}
		created[i] = task
	}

	logger.Infow("orchestrator: decomposed goal", logger.FieldCount, len(created))
	return created, nil
}

// Start launches the periodic assignment loop (spec §4.G start/stop).
// Safe to call Stop before Start.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.stopCh = make(chan struct{})
	o.running = true
	stop := o.stopCh
	o.mu.Unlock()

	ticker := time.NewTicker(o.cfg.TickInterval)
	util.SafeGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				o.markStopped()
				return
			case <-stop:
				return
			case <-ticker.C:
				o.AssignmentCycle()
			}
		}
	})
}

// Stop halts the assignment loop. Safe to call before Start or more
// than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	close(o.stopCh)
	o.running = false
}

func (o *Orchestrator) markStopped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

// taskPromptHeader prefixes the delivered prompt so the agent can
// distinguish orchestrator tasks from peer chatter (spec §4.G "The
// delivered prompt is prefixed with a header identifying sender and
// message type").
func taskPromptHeader(t *domain.Task) string {
	header := fmt.Sprintf("[orchestrator:task %s]\n", t.ID)
	body := t.Input
	if t.AcceptanceCriteria != "" {
		body += "\n\nAcceptance criteria:\n" + t.AcceptanceCriteria
	}
	if t.TimeoutMS > 0 {
		body += fmt.Sprintf("\n\nTimeout: %dms", t.TimeoutMS)
	}
	return header + body
}
