package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/internal/taskgraph"
)

// fakeAgents implements AgentSource over a fixed slice.
type fakeAgents struct {
	agents []*domain.Agent
}

func (f *fakeAgents) IdleOrRestoredWithSession() []*domain.Agent { return f.agents }

// fakeBus implements MessageBus and records every post.
type fakeBus struct {
	posts []bus.PostRequest
}

func (f *fakeBus) Post(req bus.PostRequest) bus.Message {
	f.posts = append(f.posts, req)
	return bus.Message{ID: "m", From: req.From, To: req.To, Type: req.Type, Content: req.Content}
}

func newTestOrchestrator() (*Orchestrator, *taskgraph.Graph, *fakeAgents, *fakeBus) {
	g := taskgraph.New()
	ag := &fakeAgents{}
	b := &fakeBus{}
	o := New(DefaultConfig(), g, ag, b)
	return o, g, ag, b
}

func TestDecomposeGoalResolvesDependencyIndices(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	tasks, err := o.DecomposeGoal(DecomposeGoalRequest{
		Goal: "ship feature",
		Subtasks: []SubtaskSpec{
			{Title: "design"},
			{Title: "implement", DependsOnIdx: []int{0}},
		},
	})
	if err != nil {
		t.Fatalf("DecomposeGoal() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[1].Status != domain.TaskBlocked {
		t.Fatalf("implement status = %v, want blocked", tasks[1].Status)
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != tasks[0].ID {
		t.Fatalf("implement.DependsOn = %v, want [%s]", tasks[1].DependsOn, tasks[0].ID)
	}
}

func TestDecomposeGoalRejectsForwardReference(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()
	_, err := o.DecomposeGoal(DecomposeGoalRequest{
		Goal: "x",
		Subtasks: []SubtaskSpec{
			{Title: "a", DependsOnIdx: []int{1}},
			{Title: "b"},
		},
	})
	if err == nil {
		t.Fatal("DecomposeGoal() error = nil for a forward dependency reference")
	}
}

func TestDecomposeGoalRejectsEmptyGoal(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()
	if _, err := o.DecomposeGoal(DecomposeGoalRequest{Subtasks: []SubtaskSpec{{Title: "x"}}}); err == nil {
		t.Fatal("DecomposeGoal() error = nil for an empty goal")
	}
}

func TestAssignmentCycleAssignsAndPostsTaskMessage(t *testing.T) {
	o, g, agents, b := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", Input: "do the thing", AcceptanceCriteria: "done when green"})
	agents.agents = []*domain.Agent{{ID: "agent-1", Status: domain.StatusIdle, SessionID: "sess-1"}}

	o.AssignmentCycle()

	refetched, _ := g.GetTask(task.ID)
	if refetched.Status != domain.TaskAssigned || refetched.OwnerAgentID != "agent-1" {
		t.Fatalf("task after cycle = %+v, want assigned to agent-1", refetched)
	}
	if len(b.posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1", len(b.posts))
	}
	if b.posts[0].To != "agent-1" || b.posts[0].Type != bus.TypeTask {
		t.Fatalf("post = %+v, want a task message to agent-1", b.posts[0])
	}
	if !containsSubstring(b.posts[0].Content, "done when green") {
		t.Fatalf("post content = %q, want acceptance criteria included", b.posts[0].Content)
	}
}

func TestAssignmentCycleSkipsAgentsWithoutUnblockedWork(t *testing.T) {
	o, _, agents, b := newTestOrchestrator()
	agents.agents = []*domain.Agent{{ID: "agent-1", Status: domain.StatusIdle, SessionID: "sess-1"}}

	o.AssignmentCycle()

	if len(b.posts) != 0 {
		t.Fatalf("len(posts) = %d, want 0 with no tasks in the graph", len(b.posts))
	}
}

func TestAssignmentCycleRespectsCapabilitySubset(t *testing.T) {
	o, g, agents, b := newTestOrchestrator()
	g.CreateTask(taskgraph.CreateTaskRequest{Title: "go task", RequiredCapabilities: []string{"go"}})
	agents.agents = []*domain.Agent{{ID: "agent-1", Status: domain.StatusIdle, SessionID: "sess-1", Capabilities: []string{"python"}}}

	o.AssignmentCycle()

	if len(b.posts) != 0 {
		t.Fatalf("len(posts) = %d, want 0 for a capability mismatch", len(b.posts))
	}
}

func TestSubmitResultCompletedUnblocksDependents(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	dep, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "dep"})
	child, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "child", DependsOn: []string{dep.ID}})
	_ = child

	resp := o.SubmitResult(SubmitResultRequest{TaskID: dep.ID, Version: dep.Version, Status: domain.TaskCompleted, Output: "ok"})
	if !resp.Accepted {
		t.Fatalf("resp = %+v, want accepted", resp)
	}
	if len(resp.UnblockedTasks) != 1 || resp.UnblockedTasks[0].ID != child.ID {
		t.Fatalf("unblocked = %+v, want [%s]", resp.UnblockedTasks, child.ID)
	}
}

func TestSubmitResultCompletedRecordsCapabilityOutcome(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", RequiredCapabilities: []string{"go"}})

	resp := o.SubmitResult(SubmitResultRequest{TaskID: task.ID, Version: task.Version, Status: domain.TaskCompleted, Output: "ok", AgentID: "agent-1"})
	if !resp.Accepted {
		t.Fatalf("resp = %+v, want accepted", resp)
	}
	profile, ok := g.GetCapabilityProfile("agent-1")
	if !ok {
		t.Fatal("no capability profile recorded for agent-1")
	}
	if profile.TotalCompleted != 1 {
		t.Fatalf("TotalCompleted = %d, want 1", profile.TotalCompleted)
	}
}

func TestSubmitResultFailedExhaustedRetriesRecordsCapabilityOutcome(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", MaxRetries: 0, RequiredCapabilities: []string{"go"}})

	resp := o.SubmitResult(SubmitResultRequest{TaskID: task.ID, Version: task.Version, Status: domain.TaskFailed, ErrorMessage: "boom", AgentID: "agent-1"})
	if !resp.Accepted {
		t.Fatalf("resp = %+v, want accepted", resp)
	}
	profile, ok := g.GetCapabilityProfile("agent-1")
	if !ok {
		t.Fatal("no capability profile recorded for agent-1")
	}
	if profile.TotalFailed != 1 {
		t.Fatalf("TotalFailed = %d, want 1", profile.TotalFailed)
	}
}

func TestSubmitResultFailedRetriesWhenRetriesRemain(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", MaxRetries: 2})

	resp := o.SubmitResult(SubmitResultRequest{TaskID: task.ID, Version: task.Version, Status: domain.TaskFailed, ErrorMessage: "boom"})
	if !resp.Accepted {
		t.Fatalf("resp = %+v, want accepted (retry)", resp)
	}
	refetched, _ := g.GetTask(task.ID)
	if refetched.Status != domain.TaskPending || refetched.RetryCount != 1 {
		t.Fatalf("task after retry = %+v, want pending with retryCount 1", refetched)
	}
}

func TestSubmitResultFailedExhaustsRetries(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", MaxRetries: 0})

	resp := o.SubmitResult(SubmitResultRequest{TaskID: task.ID, Version: task.Version, Status: domain.TaskFailed, ErrorMessage: "boom"})
	if !resp.Accepted {
		t.Fatalf("resp = %+v, want accepted (terminal failure)", resp)
	}
	refetched, _ := g.GetTask(task.ID)
	if refetched.Status != domain.TaskFailed || refetched.ErrorMessage != "boom" {
		t.Fatalf("task after exhausted retries = %+v, want failed with message", refetched)
	}
}

func TestSubmitResultUnknownTaskReturnsError(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()
	resp := o.SubmitResult(SubmitResultRequest{TaskID: "missing", Status: domain.TaskFailed})
	if resp.Accepted || resp.Error == "" {
		t.Fatalf("resp = %+v, want a rejection with an error", resp)
	}
}

func TestStartStopIsSafeBeforeStart(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()
	o.Stop() // must not panic when never started
}

func TestStartRunsAssignmentCycleOnTick(t *testing.T) {
	o, g, agents, b := newTestOrchestrator()
	o.cfg.TickInterval = 5 * time.Millisecond
	g.CreateTask(taskgraph.CreateTaskRequest{Title: "x", Input: "go"})
	agents.agents = []*domain.Agent{{ID: "agent-1", Status: domain.StatusIdle, SessionID: "sess-1"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(b.posts) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("assignment cycle never ran within the deadline")
}

func TestFailOnHighRiskGradeFailsTask(t *testing.T) {
	o, g, _, _ := newTestOrchestrator()
	task, _ := g.CreateTask(taskgraph.CreateTaskRequest{Title: "x"})
	if err := o.FailOnHighRiskGrade(task.ID, task.Version, "blastRadius worst"); err != nil {
		t.Fatalf("FailOnHighRiskGrade() error = %v", err)
	}
	refetched, _ := g.GetTask(task.ID)
	if refetched.Status != domain.TaskFailed {
		t.Fatalf("status = %v, want failed", refetched.Status)
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
