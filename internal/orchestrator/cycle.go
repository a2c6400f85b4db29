package orchestrator

import (
	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

// AssignmentCycle iterates every idle-or-restored agent with a
// session, picks the best unblocked task that agent can perform
// (capability match, then priority, then age), assigns it, and posts
// a task-typed bus message to the agent (spec §4.G assignmentCycle).
func (o *Orchestrator) AssignmentCycle() {
	for _, agent := range o.agents.IdleOrRestoredWithSession() {
		task, ok := o.graph.GetNextTask(agent.Capabilities)
		if !ok {
			continue
		}
		o.assignOne(agent, task)
	}
}

func (o *Orchestrator) assignOne(agent *domain.Agent, task *domain.Task) {
	assigned, err := o.graph.AssignTask(task.ID, agent.ID, task.Version)
	if err != nil {
		logger.Warn("orchestrator: assignTask failed", logger.FieldTaskID, task.ID, logger.FieldAgentID, agent.ID, logger.FieldError, err)
		return
	}

	o.bus.Post(bus.PostRequest{
		From:    "orchestrator",
		To:      agent.ID,
		Type:    bus.TypeTask,
		Content: taskPromptHeader(assigned),
		Metadata: map[string]any{
			"taskId": assigned.ID,
		},
	})

	o.recordEvent(Event{Kind: "assigned", TaskID: assigned.ID, AgentID: agent.ID})
	logger.Infow("orchestrator: assigned task", logger.FieldTaskID, assigned.ID, logger.FieldAgentID, agent.ID)
}

// SubmitResultRequest is the input to SubmitResult.
type SubmitResultRequest struct {
	TaskID       string
	Version      int
	Status       domain.TaskStatus
	Output       string
	Confidence   float64
	DurationMS   int64
	ErrorMessage string
	AgentID      string
}

// SubmitResultResponse mirrors spec §4.G's
// { accepted, unblockedTasks?, error? } contract.
type SubmitResultResponse struct {
	Accepted       bool
	UnblockedTasks []*domain.Task
	Error          string
}

// SubmitResult validates and applies completeTask or failTask (with
// retry semantics) for the reported task status, returning the tasks
// unblocked by this transition (spec §4.G submitResult).
func (o *Orchestrator) SubmitResult(req SubmitResultRequest) SubmitResultResponse {
	switch req.Status {
	case domain.TaskCompleted:
		completed, unblocked, err := o.graph.CompleteTask(req.TaskID, req.Version, req.Output)
		if err != nil {
			return SubmitResultResponse{Error: err.Error()}
		}
		if req.AgentID != "" {
			o.graph.RecordOutcome(req.AgentID, completed.RequiredCapabilities, true)
		}
		o.recordEvent(Event{Kind: "completed", TaskID: req.TaskID, AgentID: req.AgentID})
		return SubmitResultResponse{Accepted: true, UnblockedTasks: unblocked}

	case domain.TaskFailed:
		return o.submitFailure(req)

	default:
		return SubmitResultResponse{Error: apperrors.Newf("orchestrator.SubmitResult", "unsupported status %q", req.Status).Error()}
	}
}

// submitFailure retries the task (transitioning it back to pending
// and unowned) if retries remain, otherwise fails it outright.
func (o *Orchestrator) submitFailure(req SubmitResultRequest) SubmitResultResponse {
	task, ok := o.graph.GetTask(req.TaskID)
	if !ok {
		return SubmitResultResponse{Error: apperrors.Wrap(apperrors.ErrNotFound, "orchestrator.SubmitResult", "task not found").Error()}
	}

	if task.RetryCount < task.MaxRetries {
		retried, err := o.graph.RetryTask(req.TaskID, req.Version, "")
		if err != nil {
			return SubmitResultResponse{Error: err.Error()}
		}
		o.recordEvent(Event{Kind: "retried", TaskID: req.TaskID, AgentID: req.AgentID, Detail: req.ErrorMessage})
		return SubmitResultResponse{Accepted: true, UnblockedTasks: []*domain.Task{retried}}
	}

	_, err := o.graph.FailTask(req.TaskID, req.Version, req.ErrorMessage)
	if err != nil {
		return SubmitResultResponse{Error: err.Error()}
	}
	if req.AgentID != "" {
		o.graph.RecordOutcome(req.AgentID, task.RequiredCapabilities, false)
	}
	o.recordEvent(Event{Kind: "failed", TaskID: req.TaskID, AgentID: req.AgentID, Detail: req.ErrorMessage})
	return SubmitResultResponse{Accepted: true}
}

// FailOnHighRiskGrade fails taskID with a reason referencing the
// grade, blocking it from auto-progressing until a human approval
// endpoint resubmits it as completed (spec §4.I escalation).
func (o *Orchestrator) FailOnHighRiskGrade(taskID string, version int, reason string) error {
	_, err := o.graph.FailTask(taskID, version, "blocked by high-risk grade: "+reason)
	if err != nil {
		return err
	}
	o.recordEvent(Event{Kind: "grade-escalated", TaskID: taskID, Detail: reason})
	return nil
}
