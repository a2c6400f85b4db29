package grading

import (
	"fmt"

	"github.com/agentcore/agentcore/internal/domain"
)

// TaskFailer is the subset of *orchestrator.Orchestrator the
// escalation path needs.
type TaskFailer interface {
	FailOnHighRiskGrade(taskID string, version int, reason string) error
}

// Submission bundles a task's completion with its self-assessed Grade.
type Submission struct {
	TaskID  string
	Version int
	Grade   domain.Grade
}

// Evaluate validates and classifies sub.Grade; on domain.RiskHigh it
// calls failer to fail the task with a reason referencing the grade,
// blocking it from auto-progressing until a human approval endpoint
// resubmits it as completed (spec §4.I escalation). Returns the
// resolved risk so callers can surface it alongside the task result.
func Evaluate(sub Submission, failer TaskFailer) (domain.Risk, error) {
	if err := Validate(sub.Grade); err != nil {
		return "", err
	}

	risk := Classify(sub.Grade)
	if risk != domain.RiskHigh {
		return risk, nil
	}

	reason := fmt.Sprintf("grade clarity=%s confidence=%s blastRadius=%s score=%d",
		sub.Grade.Clarity, sub.Grade.Confidence, sub.Grade.BlastRadius, Score(sub.Grade))
	if err := failer.FailOnHighRiskGrade(sub.TaskID, sub.Version, reason); err != nil {
		return risk, err
	}
	return risk, nil
}
