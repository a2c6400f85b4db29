// Package grading scores a completed task's self-assessed Grade into a
// Risk classification and applies the escalation rule (spec §4.I):
// three axes, each three levels mapped to 0/1/2, summed into a 0..6
// score bucketed into low/medium/high, with a floor rule that forces
// at least medium whenever any axis sits at its worst level.
//
// Grounded on the teacher's internal/orchestrator/master_logic.go
// scoreOutputQuality: an additive, table-driven scoring function that
// bounds its own min/max and is pure and independently testable. This
// package reuses that shape for a fixed three-axis rubric instead of a
// free-text heuristic.
package grading

import (
	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
)

// MaxReasoningLen bounds Grade.Reasoning (spec §4.I "rejects ... reasoning
// > 5000 chars").
const MaxReasoningLen = 5000

// axisScore maps clarity/confidence levels to a risk contribution of
// 0/1/2. The score represents risk, not quality, so the worst level
// ("low") contributes the most: a task graded unclear or low-confidence
// is the risky one.
func axisScore(level domain.AxisLevel) (int, bool) {
	switch level {
	case domain.LevelHigh:
		return 0, true
	case domain.LevelMedium:
		return 1, true
	case domain.LevelLow:
		return 2, true
	default:
		return 0, false
	}
}

// blastRadiusScore maps blast-radius levels to a risk contribution of
// 0/1/2. "Wide" contributes the most: the more of the system a change
// can touch, the riskier it is.
func blastRadiusScore(level domain.AxisLevel) (int, bool) {
	switch level {
	case domain.BlastIsolated:
		return 0, true
	case domain.BlastModerate:
		return 1, true
	case domain.BlastWide:
		return 2, true
	default:
		return 0, false
	}
}

// Validate rejects unknown axis labels and an over-length reasoning
// field (spec §4.I validation).
func Validate(g domain.Grade) error {
	if _, ok := axisScore(g.Clarity); !ok {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "grading.Validate", "unknown clarity level: "+string(g.Clarity))
	}
	if _, ok := axisScore(g.Confidence); !ok {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "grading.Validate", "unknown confidence level: "+string(g.Confidence))
	}
	if _, ok := blastRadiusScore(g.BlastRadius); !ok {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "grading.Validate", "unknown blastRadius level: "+string(g.BlastRadius))
	}
	if len(g.Reasoning) > MaxReasoningLen {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "grading.Validate", "reasoning exceeds max length")
	}
	return nil
}

// Score sums the three axis risk contributions (0..6 total; 0 is the
// best possible grade, 6 the worst).
func Score(g domain.Grade) int {
	clarity, _ := axisScore(g.Clarity)
	confidence, _ := axisScore(g.Confidence)
	blast, _ := blastRadiusScore(g.BlastRadius)
	return clarity + confidence + blast
}

// anyAxisAtWorst reports whether any single axis is at its worst
// level, regardless of the total score (spec §4.I "forces at least
// medium if any axis is at its worst value").
func anyAxisAtWorst(g domain.Grade) bool {
	clarity, _ := axisScore(g.Clarity)
	confidence, _ := axisScore(g.Confidence)
	blast, _ := blastRadiusScore(g.BlastRadius)
	return clarity == 2 || confidence == 2 || blast == 2
}

// Classify buckets a validated Grade into a Risk (spec §4.I: 0-1 low,
// 2-3 medium, >=4 high; any worst-value axis floors the result at
// medium).
func Classify(g domain.Grade) domain.Risk {
	score := Score(g)

	risk := domain.RiskLow
	switch {
	case score >= 4:
		risk = domain.RiskHigh
	case score >= 2:
		risk = domain.RiskMedium
	}

	if risk == domain.RiskLow && anyAxisAtWorst(g) {
		risk = domain.RiskMedium
	}
	return risk
}
