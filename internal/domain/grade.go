package domain

// Axis levels for confidence grading (spec §4.I). Each axis has three
// levels mapped to an integer score 0/1/2; "worst" is always 2.
type AxisLevel string

const (
	LevelLow    AxisLevel = "low"
	LevelMedium AxisLevel = "medium"
	LevelHigh   AxisLevel = "high"

	BlastIsolated AxisLevel = "isolated"
	BlastModerate AxisLevel = "moderate"
	BlastWide     AxisLevel = "wide"
)

// Risk is the derived classification of a Grade.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Grade is a self-assessment attached to a completed task.
type Grade struct {
	Clarity     AxisLevel `json:"clarity"`
	Confidence  AxisLevel `json:"confidence"`
	BlastRadius AxisLevel `json:"blastRadius"`
	Reasoning   string    `json:"reasoning,omitempty"`
}
