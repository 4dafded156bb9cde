package models

import "time"

// NumericStats summarises numeric-scale and likert responses.
type NumericStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Mode   float64 `json:"mode"`
	StdDev float64 `json:"stdDev"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
	IQR    float64 `json:"iqr"`
}

// OptionCount is one row of a multiple-choice frequency table, emitted in
// the question's declared option order.
type OptionCount struct {
	OptionID   string  `json:"optionId"`
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TextStats summarises open-text responses. No semantic analysis happens
// here; thematic coding belongs to an external collaborator.
type TextStats struct {
	MeanWords float64 `json:"meanWords"`
	MinWords  int     `json:"minWords"`
	MaxWords  int     `json:"maxWords"`
}

// AggregateResult is the anonymized per-question summary for one round.
// It is a pure function of the response set it was computed from: no
// participant identity survives into it. CV and Stability are NaN when
// undefined (mean zero, fewer than two responses, or no prior round).
type AggregateResult struct {
	RoundID    string       `json:"roundId"`
	QuestionID string       `json:"questionId"`
	Type       QuestionType `json:"type"`
	Count      int          `json:"count"`
	Numeric    *NumericStats `json:"numeric,omitempty"`
	Choices    []OptionCount `json:"choices,omitempty"`
	Text       *TextStats    `json:"text,omitempty"`
	CV         Metric        `json:"cv"`
	Stability  Metric        `json:"stability"`
}

// RoundMetrics carries the round-level consensus indicators.
type RoundMetrics struct {
	RoundID          string  `json:"roundId"`
	RoundNumber      int     `json:"roundNumber"`
	KendallW         Metric  `json:"kendallW"`
	ConsensusPercent float64 `json:"consensusPercent"`
	QuorumFraction   float64 `json:"quorumFraction"`
	LowQuorum        bool    `json:"lowQuorum"`
}

// StopReason explains why a study stopped advancing.
type StopReason string

const (
	StopRoundBudgetExhausted StopReason = "round-budget-exhausted"
	StopConsensusReached     StopReason = "consensus-reached"
	StopStabilized           StopReason = "stabilized"
)

// Decision is the convergence evaluator's verdict for a closed round.
type Decision struct {
	Stop                 bool       `json:"stop"`
	Reason               StopReason `json:"reason,omitempty"`
	LowQuorum            bool       `json:"lowQuorum"`
	ConvergedQuestionIDs []string   `json:"convergedQuestionIds,omitempty"`
}

// QuestionFeedback is the per-question slice of a feedback package. Group is
// nil when the aggregate was suppressed to protect anonymity.
type QuestionFeedback struct {
	QuestionID string           `json:"questionId"`
	Prompt     string           `json:"prompt"`
	Group      *AggregateResult `json:"group,omitempty"`
	Suppressed bool             `json:"suppressed"`
	Own        *Payload         `json:"own,omitempty"`
}

// FeedbackPackage is handed to a participant before the next round: group
// distributions, their own prior answers, and the question subset that will
// be re-asked.
type FeedbackPackage struct {
	StudyID         string             `json:"studyId"`
	RoundID         string             `json:"roundId"`
	RoundNumber     int                `json:"roundNumber"`
	GeneratedAt     time.Time          `json:"generatedAt"`
	Questions       []QuestionFeedback `json:"questions"`
	NextQuestionIDs []string           `json:"nextQuestionIds,omitempty"`
}
