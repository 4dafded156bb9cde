package models

import "time"

// RoundStatus enumerates round lifecycle states. Transitions are closed:
// collecting -> aggregating -> closed, nothing else.
type RoundStatus string

const (
	RoundCollecting  RoundStatus = "collecting"
	RoundAggregating RoundStatus = "aggregating"
	RoundClosed      RoundStatus = "closed"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s RoundStatus) CanTransition(next RoundStatus) bool {
	switch s {
	case RoundCollecting:
		return next == RoundAggregating
	case RoundAggregating:
		return next == RoundClosed
	default:
		return false
	}
}

// Round is one collection cycle within a study. The question subset is fixed
// at open time; sequence numbers start at 1 and are gapless per study.
type Round struct {
	ID          string      `json:"id"`
	StudyID     string      `json:"studyId"`
	Number      int         `json:"number"`
	Status      RoundStatus `json:"status"`
	QuestionIDs []string    `json:"questionIds"`
	OpenedAt    time.Time   `json:"openedAt"`
	ClosedAt    time.Time   `json:"closedAt,omitempty"`
	LowQuorum   bool        `json:"lowQuorum"`
}

// HasQuestion reports whether the question is active in this round.
func (r *Round) HasQuestion(questionID string) bool {
	for _, id := range r.QuestionIDs {
		if id == questionID {
			return true
		}
	}
	return false
}

// RoundSummary is the per-round history entry exposed by status queries.
type RoundSummary struct {
	Number           int         `json:"number"`
	Status           RoundStatus `json:"status"`
	Responses        int         `json:"responses"`
	ConsensusPercent float64     `json:"consensusPercent"`
	LowQuorum        bool        `json:"lowQuorum"`
	OpenedAt         time.Time   `json:"openedAt"`
	ClosedAt         time.Time   `json:"closedAt,omitempty"`
}
