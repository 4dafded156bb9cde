package models

import (
	"fmt"
	"time"
)

// Mode selects how a study advances between rounds.
type Mode string

const (
	// ModeSequential runs discrete rounds closed by an operator or timer.
	ModeSequential Mode = "sequential"
	// ModeRealtime aggregates continuously and pushes live feedback.
	ModeRealtime Mode = "realtime"
)

// StudyStatus enumerates study lifecycle states.
type StudyStatus string

const (
	StudyDraft  StudyStatus = "draft"
	StudyOpen   StudyStatus = "open"
	StudyClosed StudyStatus = "closed"
)

// QuestionType enumerates supported response formats.
type QuestionType string

const (
	QuestionOpenText       QuestionType = "open-text"
	QuestionNumericScale   QuestionType = "numeric-scale"
	QuestionLikert         QuestionType = "likert"
	QuestionMultipleChoice QuestionType = "multiple-choice"
)

// Option is one entry of a multiple-choice question's fixed option set.
type Option struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// Question describes one item asked of the expert panel. The authoring
// service owns question content; the engine treats it as immutable once a
// round referencing it has opened.
type Question struct {
	ID      string       `json:"id" yaml:"id"`
	Prompt  string       `json:"prompt" yaml:"prompt"`
	Type    QuestionType `json:"type" yaml:"type"`
	Min     float64      `json:"min,omitempty" yaml:"min"`
	Max     float64      `json:"max,omitempty" yaml:"max"`
	Step    float64      `json:"step,omitempty" yaml:"step"`
	Options []Option     `json:"options,omitempty" yaml:"options"`
}

// Rankable reports whether the question produces values usable for rank
// agreement (Kendall's W).
func (q Question) Rankable() bool {
	return q.Type == QuestionNumericScale || q.Type == QuestionLikert
}

// Validate checks the question definition itself.
func (q Question) Validate() error {
	switch q.Type {
	case QuestionNumericScale, QuestionLikert:
		if q.Max <= q.Min {
			return fmt.Errorf("question %s: max %v must exceed min %v", q.ID, q.Max, q.Min)
		}
	case QuestionMultipleChoice:
		if len(q.Options) == 0 {
			return fmt.Errorf("question %s: multiple-choice requires options", q.ID)
		}
	case QuestionOpenText:
	default:
		return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
	}
	return nil
}

// StudyConfig holds per-study thresholds for the convergence evaluator.
type StudyConfig struct {
	MaxRounds          int           `json:"maxRounds" yaml:"maxRounds"`
	CVThreshold        float64       `json:"cvThreshold" yaml:"cvThreshold"`
	StabilityThreshold float64       `json:"stabilityThreshold" yaml:"stabilityThreshold"`
	MinQuorum          float64       `json:"minQuorum" yaml:"minQuorum"`
	FeedbackMinCount   int           `json:"feedbackMinCount" yaml:"feedbackMinCount"`
	SessionDuration    time.Duration `json:"sessionDuration,omitempty" yaml:"sessionDuration"`
}

// Validate rejects configurations the evaluator cannot act on.
func (c StudyConfig) Validate(mode Mode) error {
	if mode == ModeSequential && c.MaxRounds < 1 {
		return fmt.Errorf("maxRounds must be at least 1, got %d", c.MaxRounds)
	}
	if mode == ModeRealtime && c.SessionDuration <= 0 {
		return fmt.Errorf("realtime study requires a positive sessionDuration")
	}
	if c.CVThreshold <= 0 {
		return fmt.Errorf("cvThreshold must be positive, got %v", c.CVThreshold)
	}
	if c.StabilityThreshold <= 0 || c.StabilityThreshold > 1 {
		return fmt.Errorf("stabilityThreshold must be in (0, 1], got %v", c.StabilityThreshold)
	}
	if c.MinQuorum < 0 || c.MinQuorum > 1 {
		return fmt.Errorf("minQuorum must be in [0, 1], got %v", c.MinQuorum)
	}
	return nil
}

// Study is the root aggregate: it owns its rounds and references its
// immutable question set.
type Study struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Mode         Mode        `json:"mode"`
	Status       StudyStatus `json:"status"`
	Config       StudyConfig `json:"config"`
	Questions    []Question  `json:"questions"`
	CurrentRound int         `json:"currentRound"`
	StopReason   StopReason  `json:"stopReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// QuestionByID looks up a question in the study's set.
func (s *Study) QuestionByID(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// StudySummary is the roster-safe projection returned by status queries.
type StudySummary struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Mode             Mode           `json:"mode"`
	Status           StudyStatus    `json:"status"`
	CurrentRound     int            `json:"currentRound"`
	MaxRounds        int            `json:"maxRounds"`
	ConsensusPercent float64        `json:"consensusPercent"`
	StopReason       StopReason     `json:"stopReason,omitempty"`
	Rounds           []RoundSummary `json:"rounds,omitempty"`
}
