package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Payload carries the typed answer for a single question. Exactly one field
// is set, matching the question's declared type.
type Payload struct {
	Number *float64 `json:"number,omitempty"`
	Option string   `json:"option,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Response is one expert's answer to one question in one round. The
// (round, question, participant) triple is the unique key; the first
// submission for a key is authoritative.
type Response struct {
	RoundID       string    `json:"roundId"`
	QuestionID    string    `json:"questionId"`
	ParticipantID string    `json:"participantId"`
	Payload       Payload   `json:"payload"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// ValidatePayload checks a payload against the question's declared type and
// bounds. Failures wrap ErrSchemaMismatch.
func (q Question) ValidatePayload(p Payload) error {
	switch q.Type {
	case QuestionNumericScale, QuestionLikert:
		if p.Number == nil {
			return fmt.Errorf("%w: question %s expects a numeric value", ErrSchemaMismatch, q.ID)
		}
		v := *p.Number
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: question %s: value is not finite", ErrSchemaMismatch, q.ID)
		}
		if v < q.Min || v > q.Max {
			return fmt.Errorf("%w: question %s: value %v outside [%v, %v]", ErrSchemaMismatch, q.ID, v, q.Min, q.Max)
		}
		if q.Step > 0 && !onStep(v, q.Min, q.Step) {
			return fmt.Errorf("%w: question %s: value %v not aligned to step %v", ErrSchemaMismatch, q.ID, v, q.Step)
		}
	case QuestionMultipleChoice:
		if p.Option == "" {
			return fmt.Errorf("%w: question %s expects an option id", ErrSchemaMismatch, q.ID)
		}
		for _, opt := range q.Options {
			if opt.ID == p.Option {
				return nil
			}
		}
		return fmt.Errorf("%w: question %s: unknown option %q", ErrSchemaMismatch, q.ID, p.Option)
	case QuestionOpenText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: question %s expects non-empty text", ErrSchemaMismatch, q.ID)
		}
	default:
		return fmt.Errorf("%w: question %s has unknown type %q", ErrSchemaMismatch, q.ID, q.Type)
	}
	return nil
}

func onStep(value, min, step float64) bool {
	steps := (value - min) / step
	_, frac := math.Modf(steps)
	const eps = 1e-9
	return frac < eps || frac > 1-eps
}
