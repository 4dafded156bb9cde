package engine

import (
	"time"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// FeedbackBuilder turns a closed round's aggregates into the anonymized
// package a participant sees before the next round. Aggregates with fewer
// than minCount responses are suppressed entirely: showing a 2-person
// distribution lets a respondent reconstruct the other answer by
// elimination. A positive per-study FeedbackMinCount overrides the default.
type FeedbackBuilder struct {
	minCount int
}

// NewFeedbackBuilder constructs a builder; minCount values below 1 fall
// back to 3.
func NewFeedbackBuilder(minCount int) *FeedbackBuilder {
	if minCount < 1 {
		minCount = 3
	}
	return &FeedbackBuilder{minCount: minCount}
}

// Build assembles the feedback package for one participant. own holds that
// participant's responses from the round being summarised; decision supplies
// the converged questions dropped from the next sequential round.
func (b *FeedbackBuilder) Build(
	study *models.Study,
	round *models.Round,
	aggregates []models.AggregateResult,
	own []models.Response,
	decision models.Decision,
) models.FeedbackPackage {
	pkg := models.FeedbackPackage{
		StudyID:     study.ID,
		RoundID:     round.ID,
		RoundNumber: round.Number,
		GeneratedAt: time.Now().UTC(),
	}

	byQuestion := make(map[string]models.AggregateResult, len(aggregates))
	for _, agg := range aggregates {
		byQuestion[agg.QuestionID] = agg
	}
	ownByQuestion := make(map[string]models.Payload, len(own))
	for _, r := range own {
		ownByQuestion[r.QuestionID] = r.Payload
	}

	minCount := b.minCount
	if study.Config.FeedbackMinCount > 0 {
		minCount = study.Config.FeedbackMinCount
	}

	for _, questionID := range round.QuestionIDs {
		question, ok := study.QuestionByID(questionID)
		if !ok {
			continue
		}
		entry := models.QuestionFeedback{QuestionID: questionID, Prompt: question.Prompt}
		if agg, ok := byQuestion[questionID]; ok {
			if agg.Count >= minCount {
				snapshot := agg
				entry.Group = &snapshot
			} else {
				entry.Suppressed = true
			}
		}
		if payload, ok := ownByQuestion[questionID]; ok {
			p := payload
			entry.Own = &p
		}
		pkg.Questions = append(pkg.Questions, entry)
	}

	if !decision.Stop {
		pkg.NextQuestionIDs = NextQuestionSet(study.Mode, round.QuestionIDs, decision)
	}

	return pkg
}

// NextQuestionSet reduces the question subset for the following round. In
// sequential mode, questions that already converged are dropped from
// re-asking; the remainder is carried verbatim. Realtime rounds keep the
// full set. If reduction would empty the set the full set is kept, since the
// evaluator decided the study should continue.
func NextQuestionSet(mode models.Mode, questionIDs []string, decision models.Decision) []string {
	if mode != models.ModeSequential || len(decision.ConvergedQuestionIDs) == 0 {
		return append([]string(nil), questionIDs...)
	}

	converged := make(map[string]struct{}, len(decision.ConvergedQuestionIDs))
	for _, id := range decision.ConvergedQuestionIDs {
		converged[id] = struct{}{}
	}

	remaining := make([]string, 0, len(questionIDs))
	for _, id := range questionIDs {
		if _, ok := converged[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return append([]string(nil), questionIDs...)
	}
	return remaining
}
