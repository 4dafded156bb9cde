package engine

import (
	"testing"

	"github.com/consensuslab/delphi-engine/internal/models"
)

func feedbackStudy() *models.Study {
	return &models.Study{
		ID:   "s1",
		Mode: models.ModeSequential,
		Config: models.StudyConfig{
			MaxRounds: 3, CVThreshold: 0.5, StabilityThreshold: 0.9, FeedbackMinCount: 3,
		},
		Questions: []models.Question{
			{ID: "q1", Prompt: "estimate", Type: models.QuestionNumericScale, Min: 0, Max: 10},
			{ID: "q2", Prompt: "rate", Type: models.QuestionLikert, Min: 1, Max: 5},
		},
	}
}

func TestFeedbackSuppressesSmallGroups(t *testing.T) {
	builder := NewFeedbackBuilder(3)
	study := feedbackStudy()
	round := &models.Round{ID: "r1", StudyID: "s1", Number: 1, QuestionIDs: []string{"q1", "q2"}}

	aggregates := []models.AggregateResult{
		{RoundID: "r1", QuestionID: "q1", Count: 5, CV: models.Metric(0.3)},
		{RoundID: "r1", QuestionID: "q2", Count: 2, CV: models.Undefined()},
	}

	pkg := builder.Build(study, round, aggregates, nil, models.Decision{})
	if len(pkg.Questions) != 2 {
		t.Fatalf("expected 2 question entries, got %d", len(pkg.Questions))
	}
	if pkg.Questions[0].Group == nil || pkg.Questions[0].Suppressed {
		t.Fatal("well-populated aggregate must be visible")
	}
	if pkg.Questions[1].Group != nil || !pkg.Questions[1].Suppressed {
		t.Fatal("aggregate under the minimum count must be suppressed")
	}
}

func TestFeedbackIncludesOwnResponses(t *testing.T) {
	builder := NewFeedbackBuilder(3)
	study := feedbackStudy()
	round := &models.Round{ID: "r1", StudyID: "s1", Number: 1, QuestionIDs: []string{"q1", "q2"}}

	value := 7.0
	own := []models.Response{
		{RoundID: "r1", QuestionID: "q1", ParticipantID: "p1", Payload: models.Payload{Number: &value}},
	}

	pkg := builder.Build(study, round, nil, own, models.Decision{})
	if pkg.Questions[0].Own == nil || *pkg.Questions[0].Own.Number != 7 {
		t.Fatalf("expected own answer echoed back, got %+v", pkg.Questions[0].Own)
	}
	if pkg.Questions[1].Own != nil {
		t.Fatal("unanswered question must carry no own payload")
	}
}

func TestFeedbackNextQuestionsOmittedAfterStop(t *testing.T) {
	builder := NewFeedbackBuilder(3)
	study := feedbackStudy()
	round := &models.Round{ID: "r1", StudyID: "s1", Number: 3, QuestionIDs: []string{"q1", "q2"}}

	pkg := builder.Build(study, round, nil, nil, models.Decision{Stop: true, Reason: models.StopConsensusReached})
	if pkg.NextQuestionIDs != nil {
		t.Fatalf("stopped study must not announce a next round, got %v", pkg.NextQuestionIDs)
	}
}

func TestNextQuestionSetDropsConverged(t *testing.T) {
	decision := models.Decision{ConvergedQuestionIDs: []string{"q1"}}
	next := NextQuestionSet(models.ModeSequential, []string{"q1", "q2", "q3"}, decision)
	if len(next) != 2 || next[0] != "q2" || next[1] != "q3" {
		t.Fatalf("expected converged question dropped, got %v", next)
	}
}

func TestNextQuestionSetKeepsFullSetWhenEmptied(t *testing.T) {
	decision := models.Decision{ConvergedQuestionIDs: []string{"q1", "q2"}}
	next := NextQuestionSet(models.ModeSequential, []string{"q1", "q2"}, decision)
	if len(next) != 2 {
		t.Fatalf("emptied reduction must fall back to the full set, got %v", next)
	}
}

func TestNextQuestionSetRealtimeKeepsAll(t *testing.T) {
	decision := models.Decision{ConvergedQuestionIDs: []string{"q1"}}
	next := NextQuestionSet(models.ModeRealtime, []string{"q1", "q2"}, decision)
	if len(next) != 2 {
		t.Fatalf("realtime rounds keep the full set, got %v", next)
	}
}
