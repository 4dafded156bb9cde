package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consensuslab/delphi-engine/internal/collab"
	"github.com/consensuslab/delphi-engine/internal/config"
	"github.com/consensuslab/delphi-engine/internal/engine"
	"github.com/consensuslab/delphi-engine/internal/models"
	"github.com/consensuslab/delphi-engine/internal/realtime"
	"github.com/consensuslab/delphi-engine/internal/repo"
	"github.com/consensuslab/delphi-engine/internal/rounds"
)

func testDefaults() config.DefaultsConfig {
	return config.DefaultsConfig{
		MaxRounds:          3,
		CVThreshold:        0.5,
		StabilityThreshold: 0.9,
		MinQuorum:          0.5,
		FeedbackMinCount:   3,
		SessionDuration:    30 * time.Minute,
	}
}

func newTestService(t *testing.T, roster rounds.Roster) (*StudyService, repo.Store) {
	t.Helper()
	store := repo.NewMemoryStore()
	broadcaster := realtime.NewBroadcaster(nil)
	aggregator := engine.NewAggregator()
	controller := rounds.NewController(nil, store, aggregator, engine.NewEvaluator(nil), roster, collab.NoopNotifier{}, broadcaster)
	t.Cleanup(controller.Shutdown)

	service := NewStudyService(StudyServiceOptions{
		Store:       store,
		Controller:  controller,
		Aggregator:  aggregator,
		Feedback:    engine.NewFeedbackBuilder(3),
		Broadcaster: broadcaster,
		Roster:      roster,
		Defaults:    testDefaults(),
		Debounce:    5 * time.Millisecond,
	})
	t.Cleanup(service.Shutdown)
	return service, store
}

func numericQuestion(id string) models.Question {
	return models.Question{ID: id, Prompt: "estimate", Type: models.QuestionNumericScale, Min: 0, Max: 10, Step: 1}
}

func TestCreateStudyAppliesDefaults(t *testing.T) {
	service, _ := newTestService(t, nil)

	study, err := service.CreateStudy(context.Background(), models.CreateStudyRequest{
		Title:     "adoption horizons",
		Questions: []models.Question{numericQuestion("q1")},
	})
	if err != nil {
		t.Fatalf("create study: %v", err)
	}
	if study.Mode != models.ModeSequential {
		t.Fatalf("expected sequential default, got %s", study.Mode)
	}
	if study.Config.MaxRounds != 3 || study.Config.CVThreshold != 0.5 {
		t.Fatalf("defaults not applied: %+v", study.Config)
	}
	if study.Status != models.StudyDraft {
		t.Fatalf("new study must be draft, got %s", study.Status)
	}
	if study.ID == "" {
		t.Fatal("expected generated ID")
	}
}

func TestCreateStudyRejectsBadRequests(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  models.CreateStudyRequest
	}{
		{"missing title", models.CreateStudyRequest{Questions: []models.Question{numericQuestion("q1")}}},
		{"no questions", models.CreateStudyRequest{Title: "t"}},
		{"unknown mode", models.CreateStudyRequest{Title: "t", Mode: "hybrid", Questions: []models.Question{numericQuestion("q1")}}},
		{"bad question", models.CreateStudyRequest{Title: "t", Questions: []models.Question{
			{ID: "q1", Prompt: "p", Type: models.QuestionNumericScale, Min: 5, Max: 5},
		}}},
	}
	for _, tc := range cases {
		if _, err := service.CreateStudy(ctx, tc.req); !errors.Is(err, models.ErrSchemaMismatch) {
			t.Fatalf("%s: expected ErrSchemaMismatch, got %v", tc.name, err)
		}
	}
}

func openTestStudy(t *testing.T, service *StudyService) (*models.Study, *models.Round) {
	t.Helper()
	ctx := context.Background()
	study, err := service.CreateStudy(ctx, models.CreateStudyRequest{
		Title:     "test",
		Questions: []models.Question{numericQuestion("q1")},
	})
	if err != nil {
		t.Fatalf("create study: %v", err)
	}
	round, err := service.OpenStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("open study: %v", err)
	}
	return study, round
}

func TestSubmitResponseLifecycle(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	_, round := openTestStudy(t, service)

	value := 5.0
	req := models.SubmitResponseRequest{
		QuestionID:    "q1",
		ParticipantID: "p1",
		Payload:       models.Payload{Number: &value},
	}
	if err := service.SubmitResponse(ctx, round.ID, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Second write for the same key loses.
	other := 9.0
	req.Payload.Number = &other
	err := service.SubmitResponse(ctx, round.ID, req)
	if !errors.Is(err, models.ErrDuplicateResponse) {
		t.Fatalf("expected ErrDuplicateResponse, got %v", err)
	}

	// Out-of-range payload is a schema mismatch.
	bad := 42.0
	err = service.SubmitResponse(ctx, round.ID, models.SubmitResponseRequest{
		QuestionID: "q1", ParticipantID: "p2", Payload: models.Payload{Number: &bad},
	})
	if !errors.Is(err, models.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}

	// Unknown question.
	err = service.SubmitResponse(ctx, round.ID, models.SubmitResponseRequest{
		QuestionID: "nope", ParticipantID: "p2", Payload: models.Payload{Number: &value},
	})
	if !errors.Is(err, models.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

func TestSubmitResponseEnforcesRoster(t *testing.T) {
	roster := collab.NewStaticRoster(nil)
	service, _ := newTestService(t, roster)
	_, round := openTestStudy(t, service)

	// Empty roster disables the check.
	value := 5.0
	err := service.SubmitResponse(context.Background(), round.ID, models.SubmitResponseRequest{
		QuestionID: "q1", ParticipantID: "anyone", Payload: models.Payload{Number: &value},
	})
	if err != nil {
		t.Fatalf("empty roster should accept, got %v", err)
	}
}

func TestSubmitResponseRejectsUninvited(t *testing.T) {
	store := repo.NewMemoryStore()
	// Roster is keyed by study ID; seed it after the study exists.
	rosterMap := map[string][]string{}
	roster := collab.NewStaticRoster(rosterMap)
	broadcaster := realtime.NewBroadcaster(nil)
	aggregator := engine.NewAggregator()
	controller := rounds.NewController(nil, store, aggregator, engine.NewEvaluator(nil), roster, collab.NoopNotifier{}, broadcaster)
	t.Cleanup(controller.Shutdown)
	service := NewStudyService(StudyServiceOptions{
		Store: store, Controller: controller, Aggregator: aggregator,
		Feedback: engine.NewFeedbackBuilder(3), Broadcaster: broadcaster,
		Roster: roster, Defaults: testDefaults(), Debounce: 5 * time.Millisecond,
	})
	t.Cleanup(service.Shutdown)

	study, round := openTestStudy(t, service)
	rosterMap[study.ID] = []string{"p1", "p2"}

	value := 5.0
	err := service.SubmitResponse(context.Background(), round.ID, models.SubmitResponseRequest{
		QuestionID: "q1", ParticipantID: "intruder", Payload: models.Payload{Number: &value},
	})
	if !errors.Is(err, models.ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestFeedbackOnlyAfterClose(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	_, round := openTestStudy(t, service)

	if _, err := service.GetFeedback(ctx, round.ID, "p1"); err == nil {
		t.Fatal("feedback before close must fail")
	}

	for i, participant := range []string{"p1", "p2", "p3"} {
		value := float64(3 + i*2)
		if err := service.SubmitResponse(ctx, round.ID, models.SubmitResponseRequest{
			QuestionID: "q1", ParticipantID: participant, Payload: models.Payload{Number: &value},
		}); err != nil {
			t.Fatalf("submit %s: %v", participant, err)
		}
	}

	if _, err := service.ForceCloseRound(ctx, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	pkg, err := service.GetFeedback(ctx, round.ID, "p1")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if len(pkg.Questions) != 1 {
		t.Fatalf("expected one question entry, got %d", len(pkg.Questions))
	}
	entry := pkg.Questions[0]
	if entry.Group == nil || entry.Suppressed {
		t.Fatalf("three responses meet the minimum, got %+v", entry)
	}
	if entry.Own == nil || *entry.Own.Number != 3 {
		t.Fatalf("expected own answer 3, got %+v", entry.Own)
	}
}

func TestRealtimeSubmissionTriggersBroadcast(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	study, err := service.CreateStudy(ctx, models.CreateStudyRequest{
		Title:     "live",
		Mode:      models.ModeRealtime,
		Questions: []models.Question{numericQuestion("q1")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if study.Config.SessionDuration != 30*time.Minute {
		t.Fatalf("session duration default not applied: %v", study.Config.SessionDuration)
	}
	round, err := service.OpenStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	snapshots, cancel := service.Broadcaster().Subscribe(round.ID)
	defer cancel()

	value := 5.0
	if err := service.SubmitResponse(ctx, round.ID, models.SubmitResponseRequest{
		QuestionID: "q1", ParticipantID: "p1", Payload: models.Payload{Number: &value},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case snapshot := <-snapshots:
		if snapshot.RoundID != round.ID || len(snapshot.Aggregates) != 1 {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
		if snapshot.Aggregates[0].Count != 1 {
			t.Fatalf("expected live count 1, got %d", snapshot.Aggregates[0].Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live snapshot after submission")
	}
}

func TestGetStudyStatusHistory(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	study, round := openTestStudy(t, service)

	for i, participant := range []string{"p1", "p2"} {
		value := float64(1 + i*8)
		if err := service.SubmitResponse(ctx, round.ID, models.SubmitResponseRequest{
			QuestionID: "q1", ParticipantID: participant, Payload: models.Payload{Number: &value},
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := service.ForceCloseRound(ctx, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	summary, err := service.GetStudyStatus(ctx, study.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if summary.CurrentRound != 2 {
		t.Fatalf("expected round 2 open, got %d", summary.CurrentRound)
	}
	if len(summary.Rounds) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(summary.Rounds))
	}
	if summary.Rounds[0].Responses != 2 || summary.Rounds[0].Status != models.RoundClosed {
		t.Fatalf("unexpected first round entry: %+v", summary.Rounds[0])
	}
}
