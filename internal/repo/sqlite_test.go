package repo

import (
	"context"
	"testing"
	"time"

	"github.com/consensuslab/delphi-engine/internal/models"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, newTestSQLiteStore)
}

func TestSQLiteStudyRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	defer store.Close()
	ctx := context.Background()

	study := &models.Study{
		ID:     "s1",
		Title:  "clinical ai adoption",
		Mode:   models.ModeRealtime,
		Status: models.StudyDraft,
		Config: models.StudyConfig{
			CVThreshold: 0.5, StabilityThreshold: 0.9, MinQuorum: 0.5,
			SessionDuration: 30 * time.Minute,
		},
		Questions: []models.Question{
			{ID: "q1", Prompt: "impact", Type: models.QuestionLikert, Min: 1, Max: 5, Step: 1},
			{
				ID: "q2", Prompt: "barrier", Type: models.QuestionMultipleChoice,
				Options: []models.Option{{ID: "cost", Label: "Cost"}, {ID: "trust", Label: "Trust"}},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateStudy(ctx, study); err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := store.GetStudy(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Mode != models.ModeRealtime || loaded.Config.SessionDuration != 30*time.Minute {
		t.Fatalf("config lost in round trip: %+v", loaded.Config)
	}
	if len(loaded.Questions) != 2 || len(loaded.Questions[1].Options) != 2 {
		t.Fatalf("questions lost in round trip: %+v", loaded.Questions)
	}

	loaded.Status = models.StudyOpen
	loaded.CurrentRound = 1
	if err := store.UpdateStudy(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := store.GetStudy(ctx, "s1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.Status != models.StudyOpen || again.CurrentRound != 1 {
		t.Fatalf("update not persisted: %+v", again)
	}
}

func TestSQLiteListRoundsOrdered(t *testing.T) {
	store := newTestSQLiteStore(t)
	defer store.Close()
	ctx := context.Background()

	study := &models.Study{
		ID: "s1", Title: "t", Mode: models.ModeSequential, Status: models.StudyOpen,
		Config:    models.StudyConfig{MaxRounds: 3, CVThreshold: 0.5, StabilityThreshold: 0.9},
		Questions: []models.Question{{ID: "q1", Prompt: "p", Type: models.QuestionOpenText}},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateStudy(ctx, study); err != nil {
		t.Fatalf("create study: %v", err)
	}
	for i := 3; i >= 1; i-- {
		round := &models.Round{
			ID: "r" + string(rune('0'+i)), StudyID: "s1", Number: i,
			Status: models.RoundClosed, QuestionIDs: []string{"q1"}, OpenedAt: time.Now().UTC(),
		}
		if err := store.CreateRound(ctx, round); err != nil {
			t.Fatalf("create round %d: %v", i, err)
		}
	}

	rounds, err := store.ListRounds(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(rounds))
	}
	for i, round := range rounds {
		if round.Number != i+1 {
			t.Fatalf("rounds out of order: %v", rounds)
		}
	}
}
