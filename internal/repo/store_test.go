package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// runStoreConformance exercises the invariants every Store implementation
// must uphold: first-submission-wins, the collecting-only write gate, and
// gapless round numbering.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	seed := func(t *testing.T) (Store, *models.Study, *models.Round) {
		t.Helper()
		store := newStore(t)
		study := &models.Study{
			ID:     "s1",
			Title:  "adoption horizons",
			Mode:   models.ModeSequential,
			Status: models.StudyOpen,
			Config: models.StudyConfig{
				MaxRounds: 3, CVThreshold: 0.5, StabilityThreshold: 0.9, MinQuorum: 0.5,
			},
			Questions: []models.Question{
				{ID: "q1", Prompt: "estimate", Type: models.QuestionNumericScale, Min: 0, Max: 10},
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateStudy(ctx, study); err != nil {
			t.Fatalf("create study: %v", err)
		}
		round := &models.Round{
			ID:          "r1",
			StudyID:     study.ID,
			Number:      1,
			Status:      models.RoundCollecting,
			QuestionIDs: []string{"q1"},
			OpenedAt:    time.Now().UTC(),
		}
		if err := store.CreateRound(ctx, round); err != nil {
			t.Fatalf("create round: %v", err)
		}
		return store, study, round
	}

	response := func(participant string, value float64) models.Response {
		return models.Response{
			RoundID:       "r1",
			QuestionID:    "q1",
			ParticipantID: participant,
			Payload:       models.Payload{Number: &value},
			SubmittedAt:   time.Now().UTC(),
		}
	}

	t.Run("first submission wins", func(t *testing.T) {
		store, _, _ := seed(t)
		defer store.Close()

		if err := store.InsertResponse(ctx, response("p1", 4)); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		err := store.InsertResponse(ctx, response("p1", 9))
		if !errors.Is(err, models.ErrDuplicateResponse) {
			t.Fatalf("expected ErrDuplicateResponse, got %v", err)
		}

		stored, err := store.ListResponses(ctx, "r1", "q1")
		if err != nil {
			t.Fatalf("list responses: %v", err)
		}
		if len(stored) != 1 {
			t.Fatalf("expected exactly one stored response, got %d", len(stored))
		}
		if *stored[0].Payload.Number != 4 {
			t.Fatalf("duplicate must not overwrite, got %v", *stored[0].Payload.Number)
		}
	})

	t.Run("closed round rejects submissions", func(t *testing.T) {
		store, _, round := seed(t)
		defer store.Close()

		if err := store.InsertResponse(ctx, response("p1", 4)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		round.Status = models.RoundAggregating
		if err := store.UpdateRound(ctx, round); err != nil {
			t.Fatalf("update round: %v", err)
		}

		err := store.InsertResponse(ctx, response("p2", 5))
		if !errors.Is(err, models.ErrRoundClosed) {
			t.Fatalf("expected ErrRoundClosed, got %v", err)
		}

		count, err := store.CountResponses(ctx, round.ID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 1 {
			t.Fatalf("rejected write must leave count unchanged, got %d", count)
		}
	})

	t.Run("concurrent same-key submissions admit exactly one", func(t *testing.T) {
		store, _, _ := seed(t)
		defer store.Close()

		const attempts = 16
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.InsertResponse(ctx, response("p1", float64(i)))
			}(i)
		}
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, models.ErrDuplicateResponse):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if accepted != 1 {
			t.Fatalf("expected exactly one accepted write, got %d", accepted)
		}
	})

	t.Run("duplicate round numbers rejected", func(t *testing.T) {
		store, study, _ := seed(t)
		defer store.Close()

		dup := &models.Round{
			ID: "r1b", StudyID: study.ID, Number: 1,
			Status: models.RoundCollecting, QuestionIDs: []string{"q1"}, OpenedAt: time.Now().UTC(),
		}
		if err := store.CreateRound(ctx, dup); err == nil {
			t.Fatal("expected error for duplicate round number")
		}
	})

	t.Run("aggregates round trip", func(t *testing.T) {
		store, _, round := seed(t)
		defer store.Close()

		aggregates := []models.AggregateResult{
			{
				RoundID: round.ID, QuestionID: "q1", Type: models.QuestionNumericScale,
				Count:   3,
				Numeric: &models.NumericStats{Mean: 5, Median: 5, Mode: 5, StdDev: 1, Q1: 4, Q3: 6, IQR: 2},
				CV:      models.Metric(0.2), Stability: models.Undefined(),
			},
		}
		roundMetrics := models.RoundMetrics{
			RoundID: round.ID, RoundNumber: 1,
			KendallW: models.Undefined(), ConsensusPercent: 100, QuorumFraction: 0.6,
		}
		if err := store.SaveAggregates(ctx, round.ID, aggregates, roundMetrics); err != nil {
			t.Fatalf("save aggregates: %v", err)
		}

		loaded, loadedMetrics, err := store.GetAggregates(ctx, round.ID)
		if err != nil {
			t.Fatalf("get aggregates: %v", err)
		}
		if len(loaded) != 1 || loaded[0].QuestionID != "q1" || loaded[0].Numeric == nil {
			t.Fatalf("unexpected aggregates: %+v", loaded)
		}
		if float64(loaded[0].CV) != 0.2 {
			t.Fatalf("CV lost in round trip: %v", float64(loaded[0].CV))
		}
		if loaded[0].Stability.Defined() {
			t.Fatal("undefined stability must survive the round trip as undefined")
		}
		if loadedMetrics.ConsensusPercent != 100 || loadedMetrics.KendallW.Defined() {
			t.Fatalf("unexpected metrics: %+v", loadedMetrics)
		}
	})

	t.Run("unknown round reported", func(t *testing.T) {
		store, _, _ := seed(t)
		defer store.Close()

		err := store.InsertResponse(ctx, models.Response{
			RoundID: "missing", QuestionID: "q1", ParticipantID: "p1",
		})
		if !errors.Is(err, models.ErrRoundNotFound) {
			t.Fatalf("expected ErrRoundNotFound, got %v", err)
		}
	})
}

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}
