package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/consensuslab/delphi-engine/internal/config"
	"github.com/consensuslab/delphi-engine/internal/engine"
	"github.com/consensuslab/delphi-engine/internal/metrics"
	"github.com/consensuslab/delphi-engine/internal/models"
	"github.com/consensuslab/delphi-engine/internal/realtime"
	"github.com/consensuslab/delphi-engine/internal/repo"
	"github.com/consensuslab/delphi-engine/internal/rounds"
	"github.com/consensuslab/delphi-engine/internal/utils"
)

// QuestionSource fetches the authored question bank when a create request
// omits inline questions.
type QuestionSource interface {
	QuestionSet(ctx context.Context, studyID string) ([]models.Question, error)
}

// StudyService is the orchestration facade the transport layer talks to. It
// validates submissions on the hot path, delegates lifecycle to the round
// controller, and drives the debounced live-aggregate push for realtime
// studies.
type StudyService struct {
	logger      *slog.Logger
	store       repo.Store
	controller  *rounds.Controller
	aggregator  *engine.Aggregator
	feedback    *engine.FeedbackBuilder
	broadcaster *realtime.Broadcaster
	debouncer   *realtime.Debouncer
	roster      rounds.Roster
	questions   QuestionSource
	defaults    config.DefaultsConfig
	latencies   *utils.LatencyTracker
}

// StudyServiceOptions carries the collaborators for NewStudyService. roster
// and questions may be nil.
type StudyServiceOptions struct {
	Logger      *slog.Logger
	Store       repo.Store
	Controller  *rounds.Controller
	Aggregator  *engine.Aggregator
	Feedback    *engine.FeedbackBuilder
	Broadcaster *realtime.Broadcaster
	Roster      rounds.Roster
	Questions   QuestionSource
	Defaults    config.DefaultsConfig
	Debounce    time.Duration
}

// NewStudyService constructs the facade.
func NewStudyService(opts StudyServiceOptions) *StudyService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &StudyService{
		logger:      opts.Logger,
		store:       opts.Store,
		controller:  opts.Controller,
		aggregator:  opts.Aggregator,
		feedback:    opts.Feedback,
		broadcaster: opts.Broadcaster,
		roster:      opts.Roster,
		questions:   opts.Questions,
		defaults:    opts.Defaults.Normalize(),
		latencies:   utils.NewLatencyTracker(1024),
	}
	s.debouncer = realtime.NewDebouncer(opts.Debounce, s.recomputeLive)
	return s
}

// Broadcaster exposes the live snapshot hub for transport subscriptions.
func (s *StudyService) Broadcaster() *realtime.Broadcaster { return s.broadcaster }

// Shutdown stops pending debounced recomputations.
func (s *StudyService) Shutdown() {
	if s.debouncer != nil {
		s.debouncer.Stop()
	}
}

// CreateStudy registers a draft study, filling unset thresholds from the
// configured defaults and fetching questions from the collaboration platform
// when the request carries none.
func (s *StudyService) CreateStudy(ctx context.Context, req models.CreateStudyRequest) (*models.Study, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrSchemaMismatch)
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeSequential
	}
	if mode != models.ModeSequential && mode != models.ModeRealtime {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrSchemaMismatch, mode)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	questions := req.Questions
	if len(questions) == 0 && s.questions != nil && req.ID != "" {
		fetched, err := s.questions.QuestionSet(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch question bank: %w", err)
		}
		questions = fetched
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: study needs at least one question", models.ErrSchemaMismatch)
	}
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrSchemaMismatch, err)
		}
	}

	cfg := s.applyDefaults(req.Config, mode)
	if err := cfg.Validate(mode); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaMismatch, err)
	}

	study := &models.Study{
		ID:        id,
		Title:     req.Title,
		Mode:      mode,
		Status:    models.StudyDraft,
		Config:    cfg,
		Questions: questions,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateStudy(ctx, study); err != nil {
		return nil, err
	}

	s.logger.Info("study created",
		slog.String("study_id", study.ID),
		slog.String("mode", string(study.Mode)),
		slog.Int("questions", len(study.Questions)))
	return study, nil
}

// OpenStudy starts round 1 of a draft study.
func (s *StudyService) OpenStudy(ctx context.Context, studyID string) (*models.Round, error) {
	return s.controller.OpenStudy(ctx, studyID)
}

// GetStudy loads a study by ID.
func (s *StudyService) GetStudy(ctx context.Context, studyID string) (*models.Study, error) {
	return s.store.GetStudy(ctx, studyID)
}

// ListStudies returns summaries of every known study, newest first.
func (s *StudyService) ListStudies(ctx context.Context) ([]models.StudySummary, error) {
	studies, err := s.store.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.StudySummary, 0, len(studies))
	for _, study := range studies {
		summary, err := s.summarize(ctx, study, false)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetStudyStatus returns the study summary with its full round history.
func (s *StudyService) GetStudyStatus(ctx context.Context, studyID string) (models.StudySummary, error) {
	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return models.StudySummary{}, err
	}
	return s.summarize(ctx, study, true)
}

// SubmitResponse validates and records one expert answer. The store enforces
// first-submission-wins; accepted writes on realtime studies schedule a
// debounced live recomputation off the submission path.
func (s *StudyService) SubmitResponse(ctx context.Context, roundID string, req models.SubmitResponseRequest) error {
	start := time.Now()
	err := s.submitResponse(ctx, roundID, req)
	s.latencies.Observe(time.Since(start))

	switch {
	case err == nil:
		metrics.ObserveSubmission(metrics.OutcomeAccepted)
	case errors.Is(err, models.ErrDuplicateResponse):
		metrics.ObserveSubmission(metrics.OutcomeDuplicate)
	case models.IsValidation(err) || models.IsState(err) || models.IsNotFound(err):
		metrics.ObserveSubmission(metrics.OutcomeRejected)
	default:
		metrics.ObserveSubmission(metrics.OutcomeError)
	}

	if count := s.latencies.Count(); count >= 50 && count%50 == 0 {
		s.logger.Debug("submission latency",
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return err
}

func (s *StudyService) submitResponse(ctx context.Context, roundID string, req models.SubmitResponseRequest) error {
	if req.QuestionID == "" || req.ParticipantID == "" {
		return fmt.Errorf("%w: questionId and participantId are required", models.ErrSchemaMismatch)
	}

	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return err
	}
	study, err := s.store.GetStudy(ctx, round.StudyID)
	if err != nil {
		return err
	}
	if study.Status != models.StudyOpen {
		return fmt.Errorf("%w: study %s is %s", models.ErrStudyNotOpen, study.ID, study.Status)
	}
	if !round.HasQuestion(req.QuestionID) {
		return fmt.Errorf("%w: question %s in round %d", models.ErrQuestionNotFound, req.QuestionID, round.Number)
	}
	question, ok := study.QuestionByID(req.QuestionID)
	if !ok {
		return fmt.Errorf("%w: question %s", models.ErrQuestionNotFound, req.QuestionID)
	}
	if err := question.ValidatePayload(req.Payload); err != nil {
		return err
	}

	if s.roster != nil {
		invited, err := s.roster.InvitedParticipants(ctx, study.ID)
		if err != nil {
			// Roster outage must not block submissions; quorum is checked at
			// close time anyway.
			s.logger.Warn("roster lookup failed, accepting submission unchecked",
				slog.String("study_id", study.ID), slog.Any("error", err))
		} else if len(invited) > 0 && !contains(invited, req.ParticipantID) {
			return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, req.ParticipantID)
		}
	}

	response := models.Response{
		RoundID:       round.ID,
		QuestionID:    req.QuestionID,
		ParticipantID: req.ParticipantID,
		Payload:       req.Payload,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertResponse(ctx, response); err != nil {
		return err
	}

	if study.Mode == models.ModeRealtime {
		s.debouncer.Trigger(round.ID)
	}
	return nil
}

// GetFeedback assembles the anonymized feedback package for one participant
// from a closed round.
func (s *StudyService) GetFeedback(ctx context.Context, roundID, participantID string) (models.FeedbackPackage, error) {
	if participantID == "" {
		return models.FeedbackPackage{}, fmt.Errorf("%w: participant is required", models.ErrSchemaMismatch)
	}

	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return models.FeedbackPackage{}, err
	}
	if round.Status != models.RoundClosed {
		return models.FeedbackPackage{}, fmt.Errorf("%w: feedback is available once round %d closes, it is %s",
			models.ErrInvalidTransition, round.Number, round.Status)
	}

	study, err := s.store.GetStudy(ctx, round.StudyID)
	if err != nil {
		return models.FeedbackPackage{}, err
	}
	aggregates, _, err := s.store.GetAggregates(ctx, round.ID)
	if err != nil {
		return models.FeedbackPackage{}, err
	}
	own, err := s.store.ListParticipantResponses(ctx, round.ID, participantID)
	if err != nil {
		return models.FeedbackPackage{}, err
	}

	// CloseRound on a closed round is a no-op returning the stored decision.
	decision, err := s.controller.CloseRound(ctx, round.ID)
	if err != nil {
		return models.FeedbackPackage{}, err
	}

	return s.feedback.Build(study, round, aggregates, own, decision), nil
}

// ForceCloseRound closes a collecting round on operator command.
func (s *StudyService) ForceCloseRound(ctx context.Context, roundID string) (models.Decision, error) {
	return s.controller.CloseRound(ctx, roundID)
}

// GetRound loads a round by ID.
func (s *StudyService) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	return s.store.GetRound(ctx, roundID)
}

// recomputeLive rebuilds a collecting round's aggregates and pushes them to
// live subscribers. Runs on the debouncer goroutine, decoupled from the
// submission path; failures are logged and the next trigger retries.
func (s *StudyService) recomputeLive(roundID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		s.logger.Warn("live recompute: round lookup failed", slog.String("round_id", roundID), slog.Any("error", err))
		return
	}
	if round.Status != models.RoundCollecting {
		return
	}
	study, err := s.store.GetStudy(ctx, round.StudyID)
	if err != nil {
		s.logger.Warn("live recompute: study lookup failed", slog.String("round_id", roundID), slog.Any("error", err))
		return
	}

	questions := make([]models.Question, 0, len(round.QuestionIDs))
	responsesByQuestion := make(map[string][]models.Response, len(round.QuestionIDs))
	aggregates := make([]models.AggregateResult, 0, len(round.QuestionIDs))
	for _, questionID := range round.QuestionIDs {
		question, ok := study.QuestionByID(questionID)
		if !ok {
			continue
		}
		questions = append(questions, question)
		responses, err := s.store.ListResponses(ctx, round.ID, questionID)
		if err != nil {
			s.logger.Warn("live recompute: response load failed", slog.String("round_id", roundID), slog.Any("error", err))
			return
		}
		responsesByQuestion[questionID] = responses
		aggregates = append(aggregates, s.aggregator.Aggregate(round.ID, question, responses))
	}

	invited := 0
	if s.roster != nil {
		if ids, err := s.roster.InvitedParticipants(ctx, study.ID); err == nil {
			invited = len(ids)
		}
	}
	roundMetrics := s.aggregator.RoundMetrics(round, questions, responsesByQuestion, aggregates, invited, study.Config.CVThreshold, study.Config.MinQuorum)

	if s.broadcaster != nil {
		s.broadcaster.Publish(realtime.Snapshot{
			RoundID:    round.ID,
			Aggregates: aggregates,
			Metrics:    roundMetrics,
		})
	}
}

// summarize builds the roster-safe study projection. ConsensusPercent comes
// from the latest closed round's stored metrics.
func (s *StudyService) summarize(ctx context.Context, study *models.Study, withRounds bool) (models.StudySummary, error) {
	summary := models.StudySummary{
		ID:           study.ID,
		Title:        study.Title,
		Mode:         study.Mode,
		Status:       study.Status,
		CurrentRound: study.CurrentRound,
		MaxRounds:    study.Config.MaxRounds,
		StopReason:   study.StopReason,
	}

	allRounds, err := s.store.ListRounds(ctx, study.ID)
	if err != nil {
		return models.StudySummary{}, err
	}
	for _, round := range allRounds {
		entry := models.RoundSummary{
			Number:    round.Number,
			Status:    round.Status,
			LowQuorum: round.LowQuorum,
			OpenedAt:  round.OpenedAt,
			ClosedAt:  round.ClosedAt,
		}
		if count, err := s.store.CountResponses(ctx, round.ID); err == nil {
			entry.Responses = count
		}
		if round.Status == models.RoundClosed {
			if _, roundMetrics, err := s.store.GetAggregates(ctx, round.ID); err == nil {
				entry.ConsensusPercent = roundMetrics.ConsensusPercent
				summary.ConsensusPercent = roundMetrics.ConsensusPercent
			}
		}
		if withRounds {
			summary.Rounds = append(summary.Rounds, entry)
		}
	}
	return summary, nil
}

// applyDefaults fills zero-valued study config fields from the configured
// defaults.
func (s *StudyService) applyDefaults(cfg models.StudyConfig, mode models.Mode) models.StudyConfig {
	if cfg.MaxRounds == 0 && mode == models.ModeSequential {
		cfg.MaxRounds = s.defaults.MaxRounds
	}
	if cfg.CVThreshold == 0 {
		cfg.CVThreshold = s.defaults.CVThreshold
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = s.defaults.StabilityThreshold
	}
	if cfg.MinQuorum == 0 {
		cfg.MinQuorum = s.defaults.MinQuorum
	}
	if cfg.FeedbackMinCount == 0 {
		cfg.FeedbackMinCount = s.defaults.FeedbackMinCount
	}
	if cfg.SessionDuration == 0 && mode == models.ModeRealtime {
		cfg.SessionDuration = s.defaults.SessionDuration
	}
	return cfg
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
