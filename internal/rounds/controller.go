package rounds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consensuslab/delphi-engine/internal/engine"
	"github.com/consensuslab/delphi-engine/internal/metrics"
	"github.com/consensuslab/delphi-engine/internal/models"
	"github.com/consensuslab/delphi-engine/internal/repo"
	"github.com/consensuslab/delphi-engine/internal/utils"
)

// Roster resolves the invited participant set for a study. The engine never
// authors rosters; it only counts heads for quorum.
type Roster interface {
	InvitedParticipants(ctx context.Context, studyID string) ([]string, error)
}

// Notifier pushes round lifecycle events to the collaboration platform so
// participants learn a new round opened or the study finished. Delivery is
// best effort; a failed notification never blocks the lifecycle.
type Notifier interface {
	RoundAdvanced(ctx context.Context, study *models.Study, round *models.Round) error
	StudyFinalized(ctx context.Context, study *models.Study) error
}

// Publisher receives the closing decision of a round so live subscribers see
// the study advance without polling.
type Publisher interface {
	PublishDecision(roundID string, decision models.Decision)
}

// Controller owns the round lifecycle: opening rounds, gating transitions,
// and running the aggregate-evaluate-advance sequence when a round closes.
// A per-round mutex serialises close attempts, so the timer firing while an
// operator force-closes the same round resolves to one aggregation run and
// one no-op.
type Controller struct {
	logger     *slog.Logger
	store      repo.Store
	aggregator *engine.Aggregator
	evaluator  *engine.Evaluator
	roster     Roster
	notifier   Notifier
	publisher  Publisher
	latency    *utils.LatencyTracker

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	timers map[string]*time.Timer
}

// NewController wires the lifecycle controller. roster, notifier, and
// publisher may be nil; the corresponding behaviour is skipped.
func NewController(
	logger *slog.Logger,
	store repo.Store,
	aggregator *engine.Aggregator,
	evaluator *engine.Evaluator,
	roster Roster,
	notifier Notifier,
	publisher Publisher,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:     logger,
		store:      store,
		aggregator: aggregator,
		evaluator:  evaluator,
		roster:     roster,
		notifier:   notifier,
		publisher:  publisher,
		latency:    utils.NewLatencyTracker(256),
		locks:      make(map[string]*sync.Mutex),
		timers:     make(map[string]*time.Timer),
	}
}

// OpenStudy moves a draft study to open and starts round 1 over the full
// question set.
func (c *Controller) OpenStudy(ctx context.Context, studyID string) (*models.Round, error) {
	study, err := c.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if study.Status != models.StudyDraft {
		return nil, fmt.Errorf("%w: study %s is %s, only draft studies open", models.ErrInvalidTransition, study.ID, study.Status)
	}
	if len(study.Questions) == 0 {
		return nil, fmt.Errorf("%w: study %s has no questions", models.ErrSchemaMismatch, study.ID)
	}
	for _, q := range study.Questions {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrSchemaMismatch, err)
		}
	}
	if err := study.Config.Validate(study.Mode); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaMismatch, err)
	}

	study.Status = models.StudyOpen
	questionIDs := make([]string, len(study.Questions))
	for i, q := range study.Questions {
		questionIDs[i] = q.ID
	}
	return c.openRound(ctx, study, 1, questionIDs)
}

// CloseRound drives a round through aggregating to closed and returns the
// evaluator's decision. Calling it on an already closed round is a no-op that
// reports the stored outcome. A round stuck in aggregating after an earlier
// failure is retried from the aggregation step.
func (c *Controller) CloseRound(ctx context.Context, roundID string) (models.Decision, error) {
	lock := c.roundLock(roundID)
	lock.Lock()
	defer lock.Unlock()

	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return models.Decision{}, err
	}

	switch round.Status {
	case models.RoundClosed:
		return c.storedDecision(ctx, round)
	case models.RoundCollecting:
		round.Status = models.RoundAggregating
		if err := c.store.UpdateRound(ctx, round); err != nil {
			return models.Decision{}, err
		}
	case models.RoundAggregating:
		// Retry path after a failed aggregation.
	}

	return c.aggregate(ctx, round)
}

// Shutdown cancels pending session deadline timers.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}

// aggregate runs the full close sequence. Any error before the round is
// marked closed leaves it in aggregating so the next trigger retries.
func (c *Controller) aggregate(ctx context.Context, round *models.Round) (models.Decision, error) {
	started := time.Now()

	study, err := c.store.GetStudy(ctx, round.StudyID)
	if err != nil {
		return models.Decision{}, err
	}

	previous, err := c.previousAggregates(ctx, round)
	if err != nil {
		return models.Decision{}, err
	}
	prevByQuestion := make(map[string]models.AggregateResult, len(previous))
	for _, agg := range previous {
		prevByQuestion[agg.QuestionID] = agg
	}

	questions := make([]models.Question, 0, len(round.QuestionIDs))
	responsesByQuestion := make(map[string][]models.Response, len(round.QuestionIDs))
	aggregates := make([]models.AggregateResult, 0, len(round.QuestionIDs))
	for _, questionID := range round.QuestionIDs {
		question, ok := study.QuestionByID(questionID)
		if !ok {
			return models.Decision{}, fmt.Errorf("%w: round %s references question %s", models.ErrQuestionNotFound, round.ID, questionID)
		}
		questions = append(questions, question)

		responses, err := c.store.ListResponses(ctx, round.ID, questionID)
		if err != nil {
			return models.Decision{}, fmt.Errorf("aggregate round %s: %w", round.ID, err)
		}
		responsesByQuestion[questionID] = responses

		agg := c.aggregator.Aggregate(round.ID, question, responses)
		if prev, ok := prevByQuestion[questionID]; ok {
			agg.Stability = c.aggregator.Stability(question, agg, prev)
		}
		aggregates = append(aggregates, agg)
	}

	invited := 0
	if c.roster != nil {
		participants, err := c.roster.InvitedParticipants(ctx, study.ID)
		if err != nil {
			// Quorum becomes unknown but aggregation still completes.
			c.logger.Warn("roster lookup failed, skipping quorum check",
				slog.String("study_id", study.ID), slog.Any("error", err))
		} else {
			invited = len(participants)
		}
	}

	roundMetrics := c.aggregator.RoundMetrics(round, questions, responsesByQuestion, aggregates, invited, study.Config.CVThreshold, study.Config.MinQuorum)

	decision, err := c.evaluator.Evaluate(aggregates, roundMetrics, previous, round.Number, study.Mode, study.Config)
	if err != nil {
		return models.Decision{}, err
	}

	if err := c.store.SaveAggregates(ctx, round.ID, aggregates, roundMetrics); err != nil {
		return models.Decision{}, fmt.Errorf("persist aggregates for round %s: %w", round.ID, err)
	}

	round.Status = models.RoundClosed
	round.ClosedAt = time.Now().UTC()
	round.LowQuorum = decision.LowQuorum
	if err := c.store.UpdateRound(ctx, round); err != nil {
		return models.Decision{}, err
	}

	c.cancelDeadline(round.ID)
	elapsed := time.Since(started)
	c.latency.Observe(elapsed)
	metrics.ObserveAggregation(elapsed)
	metrics.ObserveRoundClosed(decisionLabel(decision))

	if c.publisher != nil {
		c.publisher.PublishDecision(round.ID, decision)
	}

	c.logger.Info("round closed",
		slog.String("study_id", study.ID),
		slog.Int("round", round.Number),
		slog.Bool("stop", decision.Stop),
		slog.String("reason", string(decision.Reason)),
		slog.Float64("open_minutes", utils.DurationMinutes(round.OpenedAt, round.ClosedAt)))

	if decision.Stop {
		study.Status = models.StudyClosed
		study.StopReason = decision.Reason
		if err := c.store.UpdateStudy(ctx, study); err != nil {
			return decision, err
		}
		if c.notifier != nil {
			if err := c.notifier.StudyFinalized(ctx, study); err != nil {
				c.logger.Warn("finalize notification failed",
					slog.String("study_id", study.ID), slog.Any("error", err))
			}
		}
		return decision, nil
	}

	next := engine.NextQuestionSet(study.Mode, round.QuestionIDs, decision)
	if _, err := c.openRound(ctx, study, round.Number+1, next); err != nil {
		return decision, fmt.Errorf("open round %d: %w", round.Number+1, err)
	}
	return decision, nil
}

// openRound persists the next round and announces it. The study row is
// updated in the same call so CurrentRound tracks the open round.
func (c *Controller) openRound(ctx context.Context, study *models.Study, number int, questionIDs []string) (*models.Round, error) {
	round := &models.Round{
		ID:          uuid.NewString(),
		StudyID:     study.ID,
		Number:      number,
		Status:      models.RoundCollecting,
		QuestionIDs: questionIDs,
		OpenedAt:    time.Now().UTC(),
	}
	if err := c.store.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("create round %d: %w", number, err)
	}

	study.CurrentRound = number
	if err := c.store.UpdateStudy(ctx, study); err != nil {
		return nil, err
	}

	if study.Mode == models.ModeRealtime && study.Config.SessionDuration > 0 {
		c.scheduleDeadline(round.ID, study.Config.SessionDuration)
	}

	if c.notifier != nil {
		if err := c.notifier.RoundAdvanced(ctx, study, round); err != nil {
			c.logger.Warn("round notification failed",
				slog.String("study_id", study.ID), slog.Int("round", number), slog.Any("error", err))
		}
	}

	c.logger.Info("round opened",
		slog.String("study_id", study.ID),
		slog.Int("round", number),
		slog.Int("questions", len(questionIDs)))
	return round, nil
}

// previousAggregates loads the prior round's stored aggregates, or nil for
// round 1.
func (c *Controller) previousAggregates(ctx context.Context, round *models.Round) ([]models.AggregateResult, error) {
	if round.Number <= 1 {
		return nil, nil
	}
	all, err := c.store.ListRounds(ctx, round.StudyID)
	if err != nil {
		return nil, err
	}
	for _, prior := range all {
		if prior.Number == round.Number-1 {
			aggregates, _, err := c.store.GetAggregates(ctx, prior.ID)
			if err != nil {
				return nil, err
			}
			return aggregates, nil
		}
	}
	return nil, fmt.Errorf("%w: round %d of study %s", models.ErrRoundNotFound, round.Number-1, round.StudyID)
}

// storedDecision reconstructs the outcome of an already closed round from
// persisted state, keeping CloseRound idempotent.
func (c *Controller) storedDecision(ctx context.Context, round *models.Round) (models.Decision, error) {
	study, err := c.store.GetStudy(ctx, round.StudyID)
	if err != nil {
		return models.Decision{}, err
	}
	aggregates, _, err := c.store.GetAggregates(ctx, round.ID)
	if err != nil {
		return models.Decision{}, err
	}
	decision := models.Decision{
		LowQuorum:            round.LowQuorum,
		ConvergedQuestionIDs: engine.ConvergedQuestionIDs(aggregates, study.Config.CVThreshold),
	}
	if study.Status == models.StudyClosed && study.CurrentRound == round.Number {
		decision.Stop = true
		decision.Reason = study.StopReason
	}
	return decision, nil
}

func (c *Controller) roundLock(roundID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[roundID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[roundID] = lock
	}
	return lock
}

// scheduleDeadline arms the session timer that auto-closes a realtime round.
func (c *Controller) scheduleDeadline(roundID string, after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[roundID] = time.AfterFunc(after, func() {
		if _, err := c.CloseRound(context.Background(), roundID); err != nil {
			c.logger.Error("session deadline close failed",
				slog.String("round_id", roundID), slog.Any("error", err))
		}
	})
}

func (c *Controller) cancelDeadline(roundID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[roundID]; ok {
		timer.Stop()
		delete(c.timers, roundID)
	}
}

// AggregationPercentile exposes recent close latency for status endpoints.
func (c *Controller) AggregationPercentile(p float64) time.Duration {
	return c.latency.Percentile(p)
}

func decisionLabel(decision models.Decision) string {
	if decision.Stop {
		return string(decision.Reason)
	}
	return "continue"
}
