package engine

import (
	"fmt"
	"log/slog"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// Evaluator applies the study's stopping rules to a closed round's
// aggregates. Rules run in order and the first match wins:
//
//  1. round budget exhausted
//  2. consensus reached (all defined CVs at or below the threshold for two
//     consecutive rounds)
//  3. stabilized (all defined stability scores at or above the threshold for
//     two consecutive rounds)
//  4. continue
//
// Undefined metrics (NaN) mean insufficient data and never trigger a stop.
// Low quorum is surfaced on the decision but never stops a study on its own.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate decides whether the study advances past this round. previous
// holds the prior round's aggregates and is nil for round 1. A malformed
// study configuration yields an error, which the round controller treats as
// a recoverable aggregation failure.
func (e *Evaluator) Evaluate(
	current []models.AggregateResult,
	metrics models.RoundMetrics,
	previous []models.AggregateResult,
	roundNumber int,
	mode models.Mode,
	cfg models.StudyConfig,
) (models.Decision, error) {
	if err := cfg.Validate(mode); err != nil {
		return models.Decision{}, fmt.Errorf("evaluate round %d: %w", roundNumber, err)
	}

	decision := models.Decision{
		LowQuorum:            metrics.LowQuorum,
		ConvergedQuestionIDs: ConvergedQuestionIDs(current, cfg.CVThreshold),
	}

	if cfg.MaxRounds > 0 && roundNumber >= cfg.MaxRounds {
		decision.Stop = true
		decision.Reason = models.StopRoundBudgetExhausted
		return decision, nil
	}

	if allCVWithin(current, cfg.CVThreshold) && allCVWithin(previous, cfg.CVThreshold) {
		decision.Stop = true
		decision.Reason = models.StopConsensusReached
		return decision, nil
	}

	if allStable(current, cfg.StabilityThreshold) && allStable(previous, cfg.StabilityThreshold) {
		decision.Stop = true
		decision.Reason = models.StopStabilized
		return decision, nil
	}

	if decision.LowQuorum {
		e.logger.Warn("round closed below quorum",
			slog.String("round_id", metrics.RoundID),
			slog.Float64("quorum_fraction", metrics.QuorumFraction))
	}

	return decision, nil
}

// allCVWithin reports whether every defined CV in the set is at or below the
// threshold. At least one CV must be defined; a set with only undefined CVs
// is insufficient data.
func allCVWithin(aggregates []models.AggregateResult, threshold float64) bool {
	defined := 0
	for _, agg := range aggregates {
		if !agg.CV.Defined() {
			continue
		}
		if float64(agg.CV) > threshold {
			return false
		}
		defined++
	}
	return defined > 0
}

func allStable(aggregates []models.AggregateResult, threshold float64) bool {
	defined := 0
	for _, agg := range aggregates {
		if !agg.Stability.Defined() {
			continue
		}
		if float64(agg.Stability) < threshold {
			return false
		}
		defined++
	}
	return defined > 0
}

// ConvergedQuestionIDs lists the questions whose CV is defined and at or
// below the threshold.
func ConvergedQuestionIDs(aggregates []models.AggregateResult, threshold float64) []string {
	var ids []string
	for _, agg := range aggregates {
		if agg.CV.Defined() && float64(agg.CV) <= threshold {
			ids = append(ids, agg.QuestionID)
		}
	}
	return ids
}
