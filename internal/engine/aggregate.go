package engine

import (
	"math"
	"sort"
	"strings"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// Aggregator computes anonymized per-question statistics from a round's
// response set. Every method is a pure function of its input: no I/O, no
// retained state, so recomputing from the same responses always yields the
// same result.
type Aggregator struct{}

// NewAggregator constructs an Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate summarises the responses to one question. The caller passes the
// response snapshot for exactly this question; responses whose payload does
// not fit the question type are ignored rather than corrupting the stats.
// CV is NaN when the mean is zero or fewer than two responses exist.
// Stability is NaN here; pair it with a prior-round aggregate via Stability.
func (a *Aggregator) Aggregate(roundID string, q models.Question, responses []models.Response) models.AggregateResult {
	result := models.AggregateResult{
		RoundID:    roundID,
		QuestionID: q.ID,
		Type:       q.Type,
		CV:         models.Undefined(),
		Stability:  models.Undefined(),
	}

	switch q.Type {
	case models.QuestionNumericScale, models.QuestionLikert:
		values := numericValues(responses)
		result.Count = len(values)
		if len(values) == 0 {
			return result
		}
		stats := describeNumeric(values)
		result.Numeric = &stats
		if len(values) >= 2 && stats.Mean != 0 {
			result.CV = models.Metric(stats.StdDev / math.Abs(stats.Mean))
		}
	case models.QuestionMultipleChoice:
		result.Choices = countOptions(q.Options, responses)
		for _, c := range result.Choices {
			result.Count += c.Count
		}
	case models.QuestionOpenText:
		stats, n := describeText(responses)
		result.Count = n
		if n > 0 {
			result.Text = &stats
		}
	}

	return result
}

// Stability scores round-over-round similarity of a question's aggregate in
// [0, 1]; 1 means the distribution did not move. Undefined when either side
// lacks responses or the question type carries no comparable distribution.
func (a *Aggregator) Stability(q models.Question, current, previous models.AggregateResult) models.Metric {
	if current.Count == 0 || previous.Count == 0 {
		return models.Undefined()
	}

	switch q.Type {
	case models.QuestionNumericScale, models.QuestionLikert:
		if current.Numeric == nil || previous.Numeric == nil {
			return models.Undefined()
		}
		span := q.Max - q.Min
		if span <= 0 {
			return models.Undefined()
		}
		shift := math.Abs(current.Numeric.Mean-previous.Numeric.Mean) / span
		return models.Metric(clamp01(1 - shift))
	case models.QuestionMultipleChoice:
		// Total variation distance between the two frequency distributions.
		prevShare := make(map[string]float64, len(previous.Choices))
		for _, c := range previous.Choices {
			prevShare[c.OptionID] = c.Percentage / 100
		}
		distance := 0.0
		for _, c := range current.Choices {
			distance += math.Abs(c.Percentage/100 - prevShare[c.OptionID])
		}
		return models.Metric(clamp01(1 - distance/2))
	default:
		return models.Undefined()
	}
}

// RoundMetrics derives the round-level consensus indicators from the
// per-question aggregates. Kendall's W is computed when the round holds at
// least two rankable questions with at least two complete raters.
func (a *Aggregator) RoundMetrics(
	round *models.Round,
	questions []models.Question,
	responsesByQuestion map[string][]models.Response,
	aggregates []models.AggregateResult,
	invited int,
	cvThreshold float64,
	minQuorum float64,
) models.RoundMetrics {
	metrics := models.RoundMetrics{
		RoundID:     round.ID,
		RoundNumber: round.Number,
	}

	metrics.ConsensusPercent = consensusPercent(aggregates, cvThreshold)
	metrics.KendallW = models.Metric(KendallW(rankableScores(questions, responsesByQuestion)))

	if invited > 0 {
		respondents := make(map[string]struct{})
		for _, responses := range responsesByQuestion {
			for _, r := range responses {
				respondents[r.ParticipantID] = struct{}{}
			}
		}
		metrics.QuorumFraction = float64(len(respondents)) / float64(invited)
		metrics.LowQuorum = metrics.QuorumFraction < minQuorum
	}

	return metrics
}

// consensusPercent is the share of questions whose CV is defined and at or
// below the threshold, as a percentage.
func consensusPercent(aggregates []models.AggregateResult, cvThreshold float64) float64 {
	if len(aggregates) == 0 {
		return 0
	}
	converged := 0
	for _, agg := range aggregates {
		if agg.CV.Defined() && float64(agg.CV) <= cvThreshold {
			converged++
		}
	}
	return 100 * float64(converged) / float64(len(aggregates))
}

// rankableScores builds the raters x items score matrix for Kendall's W.
// Only participants who answered every rankable question contribute a row.
func rankableScores(questions []models.Question, responsesByQuestion map[string][]models.Response) [][]float64 {
	rankable := make([]models.Question, 0, len(questions))
	for _, q := range questions {
		if q.Rankable() {
			rankable = append(rankable, q)
		}
	}
	if len(rankable) < 2 {
		return nil
	}

	byParticipant := make(map[string]map[string]float64)
	for _, q := range rankable {
		for _, r := range responsesByQuestion[q.ID] {
			if r.Payload.Number == nil {
				continue
			}
			row, ok := byParticipant[r.ParticipantID]
			if !ok {
				row = make(map[string]float64, len(rankable))
				byParticipant[r.ParticipantID] = row
			}
			row[q.ID] = *r.Payload.Number
		}
	}

	participants := make([]string, 0, len(byParticipant))
	for id, row := range byParticipant {
		if len(row) == len(rankable) {
			participants = append(participants, id)
		}
	}
	sort.Strings(participants)

	matrix := make([][]float64, 0, len(participants))
	for _, id := range participants {
		row := make([]float64, len(rankable))
		for i, q := range rankable {
			row[i] = byParticipant[id][q.ID]
		}
		matrix = append(matrix, row)
	}
	return matrix
}

func numericValues(responses []models.Response) []float64 {
	values := make([]float64, 0, len(responses))
	for _, r := range responses {
		if r.Payload.Number != nil {
			values = append(values, *r.Payload.Number)
		}
	}
	return values
}

func describeNumeric(values []float64) models.NumericStats {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	stats := models.NumericStats{
		Mean:   mean,
		Median: quantile(sorted, 0.5),
		Mode:   mode(sorted),
		Q1:     quantile(sorted, 0.25),
		Q3:     quantile(sorted, 0.75),
	}
	stats.IQR = stats.Q3 - stats.Q1

	if n >= 2 {
		ss := 0.0
		for _, v := range sorted {
			ss += (v - mean) * (v - mean)
		}
		// Sample standard deviation: expert panels are small, the population
		// variant would understate dispersion.
		stats.StdDev = math.Sqrt(ss / float64(n-1))
	}

	return stats
}

// quantile estimates the p-quantile of sorted values with linear
// interpolation between closest ranks.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// mode returns the most frequent value; ties resolve to the smallest value
// so the result is deterministic.
func mode(sorted []float64) float64 {
	best := sorted[0]
	bestCount := 0
	current := sorted[0]
	count := 0
	for _, v := range sorted {
		if v == current {
			count++
		} else {
			current = v
			count = 1
		}
		if count > bestCount {
			best = current
			bestCount = count
		}
	}
	return best
}

func countOptions(options []models.Option, responses []models.Response) []models.OptionCount {
	counts := make(map[string]int, len(options))
	total := 0
	for _, r := range responses {
		if r.Payload.Option == "" {
			continue
		}
		counts[r.Payload.Option]++
		total++
	}

	table := make([]models.OptionCount, 0, len(options))
	for _, opt := range options {
		row := models.OptionCount{OptionID: opt.ID, Label: opt.Label, Count: counts[opt.ID]}
		if total > 0 {
			row.Percentage = 100 * float64(row.Count) / float64(total)
		}
		table = append(table, row)
	}
	return table
}

func describeText(responses []models.Response) (models.TextStats, int) {
	stats := models.TextStats{}
	n := 0
	totalWords := 0
	for _, r := range responses {
		if strings.TrimSpace(r.Payload.Text) == "" {
			continue
		}
		words := len(strings.Fields(r.Payload.Text))
		if n == 0 || words < stats.MinWords {
			stats.MinWords = words
		}
		if words > stats.MaxWords {
			stats.MaxWords = words
		}
		totalWords += words
		n++
	}
	if n > 0 {
		stats.MeanWords = float64(totalWords) / float64(n)
	}
	return stats, n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
