package engine

import (
	"math"
	"testing"

	"github.com/consensuslab/delphi-engine/internal/models"
)

func numericResponses(roundID, questionID string, values ...float64) []models.Response {
	responses := make([]models.Response, 0, len(values))
	for i, v := range values {
		value := v
		responses = append(responses, models.Response{
			RoundID:       roundID,
			QuestionID:    questionID,
			ParticipantID: string(rune('a' + i)),
			Payload:       models.Payload{Number: &value},
		})
	}
	return responses
}

func TestAggregateNumericStats(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: 0, Max: 10}
	result := agg.Aggregate("r1", q, numericResponses("r1", "q1", 2, 4, 4, 4, 5, 5, 7, 9))

	if result.Count != 8 {
		t.Fatalf("expected count 8, got %d", result.Count)
	}
	if result.Numeric == nil {
		t.Fatal("expected numeric stats")
	}
	if result.Numeric.Mean != 5 {
		t.Fatalf("expected mean 5, got %v", result.Numeric.Mean)
	}
	if result.Numeric.Median != 4.5 {
		t.Fatalf("expected median 4.5, got %v", result.Numeric.Median)
	}
	if result.Numeric.Mode != 4 {
		t.Fatalf("expected mode 4, got %v", result.Numeric.Mode)
	}
	// Sample standard deviation of this set is ~2.138.
	if math.Abs(result.Numeric.StdDev-2.13809) > 1e-4 {
		t.Fatalf("expected stddev ~2.138, got %v", result.Numeric.StdDev)
	}
	if !result.CV.Defined() {
		t.Fatal("expected defined CV")
	}
	if math.Abs(float64(result.CV)-result.Numeric.StdDev/5) > 1e-9 {
		t.Fatalf("CV should be stddev/|mean|, got %v", float64(result.CV))
	}
}

func TestAggregateQuartilesInterpolate(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionLikert, Min: 1, Max: 5}
	result := agg.Aggregate("r1", q, numericResponses("r1", "q1", 1, 2, 3, 4))

	if result.Numeric.Q1 != 1.75 {
		t.Fatalf("expected Q1 1.75, got %v", result.Numeric.Q1)
	}
	if result.Numeric.Q3 != 3.25 {
		t.Fatalf("expected Q3 3.25, got %v", result.Numeric.Q3)
	}
	if math.Abs(result.Numeric.IQR-1.5) > 1e-9 {
		t.Fatalf("expected IQR 1.5, got %v", result.Numeric.IQR)
	}
}

func TestAggregateCVUndefined(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: -5, Max: 5}

	single := agg.Aggregate("r1", q, numericResponses("r1", "q1", 3))
	if single.CV.Defined() {
		t.Fatal("CV must be undefined with one response")
	}

	zeroMean := agg.Aggregate("r1", q, numericResponses("r1", "q1", -2, 2))
	if zeroMean.CV.Defined() {
		t.Fatal("CV must be undefined when the mean is zero")
	}

	empty := agg.Aggregate("r1", q, nil)
	if empty.Count != 0 || empty.CV.Defined() {
		t.Fatal("empty response set must yield count 0 and undefined CV")
	}
}

func TestAggregateDeterministicUnderPermutation(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: 0, Max: 10}

	forward := agg.Aggregate("r1", q, numericResponses("r1", "q1", 1, 3, 5, 7, 9))
	reversed := agg.Aggregate("r1", q, numericResponses("r1", "q1", 9, 7, 5, 3, 1))

	if *forward.Numeric != *reversed.Numeric {
		t.Fatalf("stats differ under permutation: %+v vs %+v", forward.Numeric, reversed.Numeric)
	}
	if float64(forward.CV) != float64(reversed.CV) {
		t.Fatal("CV differs under permutation")
	}
}

func TestAggregateMultipleChoice(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{
		ID:   "q1",
		Type: models.QuestionMultipleChoice,
		Options: []models.Option{
			{ID: "a", Label: "A"}, {ID: "b", Label: "B"}, {ID: "c", Label: "C"},
		},
	}
	responses := []models.Response{
		{ParticipantID: "p1", Payload: models.Payload{Option: "a"}},
		{ParticipantID: "p2", Payload: models.Payload{Option: "a"}},
		{ParticipantID: "p3", Payload: models.Payload{Option: "b"}},
		{ParticipantID: "p4", Payload: models.Payload{Option: "a"}},
	}

	result := agg.Aggregate("r1", q, responses)
	if result.Count != 4 {
		t.Fatalf("expected count 4, got %d", result.Count)
	}
	if len(result.Choices) != 3 {
		t.Fatalf("expected a row per declared option, got %d", len(result.Choices))
	}
	if result.Choices[0].OptionID != "a" || result.Choices[0].Count != 3 || result.Choices[0].Percentage != 75 {
		t.Fatalf("unexpected leading row: %+v", result.Choices[0])
	}
	if result.Choices[2].Count != 0 || result.Choices[2].Percentage != 0 {
		t.Fatalf("unchosen option should report zero, got %+v", result.Choices[2])
	}
	if result.CV.Defined() {
		t.Fatal("multiple-choice aggregates carry no CV")
	}
}

func TestStabilityNumeric(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: 0, Max: 10}

	previous := agg.Aggregate("r1", q, numericResponses("r1", "q1", 4, 6))
	current := agg.Aggregate("r2", q, numericResponses("r2", "q1", 5, 7))

	stability := agg.Stability(q, current, previous)
	if !stability.Defined() {
		t.Fatal("expected defined stability")
	}
	// Means moved 5 -> 6 over a range of 10.
	if math.Abs(float64(stability)-0.9) > 1e-9 {
		t.Fatalf("expected stability 0.9, got %v", float64(stability))
	}

	identical := agg.Stability(q, previous, previous)
	if float64(identical) != 1 {
		t.Fatalf("unchanged distribution should score 1, got %v", float64(identical))
	}
}

func TestStabilityUndefinedWithoutData(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: 0, Max: 10}

	current := agg.Aggregate("r2", q, numericResponses("r2", "q1", 5))
	empty := agg.Aggregate("r1", q, nil)
	if agg.Stability(q, current, empty).Defined() {
		t.Fatal("stability must be undefined when a side has no responses")
	}
}

func TestStabilityMultipleChoice(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{
		ID:   "q1",
		Type: models.QuestionMultipleChoice,
		Options: []models.Option{
			{ID: "a", Label: "A"}, {ID: "b", Label: "B"},
		},
	}
	split := []models.Response{
		{ParticipantID: "p1", Payload: models.Payload{Option: "a"}},
		{ParticipantID: "p2", Payload: models.Payload{Option: "b"}},
	}
	unanimous := []models.Response{
		{ParticipantID: "p1", Payload: models.Payload{Option: "a"}},
		{ParticipantID: "p2", Payload: models.Payload{Option: "a"}},
	}

	previous := agg.Aggregate("r1", q, split)
	current := agg.Aggregate("r2", q, unanimous)
	stability := agg.Stability(q, current, previous)
	// Half the mass moved: total variation distance 0.5, stability 0.75.
	if math.Abs(float64(stability)-0.75) > 1e-9 {
		t.Fatalf("expected stability 0.75, got %v", float64(stability))
	}
}

func TestRoundMetricsQuorum(t *testing.T) {
	agg := NewAggregator()
	q := models.Question{ID: "q1", Type: models.QuestionNumericScale, Min: 0, Max: 10}
	round := &models.Round{ID: "r1", Number: 1, QuestionIDs: []string{"q1"}}
	responses := numericResponses("r1", "q1", 5, 6, 7)

	metrics := agg.RoundMetrics(round, []models.Question{q},
		map[string][]models.Response{"q1": responses},
		[]models.AggregateResult{agg.Aggregate("r1", q, responses)},
		10, 0.5, 0.5)

	if metrics.QuorumFraction != 0.3 {
		t.Fatalf("expected quorum 0.3, got %v", metrics.QuorumFraction)
	}
	if !metrics.LowQuorum {
		t.Fatal("expected low quorum flag")
	}

	noRoster := agg.RoundMetrics(round, []models.Question{q},
		map[string][]models.Response{"q1": responses},
		[]models.AggregateResult{agg.Aggregate("r1", q, responses)},
		0, 0.5, 0.5)
	if noRoster.LowQuorum {
		t.Fatal("unknown roster must not flag low quorum")
	}
}

func TestConsensusPercentIgnoresUndefined(t *testing.T) {
	aggregates := []models.AggregateResult{
		{QuestionID: "q1", CV: models.Metric(0.2)},
		{QuestionID: "q2", CV: models.Metric(0.9)},
		{QuestionID: "q3", CV: models.Undefined()},
	}
	if got := consensusPercent(aggregates, 0.5); math.Abs(got-100.0/3) > 1e-9 {
		t.Fatalf("expected one of three converged, got %v", got)
	}
}
