package engine

import (
	"math"
	"sort"
)

// KendallW computes Kendall's coefficient of concordance for an m x n score
// matrix (m raters, n items): W = 12*S / (m^2 * (n^3 - n)), where S is the
// sum of squared deviations of per-item rank sums from their mean. Tied
// scores within a rater receive averaged ranks. NaN when fewer than two
// raters or two items are available.
func KendallW(scores [][]float64) float64 {
	m := len(scores)
	if m < 2 {
		return math.NaN()
	}
	n := len(scores[0])
	if n < 2 {
		return math.NaN()
	}

	rankSums := make([]float64, n)
	for _, row := range scores {
		if len(row) != n {
			return math.NaN()
		}
		for i, rank := range averageRanks(row) {
			rankSums[i] += rank
		}
	}

	meanSum := float64(m) * float64(n+1) / 2
	s := 0.0
	for _, sum := range rankSums {
		d := sum - meanSum
		s += d * d
	}

	w := 12 * s / (float64(m*m) * (math.Pow(float64(n), 3) - float64(n)))
	return clamp01(w)
}

// averageRanks ranks values ascending (1-based), assigning tied values the
// mean of the ranks they span.
func averageRanks(values []float64) []float64 {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return values[order[a]] < values[order[b]]
	})

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[order[j+1]] == values[order[i]] {
			j++
		}
		// Positions i..j share the same value; average their 1-based ranks.
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}
	return ranks
}
