package formulas

import (
	"math"
	"sort"
)

// rankEpsilon guards the ceil in NearestRankQuantile against float noise in
// the product q*n (for example 1-0.95 is not exactly 0.05).
const rankEpsilon = 1e-9

// NearestRankQuantile returns the empirical quantile of the sample using the
// nearest-rank rule: the value at rank ceil(q * n) of the ascending-sorted
// sample (1-based). q must be in (0, 1]; out-of-range inputs clamp to the
// sample extremes.
func NearestRankQuantile(sample []float64, q float64) float64 {
	if len(sample) == 0 {
		return 0
	}

	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}

	// The epsilon absorbs float noise in q: 1-0.95 is slightly above 0.05,
	// and ceil would otherwise jump a whole rank.
	rank := int(math.Ceil(q*float64(len(sorted)) - rankEpsilon))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// TailMean returns the mean of all sample values at or below the threshold.
// When nothing lies at or below the threshold it returns the threshold itself.
func TailMean(sample []float64, threshold float64) float64 {
	sum := 0.0
	count := 0
	for _, v := range sample {
		if v <= threshold {
			sum += v
			count++
		}
	}
	if count == 0 {
		return threshold
	}
	return sum / float64(count)
}
