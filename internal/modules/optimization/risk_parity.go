package optimization

import (
	"context"
	"math"
)

// solveRiskParity searches for weights whose per-asset risk contributions are
// equal. The dispersion of wᵢσᵢ around its mean is driven to zero, with an
// optional penalty pinning total portfolio volatility to a target. The
// objective is non-smooth around the equalized point, so the solve runs
// gradient-free.
func (e *Engine) solveRiskParity(ctx context.Context, in Inputs, cov [][]float64) ([]float64, error) {
	n := len(in.Assets)

	sigma := make([]float64, n)
	for i := 0; i < n; i++ {
		sigma[i] = math.Sqrt(math.Max(cov[i][i], 0))
	}

	targetRisk := e.params.TargetRisk

	objective := func(w []float64) float64 {
		contributions := make([]float64, n)
		total := 0.0
		for i := 0; i < n; i++ {
			contributions[i] = w[i] * sigma[i]
			total += contributions[i]
		}
		mean := total / float64(n)

		dispersion := 0.0
		for i := 0; i < n; i++ {
			d := contributions[i] - mean
			dispersion += d * d
		}

		if targetRisk != nil {
			variance := 0.0
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					variance += w[i] * w[j] * cov[i][j]
				}
			}
			d := variance - *targetRisk**targetRisk
			dispersion += penaltyWeight * d * d
		}
		return dispersion
	}

	// Inverse volatility is the exact answer for a diagonal covariance and a
	// good starting point otherwise.
	initial := make([]float64, n)
	invSum := 0.0
	for i := 0; i < n; i++ {
		if sigma[i] > 1e-12 {
			initial[i] = 1 / sigma[i]
		} else {
			initial[i] = 1
		}
		invSum += initial[i]
	}
	for i := 0; i < n; i++ {
		initial[i] /= invSum
	}

	lower, upper := buildBounds(in.Assets, in.Constraints)
	return solveWeights(ctx, solveSpec{
		n:         n,
		lower:     lower,
		upper:     upper,
		groups:    buildGroups(in.Assets, in.Constraints),
		objective: objective,
		initial:   initial,
		budget:    e.params.SolveTimeout,
		tolerance: e.tolerance,
	})
}
