package optimization

import (
	"context"
	"math"
)

// meanVarianceObjective builds the Markowitz objective
// minimize -(w'μ - (λ/2) w'Σw), with optional quadratic penalties pinning a
// target return or target volatility.
func meanVarianceObjective(mu []float64, cov [][]float64, lambda float64, targetReturn, targetVolatility *float64) (func(w []float64) float64, func(grad, w []float64)) {
	n := len(mu)

	objective := func(w []float64) float64 {
		portfolioReturn := 0.0
		for i := 0; i < n; i++ {
			portfolioReturn += mu[i] * w[i]
		}

		variance := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				variance += w[i] * w[j] * cov[i][j]
			}
		}

		obj := -(portfolioReturn - 0.5*lambda*variance)
		if targetReturn != nil {
			d := portfolioReturn - *targetReturn
			obj += penaltyWeight * d * d
		}
		if targetVolatility != nil {
			target := *targetVolatility * *targetVolatility
			d := variance - target
			obj += penaltyWeight * d * d
		}
		return obj
	}

	gradient := func(grad, w []float64) {
		portfolioReturn := 0.0
		variance := 0.0
		for i := 0; i < n; i++ {
			portfolioReturn += mu[i] * w[i]
			for j := 0; j < n; j++ {
				variance += w[i] * w[j] * cov[i][j]
			}
		}

		for i := 0; i < n; i++ {
			grad[i] = -mu[i]
			for j := 0; j < n; j++ {
				grad[i] += lambda * cov[i][j] * w[j]
			}
			if targetReturn != nil {
				grad[i] += 2 * penaltyWeight * (portfolioReturn - *targetReturn) * mu[i]
			}
			if targetVolatility != nil {
				target := *targetVolatility * *targetVolatility
				dVariance := 0.0
				for j := 0; j < n; j++ {
					dVariance += 2 * cov[i][j] * w[j]
				}
				grad[i] += 2 * penaltyWeight * (variance - target) * dVariance
			}
		}
	}

	return objective, gradient
}

// solveMeanVariance maximizes w'μ - (λ/2) w'Σw under the shared constraints.
func (e *Engine) solveMeanVariance(ctx context.Context, in Inputs, mu []float64, cov [][]float64) ([]float64, error) {
	objective, gradient := meanVarianceObjective(mu, cov, e.params.RiskAversion, e.params.TargetReturn, e.params.TargetVolatility)
	lower, upper := buildBounds(in.Assets, in.Constraints)
	return solveWeights(ctx, solveSpec{
		n:         len(in.Assets),
		lower:     lower,
		upper:     upper,
		groups:    buildGroups(in.Assets, in.Constraints),
		objective: objective,
		gradient:  gradient,
		budget:    e.params.SolveTimeout,
		tolerance: e.tolerance,
	})
}

// solveMinVariance minimizes w'Σw under the shared constraints. The closed
// form w* ∝ Σ⁻¹1 only holds unconstrained, so the bounded case goes through
// the quadratic solve.
func (e *Engine) solveMinVariance(ctx context.Context, in Inputs, cov [][]float64) ([]float64, error) {
	n := len(in.Assets)

	objective := func(w []float64) float64 {
		variance := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				variance += w[i] * w[j] * cov[i][j]
			}
		}
		return variance
	}
	gradient := func(grad, w []float64) {
		for i := 0; i < n; i++ {
			grad[i] = 0
			for j := 0; j < n; j++ {
				grad[i] += 2 * cov[i][j] * w[j]
			}
		}
	}

	lower, upper := buildBounds(in.Assets, in.Constraints)
	return solveWeights(ctx, solveSpec{
		n:         n,
		lower:     lower,
		upper:     upper,
		groups:    buildGroups(in.Assets, in.Constraints),
		objective: objective,
		gradient:  gradient,
		budget:    e.params.SolveTimeout,
		tolerance: e.tolerance,
	})
}

// solveMaxSharpe maximizes (w'μ - r_f) / sqrt(w'Σw) under the shared
// constraints.
func (e *Engine) solveMaxSharpe(ctx context.Context, in Inputs, mu []float64, cov [][]float64) ([]float64, error) {
	n := len(in.Assets)
	rf := e.params.RiskFreeRate

	objective := func(w []float64) float64 {
		excess := -rf
		variance := 0.0
		for i := 0; i < n; i++ {
			excess += mu[i] * w[i]
			for j := 0; j < n; j++ {
				variance += w[i] * w[j] * cov[i][j]
			}
		}
		stdDev := math.Sqrt(math.Max(variance, 1e-10))
		return -excess / stdDev
	}
	gradient := func(grad, w []float64) {
		excess := -rf
		variance := 0.0
		for i := 0; i < n; i++ {
			excess += mu[i] * w[i]
			for j := 0; j < n; j++ {
				variance += w[i] * w[j] * cov[i][j]
			}
		}
		stdDev := math.Sqrt(math.Max(variance, 1e-10))

		for i := 0; i < n; i++ {
			dVariance := 0.0
			for j := 0; j < n; j++ {
				dVariance += 2 * cov[i][j] * w[j]
			}
			grad[i] = -mu[i]/stdDev + excess*dVariance/(2*stdDev*stdDev*stdDev)
		}
	}

	lower, upper := buildBounds(in.Assets, in.Constraints)
	return solveWeights(ctx, solveSpec{
		n:         n,
		lower:     lower,
		upper:     upper,
		groups:    buildGroups(in.Assets, in.Constraints),
		objective: objective,
		gradient:  gradient,
		budget:    e.params.SolveTimeout,
		tolerance: e.tolerance,
	})
}
