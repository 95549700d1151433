package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
)

const (
	defaultFeasibilityTol = 1e-6
	penaltyWeight         = 1000.0
	maxMajorIterations    = 5000

	// Quadratic penalties bound constraint violations by the penalty weight,
	// not the solver tolerance. When group aggregates still violate after a
	// solve, the weight is escalated and the solve re-run warm-started.
	penaltyEscalation = 100.0
	maxPenaltyRounds  = 3
)

// groupSpec is a group-aggregate bound resolved to asset indices.
type groupSpec struct {
	name    string
	indices []int
	min     float64
	max     float64
}

// solveSpec describes one constrained solve: a base objective (and optional
// analytic gradient) over the bound-projected weight vector, plus the shared
// budget constraint Σw=1 and group-aggregate penalties.
type solveSpec struct {
	n         int
	lower     []float64
	upper     []float64
	groups    []groupSpec
	objective func(w []float64) float64
	gradient  func(grad, w []float64) // nil: gradient-free methods only
	initial   []float64               // nil: equal weight
	budget    time.Duration
	tolerance float64
}

// buildBounds resolves per-asset bounds from the constraint set in asset
// order. Long-only policy: lower bounds are floored at zero.
func buildBounds(assets []string, set *constraints.Set) ([]float64, []float64) {
	lower := make([]float64, len(assets))
	upper := make([]float64, len(assets))
	for i, asset := range assets {
		b := set.Bounds(asset)
		lower[i] = math.Max(0, b.Min)
		upper[i] = b.Max
	}
	return lower, upper
}

// buildGroups resolves group bounds from the constraint set to index lists.
func buildGroups(assets []string, set *constraints.Set) []groupSpec {
	index := make(map[string]int, len(assets))
	for i, asset := range assets {
		index[asset] = i
	}
	groups := set.Groups()
	specs := make([]groupSpec, 0, len(groups))
	for _, g := range groups {
		indices := make([]int, 0, len(g.Assets))
		for _, asset := range g.Assets {
			if i, ok := index[asset]; ok {
				indices = append(indices, i)
			}
		}
		if len(indices) > 0 {
			specs = append(specs, groupSpec{name: g.Group, indices: indices, min: g.Min, max: g.Max})
		}
	}
	return specs
}

// projectToBounds clamps each coordinate into its [lower, upper] interval.
func projectToBounds(x, lower, upper []float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = math.Max(lower[i], math.Min(upper[i], x[i]))
	}
	return proj
}

// groupPenalty is the quadratic penalty on group-aggregate bound violations.
func groupPenalty(w []float64, groups []groupSpec, weight float64) float64 {
	penalty := 0.0
	for _, g := range groups {
		sum := 0.0
		for _, i := range g.indices {
			sum += w[i]
		}
		if sum < g.min {
			penalty += weight * (g.min - sum) * (g.min - sum)
		}
		if sum > g.max {
			penalty += weight * (sum - g.max) * (sum - g.max)
		}
	}
	return penalty
}

// addGroupPenaltyGradient accumulates the gradient of groupPenalty.
func addGroupPenaltyGradient(grad, w []float64, groups []groupSpec, weight float64) {
	for _, g := range groups {
		sum := 0.0
		for _, i := range g.indices {
			sum += w[i]
		}
		if sum < g.min {
			d := 2 * weight * (g.min - sum)
			for _, i := range g.indices {
				grad[i] -= d
			}
		}
		if sum > g.max {
			d := 2 * weight * (sum - g.max)
			for _, i := range g.indices {
				grad[i] += d
			}
		}
	}
}

// maxGroupViolation returns the largest group-aggregate bound violation.
func maxGroupViolation(w []float64, groups []groupSpec) float64 {
	worst := 0.0
	for _, g := range groups {
		sum := 0.0
		for _, i := range g.indices {
			sum += w[i]
		}
		if v := g.min - sum; v > worst {
			worst = v
		}
		if v := sum - g.max; v > worst {
			worst = v
		}
	}
	return worst
}

// solveWeights runs the penalty-method solve and returns a bound-projected,
// normalized weight vector. Non-convergence surfaces as OptimizationError;
// exceeding the wall-clock budget surfaces as OptimizationTimeout.
func solveWeights(ctx context.Context, spec solveSpec) ([]float64, error) {
	n := spec.n
	if spec.tolerance <= 0 {
		spec.tolerance = defaultFeasibilityTol
	}

	// weight is shared with the objective closures so penalty escalation
	// rounds reuse the same problem definition.
	weight := penaltyWeight

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := projectToBounds(x, spec.lower, spec.upper)
			obj := spec.objective(w)

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += w[i]
			}
			obj += weight * (sum - 1.0) * (sum - 1.0)
			obj += groupPenalty(w, spec.groups, weight)
			return obj
		},
	}
	if spec.gradient != nil {
		problem.Grad = func(grad, x []float64) {
			w := projectToBounds(x, spec.lower, spec.upper)
			spec.gradient(grad, w)

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += w[i]
			}
			for i := 0; i < n; i++ {
				grad[i] += 2 * weight * (sum - 1.0)
			}
			addGroupPenaltyGradient(grad, w, spec.groups, weight)
		}
	}

	initial := spec.initial
	if initial == nil {
		initial = make([]float64, n)
		for i := range initial {
			initial[i] = 1.0 / float64(n)
		}
	}

	budget := spec.budget
	if ctxDeadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(ctxDeadline)
		if remaining <= 0 {
			return nil, &domain.OptimizationTimeout{Budget: spec.budget}
		}
		if budget <= 0 || remaining < budget {
			budget = remaining
		}
	}
	// The budget covers the whole solve, escalation rounds included.
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}

	var methods []optimize.Method
	if spec.gradient != nil {
		methods = []optimize.Method{&optimize.BFGS{}, &optimize.NelderMead{}}
	} else {
		methods = []optimize.Method{&optimize.NelderMead{}}
	}

	var weights []float64
	for round := 0; round < maxPenaltyRounds; round++ {
		settings := &optimize.Settings{MajorIterations: maxMajorIterations}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, &domain.OptimizationTimeout{Budget: budget}
			}
			settings.Runtime = remaining
		}

		var result *optimize.Result
		var err error
		for _, method := range methods {
			result, err = optimize.Minimize(problem, initial, settings, method)
			if result != nil && result.Status == optimize.RuntimeLimit {
				return nil, &domain.OptimizationTimeout{Budget: budget}
			}
			if err == nil && converged(result.Status) {
				break
			}
		}
		if err != nil {
			return nil, &domain.OptimizationError{
				Reason: domain.ReasonNonConvergence,
				Detail: err.Error(),
			}
		}
		if !converged(result.Status) {
			return nil, &domain.OptimizationError{
				Reason: domain.ReasonNonConvergence,
				Detail: fmt.Sprintf("solver stopped with status %v", result.Status),
			}
		}

		weights = finalizeWeights(result.X, spec.lower, spec.upper)
		if maxGroupViolation(weights, spec.groups) <= spec.tolerance {
			break
		}
		// Warm-start the next round from the current solution with a
		// stiffer penalty.
		weight *= penaltyEscalation
		initial = weights
	}

	if err := checkFeasibility(weights, spec); err != nil {
		return nil, err
	}
	return weights, nil
}

// finalizeWeights projects the raw solution to its bounds and restores the
// budget Σw=1 by redistributing the residual across assets that still have
// headroom, so the returned vector is exactly normalized without leaving any
// bound. Plain rescaling is not enough: dividing by the sum can push a
// binding upper bound past its limit.
func finalizeWeights(x, lower, upper []float64) []float64 {
	w := projectToBounds(x, lower, upper)

	for iter := 0; iter < 32; iter++ {
		sum := 0.0
		for i := range w {
			sum += w[i]
		}
		residual := 1.0 - sum
		if math.Abs(residual) < 1e-12 {
			break
		}

		headroom := 0.0
		for i := range w {
			if residual > 0 {
				headroom += upper[i] - w[i]
			} else {
				headroom += w[i] - lower[i]
			}
		}
		if headroom <= 0 {
			break
		}

		for i := range w {
			var room float64
			if residual > 0 {
				room = upper[i] - w[i]
			} else {
				room = w[i] - lower[i]
			}
			w[i] += residual * room / headroom
		}
		w = projectToBounds(w, lower, upper)
	}

	return w
}

// checkFeasibility verifies the normalized vector against bounds and group
// constraints, naming the first violated constraint. The engine never returns
// an out-of-bounds or non-normalized vector.
func checkFeasibility(w []float64, spec solveSpec) error {
	tol := spec.tolerance
	// Renormalization keeps the budget exact, but bound violations can be
	// introduced by it: verify both.
	sum := 0.0
	for i := range w {
		sum += w[i]
		if w[i] < spec.lower[i]-tol || w[i] > spec.upper[i]+tol {
			return &domain.OptimizationError{
				Reason: domain.ReasonInfeasibleConstraints,
				Detail: fmt.Sprintf("weight %d = %.6f violates bounds [%.4f, %.4f]", i, w[i], spec.lower[i], spec.upper[i]),
			}
		}
	}
	if math.Abs(sum-1.0) > tol {
		return &domain.OptimizationError{
			Reason: domain.ReasonNonConvergence,
			Detail: fmt.Sprintf("weights sum to %.8f", sum),
		}
	}
	for _, g := range spec.groups {
		groupSum := 0.0
		for _, i := range g.indices {
			groupSum += w[i]
		}
		if groupSum < g.min-tol || groupSum > g.max+tol {
			return &domain.OptimizationError{
				Reason: domain.ReasonInfeasibleConstraints,
				Detail: fmt.Sprintf("group %s aggregate %.6f violates bounds [%.4f, %.4f]", g.name, groupSum, g.min, g.max),
			}
		}
	}
	return nil
}

func converged(status optimize.Status) bool {
	switch status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.StepConvergence:
		return true
	default:
		return false
	}
}
