package optimization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/estimation"
)

// retryRidgeScale strengthens the covariance regularization on the single
// automatic retry after a failed solve.
const retryRidgeScale = 1e-4

// Engine runs one optimizer strategy. The strategy and its parameters are
// fixed at construction and validated there, so an Engine that exists is an
// Engine that can run.
type Engine struct {
	strategy  Strategy
	params    Params
	tolerance float64
	log       zerolog.Logger
}

// NewEngine validates the parameters against the chosen strategy and returns
// a ready engine. Parameter problems surface here as ConfigurationError,
// never from inside the optimization loop.
func NewEngine(strategy Strategy, params Params, log zerolog.Logger) (*Engine, error) {
	if err := validateParams(strategy, params); err != nil {
		return nil, err
	}

	tolerance := params.FeasibilityTolerance
	if tolerance <= 0 {
		tolerance = defaultFeasibilityTol
	}

	return &Engine{
		strategy:  strategy,
		params:    params,
		tolerance: tolerance,
		log:       log.With().Str("component", "optimizer").Str("strategy", strategy.String()).Logger(),
	}, nil
}

func validateParams(strategy Strategy, params Params) error {
	fail := func(detail string) error {
		return &domain.ConfigurationError{Reason: domain.ReasonInvalidParameter, Detail: detail}
	}

	switch strategy {
	case StrategyMeanVariance:
		if params.RiskAversion <= 0 {
			return fail("mean-variance requires risk aversion > 0")
		}
	case StrategyMinVariance:
		// No strategy-specific parameters.
	case StrategyMaxSharpe:
		if params.RiskFreeRate < -1 {
			return fail("risk-free rate below -100%")
		}
	case StrategyRiskParity:
		if params.TargetRisk != nil && *params.TargetRisk <= 0 {
			return fail("risk-parity target risk must be positive")
		}
	case StrategyBlackLitterman:
		if params.RiskAversion <= 0 {
			return fail("black-litterman requires risk aversion > 0")
		}
		if len(params.MarketWeights) == 0 {
			return fail("black-litterman requires market weights")
		}
		if params.Tau <= 0 {
			return fail("black-litterman requires tau > 0")
		}
		for i, view := range params.Views {
			if view.Confidence <= 0 || view.Confidence > 1 {
				return fail(fmt.Sprintf("view %d confidence %.4f outside (0, 1]", i, view.Confidence))
			}
			switch view.Type {
			case ViewAbsolute:
				if view.Asset == "" {
					return fail(fmt.Sprintf("view %d: absolute view without an asset", i))
				}
			case ViewRelative:
				if view.AssetLong == "" || view.AssetShort == "" {
					return fail(fmt.Sprintf("view %d: relative view without an asset pair", i))
				}
			default:
				return fail(fmt.Sprintf("view %d: unknown view type %q", i, view.Type))
			}
		}
	case StrategyCluster:
		if params.NumClusters < 1 {
			return fail("cluster strategy requires at least one cluster")
		}
	default:
		return &domain.ConfigurationError{
			Reason: domain.ReasonUnknownStrategy,
			Detail: strategy.String(),
		}
	}

	if params.TargetReturn != nil && params.TargetVolatility != nil {
		return fail("target return and target volatility cannot both be pinned")
	}
	return nil
}

// Strategy reports the engine's configured strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Optimize produces a valid portfolio for the inputs or an explicit error.
// The returned portfolio always satisfies the budget and every declared
// bound. Non-convergence gets exactly one retry with a strengthened
// regularization and a relaxed tolerance; timeouts are surfaced immediately.
func (e *Engine) Optimize(ctx context.Context, in Inputs) (*domain.Portfolio, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	in, err := e.pruneUniverse(in)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	if weights, ok, err := e.shortcut(in); err != nil {
		return nil, err
	} else if ok {
		e.log.Debug().Int("assets", len(in.Assets)).Msg("degenerate universe, trivial solution")
		return e.toPortfolio(in.Assets, weights)
	}

	weights, err := e.dispatch(ctx, in, in.Cov)
	if err != nil {
		var optErr *domain.OptimizationError
		if !errors.As(err, &optErr) || optErr.Reason != domain.ReasonNonConvergence {
			return nil, err
		}

		e.log.Warn().Err(err).Msg("solve failed, retrying with strengthened regularization")
		retry := *e
		retry.tolerance = e.tolerance * 10
		ridged := estimation.Regularize(in.Cov, retryRidgeScale*covTrace(in.Cov)/float64(len(in.Assets)))
		weights, err = retry.dispatch(ctx, in, ridged)
		if err != nil {
			return nil, err
		}
	}

	e.log.Debug().
		Int("assets", len(in.Assets)).
		Dur("elapsed", time.Since(started)).
		Msg("solve converged")

	return e.toPortfolio(in.Assets, weights)
}

// pruneUniverse applies the maximum-pairwise-correlation rule before the
// solve and restricts every input to the surviving assets.
func (e *Engine) pruneUniverse(in Inputs) (Inputs, error) {
	if in.Constraints.MaxPairwiseCorrelation() <= 0 {
		return in, nil
	}

	kept := in.Constraints.PruneCorrelated(in.Assets, in.Cov)
	if len(kept) == len(in.Assets) {
		return in, nil
	}
	if len(kept) == 0 {
		return Inputs{}, &domain.OptimizationError{
			Reason: domain.ReasonInfeasibleConstraints,
			Detail: "correlation pruning removed every asset",
		}
	}
	e.log.Debug().
		Int("before", len(in.Assets)).
		Int("after", len(kept)).
		Msg("pruned correlated assets")

	index := make(map[string]int, len(in.Assets))
	for i, asset := range in.Assets {
		index[asset] = i
	}
	indices := make([]int, len(kept))
	for i, asset := range kept {
		indices[i] = index[asset]
	}

	restricted, err := in.Constraints.Restrict(kept)
	if err != nil {
		return Inputs{}, err
	}

	out := Inputs{
		Assets:          kept,
		ExpectedReturns: in.ExpectedReturns,
		Cov:             submatrix(in.Cov, indices),
		Constraints:     restricted,
		Returns:         in.Returns,
	}
	return out, nil
}

// shortcut handles degenerate universes without invoking the solver: a
// single asset takes the whole budget, and all-identical assets split it
// equally.
func (e *Engine) shortcut(in Inputs) ([]float64, bool, error) {
	n := len(in.Assets)
	lower, upper := buildBounds(in.Assets, in.Constraints)

	if n == 1 {
		if upper[0] < 1-e.tolerance {
			return nil, false, &domain.OptimizationError{
				Reason: domain.ReasonInfeasibleConstraints,
				Detail: fmt.Sprintf("single asset %s capped below full allocation", in.Assets[0]),
			}
		}
		return []float64{1}, true, nil
	}

	if !identicalAssets(in) {
		return nil, false, nil
	}
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1.0 / float64(n)
	}
	for i := range equal {
		if equal[i] < lower[i]-e.tolerance || equal[i] > upper[i]+e.tolerance {
			// Bounds rule out the symmetric solution; let the solver
			// break the tie.
			return nil, false, nil
		}
	}
	return equal, true, nil
}

// identicalAssets reports whether every asset has the same expected return,
// the same variance and the same pairwise covariance, making the equal-weight
// portfolio optimal by symmetry.
func identicalAssets(in Inputs) bool {
	const eps = 1e-12
	n := len(in.Assets)

	// A partially populated μ never counts as symmetric: the dispatch path
	// must surface the missing expected return instead of shortcutting.
	withMu := 0
	for _, asset := range in.Assets {
		if _, ok := in.ExpectedReturns[asset]; ok {
			withMu++
		}
	}
	if withMu > 0 {
		if withMu != n {
			return false
		}
		mu0 := in.ExpectedReturns[in.Assets[0]]
		for _, asset := range in.Assets[1:] {
			if in.ExpectedReturns[asset] != mu0 {
				return false
			}
		}
	}

	diag := in.Cov[0][0]
	var offDiag float64
	haveOffDiag := false
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := in.Cov[i][j]
			if i == j {
				if abs(v-diag) > eps {
					return false
				}
				continue
			}
			if !haveOffDiag {
				offDiag = v
				haveOffDiag = true
			} else if abs(v-offDiag) > eps {
				return false
			}
		}
	}
	return true
}

func (e *Engine) dispatch(ctx context.Context, in Inputs, cov [][]float64) ([]float64, error) {
	switch e.strategy {
	case StrategyMeanVariance:
		mu, err := in.muVector()
		if err != nil {
			return nil, err
		}
		return e.solveMeanVariance(ctx, in, mu, cov)
	case StrategyMinVariance:
		return e.solveMinVariance(ctx, in, cov)
	case StrategyMaxSharpe:
		mu, err := in.muVector()
		if err != nil {
			return nil, err
		}
		return e.solveMaxSharpe(ctx, in, mu, cov)
	case StrategyRiskParity:
		return e.solveRiskParity(ctx, in, cov)
	case StrategyBlackLitterman:
		return e.solveBlackLitterman(ctx, in, cov)
	case StrategyCluster:
		return e.solveCluster(ctx, in, cov)
	default:
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonUnknownStrategy,
			Detail: e.strategy.String(),
		}
	}
}

func (e *Engine) toPortfolio(assets []string, weights []float64) (*domain.Portfolio, error) {
	byAsset := make(map[string]float64, len(assets))
	for i, asset := range assets {
		byAsset[asset] = weights[i]
	}
	p := domain.NewPortfolio(byAsset, time.Now().UTC())
	if err := p.Validate(); err != nil {
		return nil, &domain.OptimizationError{
			Reason: domain.ReasonNonConvergence,
			Detail: fmt.Sprintf("solution failed validation: %v", err),
		}
	}
	return p, nil
}

func covTrace(cov [][]float64) float64 {
	t := 0.0
	for i := range cov {
		t += cov[i][i]
	}
	return t
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
