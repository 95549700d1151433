// Package optimization provides the portfolio optimizer engine and its
// strategies.
package optimization

import (
	"fmt"
	"time"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
)

// Strategy is the closed set of optimizer objectives. The strategy is chosen
// once at construction; dispatch inside the hot loop is by value, never by
// string matching.
type Strategy int

const (
	StrategyMeanVariance Strategy = iota
	StrategyMinVariance
	StrategyMaxSharpe
	StrategyRiskParity
	StrategyBlackLitterman
	StrategyCluster
)

// String returns the stable identifier used in configuration and logs.
func (s Strategy) String() string {
	switch s {
	case StrategyMeanVariance:
		return "mean_variance"
	case StrategyMinVariance:
		return "min_variance"
	case StrategyMaxSharpe:
		return "max_sharpe"
	case StrategyRiskParity:
		return "risk_parity"
	case StrategyBlackLitterman:
		return "black_litterman"
	case StrategyCluster:
		return "cluster"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy resolves a configuration identifier to a Strategy, failing
// fast with a ConfigurationError for unknown names.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "mean_variance":
		return StrategyMeanVariance, nil
	case "min_variance":
		return StrategyMinVariance, nil
	case "max_sharpe":
		return StrategyMaxSharpe, nil
	case "risk_parity":
		return StrategyRiskParity, nil
	case "black_litterman":
		return StrategyBlackLitterman, nil
	case "cluster":
		return StrategyCluster, nil
	default:
		return 0, &domain.ConfigurationError{
			Reason: domain.ReasonUnknownStrategy,
			Detail: name,
		}
	}
}

// ViewType distinguishes absolute from relative investor views.
type ViewType string

const (
	ViewAbsolute ViewType = "absolute"
	ViewRelative ViewType = "relative"
)

// View is a Black-Litterman investor view.
type View struct {
	Type       ViewType `json:"type"`
	Asset      string   `json:"asset,omitempty"`  // absolute views
	AssetLong  string   `json:"asset_long,omitempty"`  // relative: outperformer
	AssetShort string   `json:"asset_short,omitempty"` // relative: underperformer
	Return     float64  `json:"return"`
	Confidence float64  `json:"confidence"` // in (0, 1]
}

// Params carries every tunable of a strategy as an explicit value object.
// There are no hidden defaults read from globals.
type Params struct {
	// RiskAversion is the λ of the mean-variance objective. Required for
	// mean-variance and Black-Litterman; values in [0.5, 5] map loosely
	// from aggressive to conservative.
	RiskAversion float64

	// RiskFreeRate is required for max-Sharpe.
	RiskFreeRate float64

	// TargetReturn optionally pins the mean-variance portfolio return.
	TargetReturn *float64
	// TargetVolatility optionally pins the mean-variance portfolio
	// volatility.
	TargetVolatility *float64

	// TargetRisk optionally constrains risk parity to a total portfolio
	// volatility.
	TargetRisk *float64

	// Black-Litterman inputs.
	MarketWeights map[string]float64
	Views         []View
	Tau           float64

	// Cluster strategy inputs.
	NumClusters int

	// SolveTimeout bounds the wall-clock time of one constrained solve.
	SolveTimeout time.Duration

	// FeasibilityTolerance is the maximum accepted constraint violation.
	// Zero selects the default of 1e-6.
	FeasibilityTolerance float64
}

// Inputs is the immutable snapshot consumed by one Optimize call.
type Inputs struct {
	Assets          []string
	ExpectedReturns map[string]float64
	Cov             [][]float64
	Constraints     *constraints.Set
	// Returns carries the per-asset return series; required only by the
	// cluster strategy.
	Returns map[string][]float64
}

func (in Inputs) validate() error {
	n := len(in.Assets)
	if n == 0 {
		return &domain.OptimizationError{Reason: domain.ReasonInvalidInput, Detail: "no assets provided"}
	}
	if len(in.Cov) != n {
		return &domain.OptimizationError{
			Reason: domain.ReasonInvalidInput,
			Detail: fmt.Sprintf("covariance matrix size %d does not match %d assets", len(in.Cov), n),
		}
	}
	for i := range in.Cov {
		if len(in.Cov[i]) != n {
			return &domain.OptimizationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("covariance matrix row %d has size %d, expected %d", i, len(in.Cov[i]), n),
			}
		}
	}
	return nil
}

// muVector resolves expected returns in asset order. Only the strategies
// whose objective uses μ call this.
func (in Inputs) muVector() ([]float64, error) {
	mu := make([]float64, len(in.Assets))
	for i, asset := range in.Assets {
		r, ok := in.ExpectedReturns[asset]
		if !ok {
			return nil, &domain.OptimizationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("missing expected return for asset %s", asset),
			}
		}
		mu[i] = r
	}
	return mu, nil
}
