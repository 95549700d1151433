package optimization

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
	"github.com/aristath/allocator/pkg/formulas"
)

func newTestEngine(t *testing.T, strategy Strategy, params Params) *Engine {
	t.Helper()
	engine, err := NewEngine(strategy, params, zerolog.Nop())
	require.NoError(t, err)
	return engine
}

// threeAssetInputs builds the reference scenario: equal pairwise covariance,
// volatilities ordered A < B < C.
func threeAssetInputs(t *testing.T) Inputs {
	t.Helper()
	assets := []string{"A", "B", "C"}
	return Inputs{
		Assets: assets,
		ExpectedReturns: map[string]float64{
			"A": 0.05, "B": 0.07, "C": 0.09,
		},
		Cov: [][]float64{
			{0.01, 0.005, 0.005},
			{0.005, 0.04, 0.005},
			{0.005, 0.005, 0.09},
		},
		Constraints: constraints.Unconstrained(assets),
		Returns: map[string][]float64{
			"A": {0.01, -0.02, 0.03, 0.02, 0.01, -0.01},
			"B": {0.02, 0.01, -0.01, 0.03, -0.02, 0.01},
			"C": {0.03, -0.03, 0.02, -0.02, 0.04, 0.01},
		},
	}
}

func assertValidWeights(t *testing.T, p *domain.Portfolio, assets []string) {
	t.Helper()
	sum := 0.0
	for _, asset := range assets {
		w := p.Weights[asset]
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0+1e-9)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestEngine_MinVariance_FavorsLowVolatility(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyMinVariance, Params{})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)

	assert.Greater(t, p.Weights["A"], p.Weights["B"], "lowest-volatility asset should carry the largest weight")
	assert.Greater(t, p.Weights["B"], p.Weights["C"])
}

func TestEngine_MinVariance_BeatsEqualWeight(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyMinVariance, Params{})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)

	w := make([]float64, len(in.Assets))
	equal := make([]float64, len(in.Assets))
	for i, asset := range in.Assets {
		w[i] = p.Weights[asset]
		equal[i] = 1.0 / float64(len(in.Assets))
	}

	optVar := formulas.PortfolioVariance(w, in.Cov)
	equalVar := formulas.PortfolioVariance(equal, in.Cov)
	maxAssetVar := 0.0
	for i := range in.Cov {
		maxAssetVar = math.Max(maxAssetVar, in.Cov[i][i])
	}

	assert.LessOrEqual(t, optVar, equalVar+1e-9)
	assert.LessOrEqual(t, equalVar, maxAssetVar)
}

func TestEngine_RiskParity_InverseVolatility(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyRiskParity, Params{})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)

	// Every asset should carry the same risk contribution wσ.
	contributions := make([]float64, len(in.Assets))
	mean := 0.0
	for i, asset := range in.Assets {
		contributions[i] = p.Weights[asset] * math.Sqrt(in.Cov[i][i])
		mean += contributions[i]
	}
	mean /= float64(len(contributions))
	for _, c := range contributions {
		assert.InDelta(t, mean, c, 1e-3)
	}

	// With σ = 0.1, 0.2, 0.3 the weights should be close to 1/σ normalized.
	invVolSum := 1/0.1 + 1/0.2 + 1/0.3
	assert.InDelta(t, (1/0.1)/invVolSum, p.Weights["A"], 0.02)
	assert.InDelta(t, (1/0.2)/invVolSum, p.Weights["B"], 0.02)
	assert.InDelta(t, (1/0.3)/invVolSum, p.Weights["C"], 0.02)
}

func TestEngine_MeanVariance_RespectsBounds(t *testing.T) {
	in := threeAssetInputs(t)
	set, err := constraints.NewSet(in.Assets, map[string]constraints.Bound{
		"A": {Min: 0.1, Max: 0.5},
		"B": {Min: 0.1, Max: 0.5},
		"C": {Min: 0.1, Max: 0.5},
	}, nil, 0)
	require.NoError(t, err)
	in.Constraints = set

	engine := newTestEngine(t, StrategyMeanVariance, Params{RiskAversion: 2.0})
	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)

	for _, asset := range in.Assets {
		assert.GreaterOrEqual(t, p.Weights[asset], 0.1-1e-6)
		assert.LessOrEqual(t, p.Weights[asset], 0.5+1e-6)
	}
}

func TestEngine_MeanVariance_HighRiskAversionLowersVariance(t *testing.T) {
	in := threeAssetInputs(t)

	aggressive := newTestEngine(t, StrategyMeanVariance, Params{RiskAversion: 0.5})
	conservative := newTestEngine(t, StrategyMeanVariance, Params{RiskAversion: 5.0})

	pAggressive, err := aggressive.Optimize(context.Background(), in)
	require.NoError(t, err)
	pConservative, err := conservative.Optimize(context.Background(), in)
	require.NoError(t, err)

	variance := func(p *domain.Portfolio) float64 {
		w := make([]float64, len(in.Assets))
		for i, asset := range in.Assets {
			w[i] = p.Weights[asset]
		}
		return formulas.PortfolioVariance(w, in.Cov)
	}
	assert.LessOrEqual(t, variance(pConservative), variance(pAggressive)+1e-9)
}

func TestEngine_MaxSharpe(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyMaxSharpe, Params{RiskFreeRate: 0.02})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)

	// The max-Sharpe portfolio should beat equal weight on the ratio.
	sharpe := func(w []float64) float64 {
		excess := -0.02
		for i, asset := range in.Assets {
			excess += w[i] * in.ExpectedReturns[asset]
		}
		return excess / math.Sqrt(formulas.PortfolioVariance(w, in.Cov))
	}
	w := make([]float64, len(in.Assets))
	equal := make([]float64, len(in.Assets))
	for i, asset := range in.Assets {
		w[i] = p.Weights[asset]
		equal[i] = 1.0 / float64(len(in.Assets))
	}
	assert.GreaterOrEqual(t, sharpe(w), sharpe(equal)-1e-6)
}

func TestEngine_BlackLitterman_ViewTiltsWeights(t *testing.T) {
	in := threeAssetInputs(t)
	market := map[string]float64{"A": 0.4, "B": 0.35, "C": 0.25}

	base := newTestEngine(t, StrategyBlackLitterman, Params{
		RiskAversion:  2.5,
		MarketWeights: market,
		Tau:           0.05,
	})
	bullish := newTestEngine(t, StrategyBlackLitterman, Params{
		RiskAversion:  2.5,
		MarketWeights: market,
		Tau:           0.05,
		Views: []View{
			{Type: ViewAbsolute, Asset: "B", Return: 0.25, Confidence: 0.9},
		},
	})

	pBase, err := base.Optimize(context.Background(), in)
	require.NoError(t, err)
	pBullish, err := bullish.Optimize(context.Background(), in)
	require.NoError(t, err)

	assertValidWeights(t, pBase, in.Assets)
	assertValidWeights(t, pBullish, in.Assets)
	assert.Greater(t, pBullish.Weights["B"], pBase.Weights["B"], "a bullish view should tilt weight toward the asset")
}

func TestEngine_Cluster(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyCluster, Params{NumClusters: 2})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)
}

func TestEngine_ClusterRejectsRaggedReturns(t *testing.T) {
	in := threeAssetInputs(t)
	in.Returns = map[string][]float64{
		"A": {0.01, -0.02},
		"B": {0.02, 0.01, -0.01, 0.00, 0.03},
		"C": {0.00, 0.01, -0.02},
	}
	engine := newTestEngine(t, StrategyCluster, Params{NumClusters: 2})

	_, err := engine.Optimize(context.Background(), in)
	var optErr *domain.OptimizationError
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, domain.ReasonInvalidInput, optErr.Reason)
}

func TestEngine_SingleAssetShortcut(t *testing.T) {
	in := Inputs{
		Assets:          []string{"A"},
		ExpectedReturns: map[string]float64{"A": 0.05},
		Cov:             [][]float64{{0.01}},
		Constraints:     constraints.Unconstrained([]string{"A"}),
	}
	engine := newTestEngine(t, StrategyMinVariance, Params{})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Weights["A"], 1e-12)
}

func TestEngine_IdenticalAssetsShortcut(t *testing.T) {
	assets := []string{"A", "B", "C", "D"}
	cov := make([][]float64, 4)
	for i := range cov {
		cov[i] = make([]float64, 4)
		for j := range cov[i] {
			if i == j {
				cov[i][j] = 0.04
			} else {
				cov[i][j] = 0.01
			}
		}
	}
	in := Inputs{
		Assets:          assets,
		ExpectedReturns: map[string]float64{"A": 0.05, "B": 0.05, "C": 0.05, "D": 0.05},
		Cov:             cov,
		Constraints:     constraints.Unconstrained(assets),
	}
	engine := newTestEngine(t, StrategyMeanVariance, Params{RiskAversion: 2.0})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	for _, asset := range assets {
		assert.InDelta(t, 0.25, p.Weights[asset], 1e-12)
	}
}

func TestEngine_IdenticalCovarianceMissingMu(t *testing.T) {
	assets := []string{"A", "B", "C", "D"}
	cov := make([][]float64, 4)
	for i := range cov {
		cov[i] = make([]float64, 4)
		for j := range cov[i] {
			if i == j {
				cov[i][j] = 0.04
			} else {
				cov[i][j] = 0.01
			}
		}
	}
	// The first asset has no expected return and the rest differ, so the
	// symmetric shortcut must not fire; the missing μ surfaces instead.
	in := Inputs{
		Assets:          assets,
		ExpectedReturns: map[string]float64{"B": 0.05, "C": 0.07, "D": 0.06},
		Cov:             cov,
		Constraints:     constraints.Unconstrained(assets),
	}
	engine := newTestEngine(t, StrategyMeanVariance, Params{RiskAversion: 2.0})

	_, err := engine.Optimize(context.Background(), in)
	var optErr *domain.OptimizationError
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, domain.ReasonInvalidInput, optErr.Reason)
	assert.Contains(t, optErr.Detail, "missing expected return")
}

func TestEngine_RidgedCovarianceStillSolves(t *testing.T) {
	// Two observations of five assets give a rank-deficient sample
	// covariance. After ridge regularization the solve must still return a
	// valid bounded vector.
	assets := []string{"A", "B", "C", "D", "E"}
	cov := [][]float64{
		{0.0101, 0.008, 0.008, 0.008, 0.008},
		{0.008, 0.0102, 0.008, 0.008, 0.008},
		{0.008, 0.008, 0.0103, 0.008, 0.008},
		{0.008, 0.008, 0.008, 0.0104, 0.008},
		{0.008, 0.008, 0.008, 0.008, 0.0105},
	}
	in := Inputs{
		Assets: assets,
		ExpectedReturns: map[string]float64{
			"A": 0.04, "B": 0.05, "C": 0.06, "D": 0.05, "E": 0.04,
		},
		Cov:         cov,
		Constraints: constraints.Unconstrained(assets),
	}
	engine := newTestEngine(t, StrategyMinVariance, Params{})

	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, assets)
}

func TestEngine_GroupConstraints(t *testing.T) {
	in := threeAssetInputs(t)
	set, err := constraints.NewSet(in.Assets, nil, []constraints.GroupBound{
		{Group: "tech", Assets: []string{"A", "B"}, Min: 0.0, Max: 0.6},
	}, 0)
	require.NoError(t, err)
	in.Constraints = set

	engine := newTestEngine(t, StrategyMinVariance, Params{})
	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)
	assertValidWeights(t, p, in.Assets)

	// The group aggregate is held to the same tolerance as the per-asset
	// bounds; penalty escalation closes the gap the base weight leaves.
	assert.LessOrEqual(t, p.Weights["A"]+p.Weights["B"], 0.6+2e-6)
}

func TestEngine_CorrelationPruning(t *testing.T) {
	assets := []string{"A", "B", "C"}
	// A and B correlate at ~0.99; the prune rule should drop the one with
	// higher variance (B) before the solve.
	cov := [][]float64{
		{0.01, 0.0198, 0.001},
		{0.0198, 0.04, 0.001},
		{0.001, 0.001, 0.02},
	}
	set, err := constraints.NewSet(assets, nil, nil, 0.9)
	require.NoError(t, err)
	in := Inputs{
		Assets:          assets,
		ExpectedReturns: map[string]float64{"A": 0.05, "B": 0.05, "C": 0.05},
		Cov:             cov,
		Constraints:     set,
	}

	engine := newTestEngine(t, StrategyMinVariance, Params{})
	p, err := engine.Optimize(context.Background(), in)
	require.NoError(t, err)

	_, hasB := p.Weights["B"]
	assert.False(t, hasB, "highly correlated high-variance asset should be pruned")
	assertValidWeights(t, p, []string{"A", "C"})
}

func TestEngine_ExpiredContext(t *testing.T) {
	in := threeAssetInputs(t)
	engine := newTestEngine(t, StrategyMinVariance, Params{SolveTimeout: time.Second})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := engine.Optimize(ctx, in)
	var timeout *domain.OptimizationTimeout
	require.ErrorAs(t, err, &timeout)
}

func TestNewEngine_ParameterValidation(t *testing.T) {
	cases := []struct {
		name     string
		strategy Strategy
		params   Params
	}{
		{"mean-variance without risk aversion", StrategyMeanVariance, Params{}},
		{"black-litterman without market weights", StrategyBlackLitterman, Params{RiskAversion: 2, Tau: 0.05}},
		{"black-litterman without tau", StrategyBlackLitterman, Params{RiskAversion: 2, MarketWeights: map[string]float64{"A": 1}}},
		{"cluster without clusters", StrategyCluster, Params{}},
		{"view confidence out of range", StrategyBlackLitterman, Params{
			RiskAversion:  2,
			MarketWeights: map[string]float64{"A": 1},
			Tau:           0.05,
			Views:         []View{{Type: ViewAbsolute, Asset: "A", Return: 0.1, Confidence: 1.5}},
		}},
		{"both targets pinned", StrategyMeanVariance, Params{
			RiskAversion:     2,
			TargetReturn:     ptr(0.08),
			TargetVolatility: ptr(0.15),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(tc.strategy, tc.params, zerolog.Nop())
			var cfgErr *domain.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{
		StrategyMeanVariance, StrategyMinVariance, StrategyMaxSharpe,
		StrategyRiskParity, StrategyBlackLitterman, StrategyCluster,
	} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseStrategy("genetic")
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, domain.ReasonUnknownStrategy, cfgErr.Reason)
}

func TestEngine_InvalidInputs(t *testing.T) {
	engine := newTestEngine(t, StrategyMinVariance, Params{})

	_, err := engine.Optimize(context.Background(), Inputs{})
	var optErr *domain.OptimizationError
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, domain.ReasonInvalidInput, optErr.Reason)

	_, err = engine.Optimize(context.Background(), Inputs{
		Assets:      []string{"A", "B"},
		Cov:         [][]float64{{0.01}},
		Constraints: constraints.Unconstrained([]string{"A", "B"}),
	})
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, domain.ReasonInvalidInput, optErr.Reason)
}

func ptr(v float64) *float64 { return &v }
