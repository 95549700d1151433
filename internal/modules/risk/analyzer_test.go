package risk

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
)

// twentyReturns is a fixed sample whose 5th-percentile nearest rank is the
// single worst observation.
var twentyReturns = []float64{
	0.012, -0.034, 0.021, 0.008, -0.015,
	0.030, -0.052, 0.017, 0.004, -0.009,
	0.025, -0.021, 0.011, 0.019, -0.080,
	0.006, 0.014, -0.027, 0.022, 0.003,
}

func TestHistoricalVaR_HandComputed(t *testing.T) {
	// n=20, q=0.05: nearest rank is ceil(0.05*20)=1, the sorted minimum.
	v, err := HistoricalVaR(twentyReturns, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, -0.080, v, 1e-12)

	// q=0.10: rank ceil(2)=2, the second-worst observation.
	v, err = HistoricalVaR(twentyReturns, 0.90)
	require.NoError(t, err)
	assert.InDelta(t, -0.052, v, 1e-12)
}

func TestExpectedShortfall_AtOrBelowVaR(t *testing.T) {
	es, err := ExpectedShortfall(twentyReturns, 0.90)
	require.NoError(t, err)
	// Tail at 90%: the two observations at or below -0.052.
	assert.InDelta(t, (-0.080-0.052)/2, es, 1e-12)

	v, err := HistoricalVaR(twentyReturns, 0.90)
	require.NoError(t, err)
	assert.LessOrEqual(t, es, v, "expected shortfall is never better than VaR")
}

func TestParametricVaR_KnownDistribution(t *testing.T) {
	// A symmetric two-point sample has mean 0 and a known standard
	// deviation; the 95% z-score is -1.6449.
	returns := []float64{0.02, -0.02, 0.02, -0.02, 0.02, -0.02}
	v, err := ParametricVaR(returns, 0.95)
	require.NoError(t, err)

	sd := 0.02 * math.Sqrt(6.0/5.0)
	assert.InDelta(t, -1.6449*sd, v, 1e-3)
}

func TestMonteCarloVaR_Deterministic(t *testing.T) {
	a, err := MonteCarloVaR(twentyReturns, 0.95, 5000, 42)
	require.NoError(t, err)
	b, err := MonteCarloVaR(twentyReturns, 0.95, 5000, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical seeds must produce identical estimates")

	c, err := MonteCarloVaR(twentyReturns, 0.95, 5000, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMonteCarloVaR_TracksParametric(t *testing.T) {
	mc, err := MonteCarloVaR(twentyReturns, 0.95, 50000, 1)
	require.NoError(t, err)
	p, err := ParametricVaR(twentyReturns, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, p, mc, 0.005, "simulated normal quantile should approximate the analytic one")
}

func TestMaxDrawdown_Monotonic(t *testing.T) {
	rising := []float64{0.01, 0.02, 0.01}
	dd, err := MaxDrawdown(rising)
	require.NoError(t, err)
	assert.InDelta(t, 0, dd, 1e-12)

	decline := []float64{0.05, -0.10}
	prev, err := MaxDrawdown(decline)
	require.NoError(t, err)
	assert.Negative(t, prev)

	// Appending further losses within the open drawdown can only deepen it.
	for _, r := range []float64{-0.02, -0.05, -0.01} {
		decline = append(decline, r)
		dd, err := MaxDrawdown(decline)
		require.NoError(t, err)
		assert.LessOrEqual(t, dd, prev)
		prev = dd
	}
}

func TestPortfolioReturns(t *testing.T) {
	weights := map[string]float64{"A": 0.6, "B": 0.4}
	returns := map[string][]float64{
		"A": {0.01, -0.02},
		"B": {0.02, 0.01},
	}

	portfolio, err := PortfolioReturns(weights, returns)
	require.NoError(t, err)
	require.Len(t, portfolio, 2)
	assert.InDelta(t, 0.6*0.01+0.4*0.02, portfolio[0], 1e-12)
	assert.InDelta(t, 0.6*-0.02+0.4*0.01, portfolio[1], 1e-12)

	_, err = PortfolioReturns(weights, map[string][]float64{"A": {0.01, -0.02}})
	var estErr *domain.EstimationError
	require.ErrorAs(t, err, &estErr)

	_, err = PortfolioReturns(weights, map[string][]float64{
		"A": {0.01, -0.02},
		"B": {0.02},
	})
	require.ErrorAs(t, err, &estErr)
}

func TestBuildReport(t *testing.T) {
	analyzer := NewAnalyzer(zerolog.Nop())

	report, err := analyzer.BuildReport(twentyReturns, ReportOptions{Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Observations)
	assert.Equal(t, DefaultSimulations, report.MonteCarloDraws)
	assert.Len(t, report.Confidence, 2)

	m95, ok := report.Confidence[ConfidenceKey(0.95)]
	require.True(t, ok)
	assert.InDelta(t, -0.080, m95.HistoricalVaR, 1e-12)
	assert.LessOrEqual(t, m95.ExpectedShortfall, m95.HistoricalVaR)
	assert.LessOrEqual(t, report.MaxDrawdown, 0.0)

	m99, ok := report.Confidence[ConfidenceKey(0.99)]
	require.True(t, ok)
	assert.LessOrEqual(t, m99.HistoricalVaR, m95.HistoricalVaR,
		"a higher confidence level looks further into the tail")
}

func TestInvalidInputs(t *testing.T) {
	var estErr *domain.EstimationError
	_, err := HistoricalVaR(nil, 0.95)
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, domain.ReasonInsufficientHistory, estErr.Reason)

	var cfgErr *domain.ConfigurationError
	_, err = HistoricalVaR(twentyReturns, 1.0)
	require.ErrorAs(t, err, &cfgErr)

	_, err = MonteCarloVaR(twentyReturns, 0.95, 0, 1)
	require.ErrorAs(t, err, &cfgErr)
}
