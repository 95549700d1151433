package performance

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/pkg/formulas"
)

func TestEvaluate_CompoundedTotalReturn(t *testing.T) {
	evaluator := NewEvaluator(0, zerolog.Nop())

	summary, err := evaluator.Evaluate([]float64{0.10, -0.05, 0.02})
	require.NoError(t, err)

	expected := 1.10*0.95*1.02 - 1
	assert.InDelta(t, expected, summary.TotalReturn, 1e-12)
	assert.Equal(t, 3, summary.Periods)
}

func TestEvaluate_SharpeAgainstHandComputed(t *testing.T) {
	returns := []float64{0.01, -0.005, 0.008, 0.002, -0.003, 0.006, 0.001, -0.002}
	riskFree := 0.02
	evaluator := NewEvaluator(riskFree, zerolog.Nop())

	summary, err := evaluator.Evaluate(returns)
	require.NoError(t, err)

	annualVol := formulas.StdDev(returns) * math.Sqrt(252)
	assert.InDelta(t, annualVol, summary.AnnualizedVolatility, 1e-12)
	assert.InDelta(t, (summary.AnnualizedReturn-riskFree)/annualVol, summary.Sharpe, 1e-12)
}

func TestEvaluate_SortinoExceedsSharpeForSkewedSeries(t *testing.T) {
	// Large gains, small losses: downside deviation is smaller than total
	// volatility, so Sortino > Sharpe for the same excess return.
	returns := []float64{0.05, -0.002, 0.04, -0.001, 0.06, -0.003, 0.05, -0.002}
	evaluator := NewEvaluator(0, zerolog.Nop())

	summary, err := evaluator.Evaluate(returns)
	require.NoError(t, err)
	assert.Greater(t, summary.Sortino, summary.Sharpe)
}

func TestEvaluate_Calmar(t *testing.T) {
	returns := []float64{0.02, -0.10, 0.03, 0.01, -0.02, 0.04}
	evaluator := NewEvaluator(0, zerolog.Nop())

	summary, err := evaluator.Evaluate(returns)
	require.NoError(t, err)

	require.Negative(t, summary.MaxDrawdown)
	assert.InDelta(t, summary.AnnualizedReturn/math.Abs(summary.MaxDrawdown), summary.Calmar, 1e-12)
}

func TestEvaluate_FlatSeriesHasZeroRatios(t *testing.T) {
	evaluator := NewEvaluator(0.02, zerolog.Nop())

	summary, err := evaluator.Evaluate([]float64{0.001, 0.001, 0.001, 0.001})
	require.NoError(t, err)

	// No drawdown and no downside: Calmar and Sortino stay defined as zero.
	assert.Zero(t, summary.Calmar)
	assert.Zero(t, summary.Sortino)
	assert.Zero(t, summary.MaxDrawdown)
}

func TestEvaluate_EmptySeries(t *testing.T) {
	evaluator := NewEvaluator(0, zerolog.Nop())

	_, err := evaluator.Evaluate(nil)
	var estErr *domain.EstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, domain.ReasonInsufficientHistory, estErr.Reason)
}

func TestSummary_Map(t *testing.T) {
	evaluator := NewEvaluator(0, zerolog.Nop())
	summary, err := evaluator.Evaluate([]float64{0.01, -0.02, 0.03})
	require.NoError(t, err)

	m := summary.Map()
	assert.Len(t, m, 7)
	assert.Equal(t, summary.TotalReturn, m["total_return"])
	assert.Equal(t, summary.Sharpe, m["sharpe"])
}
