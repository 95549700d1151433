// Package performance computes risk-adjusted return metrics over a realized
// portfolio return path. Everything here is a pure function of the series;
// no portfolio state is touched.
package performance

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/pkg/formulas"
)

// Summary carries the scalar metrics of one evaluated path.
type Summary struct {
	TotalReturn          float64 `json:"total_return"`
	AnnualizedReturn     float64 `json:"annualized_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	Sharpe               float64 `json:"sharpe"`
	Sortino              float64 `json:"sortino"`
	Calmar               float64 `json:"calmar"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	Periods              int     `json:"periods"`
}

// Map flattens the summary into the metric map rendered by reports.
func (s Summary) Map() map[string]float64 {
	return map[string]float64{
		"total_return":          s.TotalReturn,
		"annualized_return":     s.AnnualizedReturn,
		"annualized_volatility": s.AnnualizedVolatility,
		"sharpe":                s.Sharpe,
		"sortino":               s.Sortino,
		"calmar":                s.Calmar,
		"max_drawdown":          s.MaxDrawdown,
	}
}

// Evaluator computes performance summaries against a configured risk-free
// rate (annualized).
type Evaluator struct {
	riskFreeRate float64
	log          zerolog.Logger
}

func NewEvaluator(riskFreeRate float64, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		riskFreeRate: riskFreeRate,
		log:          log.With().Str("component", "performance").Logger(),
	}
}

// Evaluate summarizes a per-period return path. Ratios with a zero
// denominator are reported as zero rather than infinity so the summary stays
// serializable.
func (e *Evaluator) Evaluate(returns []float64) (*Summary, error) {
	if len(returns) == 0 {
		return nil, &domain.EstimationError{
			Reason: domain.ReasonInsufficientHistory,
			Detail: "empty return series",
		}
	}

	annualReturn := formulas.AnnualizedReturn(returns)
	volatility := formulas.AnnualizedVolatility(returns)
	maxDD := formulas.MaxDrawdown(returns)

	summary := &Summary{
		TotalReturn:          formulas.CumulativeReturn(returns),
		AnnualizedReturn:     annualReturn,
		AnnualizedVolatility: volatility,
		MaxDrawdown:          maxDD,
		Periods:              len(returns),
	}

	excess := annualReturn - e.riskFreeRate
	if volatility > 0 {
		summary.Sharpe = excess / volatility
	}

	downside := formulas.DownsideDeviation(returns, 0) * math.Sqrt(formulas.TradingDaysPerYear)
	if downside > 0 {
		summary.Sortino = excess / downside
	}

	if maxDD < 0 {
		summary.Calmar = annualReturn / math.Abs(maxDD)
	}

	e.log.Debug().Int("periods", len(returns)).Msg("performance evaluated")
	return summary, nil
}
