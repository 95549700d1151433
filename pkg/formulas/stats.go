// Package formulas provides pure statistical formulas shared across the
// optimization, risk and performance modules.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualization base for daily return series.
const TradingDaysPerYear = 252.0

// Mean calculates the arithmetic mean of a slice of float64 values.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values.
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values.
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Covariance calculates the sample covariance between two datasets.
func Covariance(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// Correlation calculates the Pearson correlation coefficient between two datasets.
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// EWMAMean calculates an exponentially weighted mean with the given half-life,
// weighting the most recent observation highest. Weights are normalized so a
// constant series returns the constant.
func EWMAMean(data []float64, halfLife float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	if halfLife <= 0 {
		return Mean(data)
	}

	lambda := math.Ln2 / halfLife
	sum := 0.0
	weightSum := 0.0
	for i, v := range data {
		age := float64(n - 1 - i) // 0 for newest
		w := math.Exp(-lambda * age)
		sum += w * v
		weightSum += w
	}
	if weightSum <= 0 {
		return 0
	}
	return sum / weightSum
}

// AnnualizedVolatility calculates annualized volatility from daily returns:
// std(returns) * sqrt(252).
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(TradingDaysPerYear)
}

// CumulativeReturn compounds a return series: (1+r1)*(1+r2)*...*(1+rN) - 1.
func CumulativeReturn(returns []float64) float64 {
	cumulative := 1.0
	for _, r := range returns {
		cumulative *= (1 + r)
	}
	return cumulative - 1
}

// AnnualizedReturn computes the compound annual growth rate from a series of
// periodic returns: ((1+r1)*...*(1+rN))^(252/N) - 1. For very short series
// (< 3 periods) the simple cumulative return is returned to avoid extreme
// annualization.
func AnnualizedReturn(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	cumulative := 1.0 + CumulativeReturn(returns)
	numPeriods := float64(len(returns))
	if numPeriods < 3 {
		return cumulative - 1
	}
	if cumulative <= 0 {
		return -1
	}

	years := numPeriods / TradingDaysPerYear
	return math.Pow(cumulative, 1.0/years) - 1
}

// DownsideDeviation computes the standard deviation of returns below the
// minimum acceptable return (per period), using the full sample count in the
// denominator as in the Sortino ratio definition.
func DownsideDeviation(returns []float64, minAcceptable float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, r := range returns {
		if r < minAcceptable {
			d := r - minAcceptable
			sumSq += d * d
		}
	}
	return math.Sqrt(sumSq / float64(len(returns)))
}

// PortfolioVariance computes w' Σ w for a weight vector and covariance matrix.
func PortfolioVariance(weights []float64, cov [][]float64) float64 {
	variance := 0.0
	for i := range weights {
		for j := range weights {
			variance += weights[i] * weights[j] * cov[i][j]
		}
	}
	return variance
}
