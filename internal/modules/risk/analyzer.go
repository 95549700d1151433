// Package risk provides tail-risk analytics over realized return series.
// Every function is a pure function of its inputs; Monte Carlo methods take
// an explicit seed so identical calls produce identical numbers.
package risk

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/pkg/formulas"
)

// DefaultSimulations is the Monte Carlo draw count used when a report does
// not specify one.
const DefaultSimulations = 10000

// Report bundles the tail-risk statistics for one return series at the
// requested confidence levels. Confidence is keyed by ConfidenceKey so the
// report serializes to JSON directly.
type Report struct {
	Confidence      map[string]Metrics `json:"confidence"`
	MaxDrawdown     float64            `json:"max_drawdown"`
	Observations    int                `json:"observations"`
	MonteCarloDraws int                `json:"monte_carlo_draws"`
	MonteCarloSeed  int64              `json:"monte_carlo_seed"`
}

// ConfidenceKey formats a confidence level as a Report map key.
func ConfidenceKey(confidence float64) string {
	return strconv.FormatFloat(confidence, 'g', -1, 64)
}

// Metrics holds the per-confidence-level measures.
type Metrics struct {
	HistoricalVaR     float64 `json:"historical_var"`
	ParametricVaR     float64 `json:"parametric_var"`
	MonteCarloVaR     float64 `json:"monte_carlo_var"`
	ExpectedShortfall float64 `json:"expected_shortfall"`
}

// Analyzer computes VaR, expected shortfall and drawdown statistics.
type Analyzer struct {
	log zerolog.Logger
}

func NewAnalyzer(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log.With().Str("component", "risk").Logger()}
}

// HistoricalVaR is the nearest-rank empirical quantile of the return series
// at the (1-confidence) tail. The result is a return level, negative in a
// loss tail.
func HistoricalVaR(returns []float64, confidence float64) (float64, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return 0, err
	}
	return formulas.NearestRankQuantile(returns, 1-confidence), nil
}

// ParametricVaR assumes normally distributed returns and evaluates
// mean + z(1-confidence) * std.
func ParametricVaR(returns []float64, confidence float64) (float64, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return 0, err
	}
	mean := formulas.Mean(returns)
	sd := formulas.StdDev(returns)
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - confidence)
	return mean + z*sd, nil
}

// MonteCarloVaR fits a normal distribution to the series, simulates the
// requested number of draws with the given seed and takes the nearest-rank
// quantile of the simulated sample.
func MonteCarloVaR(returns []float64, confidence float64, draws int, seed int64) (float64, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return 0, err
	}
	if draws <= 0 {
		return 0, &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("monte carlo draw count %d must be positive", draws),
		}
	}

	mean := formulas.Mean(returns)
	sd := formulas.StdDev(returns)

	rng := rand.New(rand.NewSource(seed))
	simulated := make([]float64, draws)
	for i := range simulated {
		simulated[i] = mean + sd*rng.NormFloat64()
	}
	return formulas.NearestRankQuantile(simulated, 1-confidence), nil
}

// ExpectedShortfall is the mean of all returns at or below the historical
// VaR threshold.
func ExpectedShortfall(returns []float64, confidence float64) (float64, error) {
	threshold, err := HistoricalVaR(returns, confidence)
	if err != nil {
		return 0, err
	}
	return formulas.TailMean(returns, threshold), nil
}

// MaxDrawdown is the deepest peak-to-trough decline of the cumulative
// return curve, always ≤ 0.
func MaxDrawdown(returns []float64) (float64, error) {
	if len(returns) == 0 {
		return 0, &domain.EstimationError{
			Reason: domain.ReasonInsufficientHistory,
			Detail: "empty return series",
		}
	}
	return formulas.MaxDrawdown(returns), nil
}

// ReportOptions configures BuildReport. Confidences defaults to {0.95, 0.99}
// and Draws to DefaultSimulations.
type ReportOptions struct {
	Confidences []float64
	Draws       int
	Seed        int64
}

// BuildReport evaluates every measure at every requested confidence level.
func (a *Analyzer) BuildReport(returns []float64, opts ReportOptions) (*Report, error) {
	confidences := opts.Confidences
	if len(confidences) == 0 {
		confidences = []float64{0.95, 0.99}
	}
	draws := opts.Draws
	if draws <= 0 {
		draws = DefaultSimulations
	}

	maxDD, err := MaxDrawdown(returns)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Confidence:      make(map[string]Metrics, len(confidences)),
		MaxDrawdown:     maxDD,
		Observations:    len(returns),
		MonteCarloDraws: draws,
		MonteCarloSeed:  opts.Seed,
	}

	sorted := make([]float64, len(confidences))
	copy(sorted, confidences)
	sort.Float64s(sorted)

	for _, confidence := range sorted {
		historical, err := HistoricalVaR(returns, confidence)
		if err != nil {
			return nil, err
		}
		parametric, err := ParametricVaR(returns, confidence)
		if err != nil {
			return nil, err
		}
		monteCarlo, err := MonteCarloVaR(returns, confidence, draws, opts.Seed)
		if err != nil {
			return nil, err
		}
		es, err := ExpectedShortfall(returns, confidence)
		if err != nil {
			return nil, err
		}

		report.Confidence[ConfidenceKey(confidence)] = Metrics{
			HistoricalVaR:     historical,
			ParametricVaR:     parametric,
			MonteCarloVaR:     monteCarlo,
			ExpectedShortfall: es,
		}
	}

	a.log.Debug().
		Int("observations", len(returns)).
		Int("draws", draws).
		Msg("risk report built")
	return report, nil
}

// PortfolioReturns collapses per-asset return series into the weighted
// portfolio return path used by the analyzer.
func PortfolioReturns(weights map[string]float64, returns map[string][]float64) ([]float64, error) {
	if len(weights) == 0 {
		return nil, &domain.EstimationError{
			Reason: domain.ReasonInvalidInput,
			Detail: "empty weights",
		}
	}

	length := -1
	for asset := range weights {
		series, ok := returns[asset]
		if !ok {
			return nil, &domain.EstimationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("missing return series for asset %s", asset),
			}
		}
		if length == -1 {
			length = len(series)
		} else if len(series) != length {
			return nil, &domain.EstimationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("return series for asset %s has length %d, expected %d", asset, len(series), length),
			}
		}
	}

	portfolio := make([]float64, length)
	for asset, weight := range weights {
		for t, r := range returns[asset] {
			portfolio[t] += weight * r
		}
	}
	return portfolio, nil
}

func checkInputs(returns []float64, confidence float64) error {
	if len(returns) == 0 {
		return &domain.EstimationError{
			Reason: domain.ReasonInsufficientHistory,
			Detail: "empty return series",
		}
	}
	if confidence <= 0 || confidence >= 1 {
		return &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("confidence %.4f outside (0, 1)", confidence),
		}
	}
	return nil
}
