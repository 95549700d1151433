// Package estimation turns raw return series into expected-return vectors and
// regularized covariance matrices for the optimizer.
package estimation

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/pkg/formulas"
)

const (
	// DefaultMinObservations is the minimum number of pairwise-complete
	// observations required to estimate a covariance entry.
	DefaultMinObservations = 2

	// DefaultRidgeScale scales the ridge epsilon relative to the mean
	// diagonal entry (trace/N) when the shrunk matrix is not positive
	// definite.
	DefaultRidgeScale = 1e-4
)

// Options configures an Estimator.
type Options struct {
	// Shrinkage is the Ledoit-Wolf shrinkage intensity in [0,1]. A negative
	// value selects the data-driven intensity.
	Shrinkage float64
	// UseEWMA switches expected returns from arithmetic to exponentially
	// weighted means with HalfLife periods.
	UseEWMA  bool
	HalfLife float64
	// MinObservations is the minimum pairwise-complete sample size.
	MinObservations int
	// RidgeScale controls the regularization epsilon relative to trace/N.
	RidgeScale float64
}

// DefaultOptions returns the options used when a zero value is supplied.
func DefaultOptions() Options {
	return Options{
		Shrinkage:       -1,
		MinObservations: DefaultMinObservations,
		RidgeScale:      DefaultRidgeScale,
	}
}

// Estimate is the output of one estimation pass: an expected-return vector and
// a regularized covariance matrix over the same window.
type Estimate struct {
	Assets          []string
	ExpectedReturns map[string]float64
	Cov             [][]float64
	// Ridged records whether ridge regularization was needed to reach
	// positive definiteness.
	Ridged bool
}

// Estimator builds covariance matrices and expected returns from return series.
type Estimator struct {
	opts Options
	log  zerolog.Logger
}

// New creates a new estimator.
func New(opts Options, log zerolog.Logger) *Estimator {
	if opts.MinObservations <= 0 {
		opts.MinObservations = DefaultMinObservations
	}
	if opts.RidgeScale <= 0 {
		opts.RidgeScale = DefaultRidgeScale
	}
	return &Estimator{
		opts: opts,
		log:  log.With().Str("component", "estimator").Logger(),
	}
}

// Estimate computes expected returns and a regularized covariance matrix from
// the given series. Missing values (NaN) are handled with pairwise-complete
// observations rather than imputation.
func (e *Estimator) Estimate(series *domain.ReturnSeries) (*Estimate, error) {
	assets := series.Assets()
	n := len(assets)
	t := series.Len()

	if n == 0 {
		return nil, &domain.EstimationError{Reason: domain.ReasonInsufficientHistory, Detail: "no assets"}
	}
	if t < e.opts.MinObservations {
		return nil, &domain.EstimationError{
			Reason: domain.ReasonInsufficientHistory,
			Detail: fmt.Sprintf("only %d observations, need at least %d", t, e.opts.MinObservations),
		}
	}

	columns := make([][]float64, n)
	for i, asset := range assets {
		column, _ := series.Returns(asset)
		columns[i] = column
	}

	mu := e.expectedReturns(assets, columns)

	sample, err := e.pairwiseCovariance(assets, columns)
	if err != nil {
		return nil, err
	}

	shrunk := applyShrinkage(sample, e.opts.Shrinkage)

	cov, ridged, err := e.ensurePositiveDefinite(shrunk)
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Int("num_assets", n).
		Int("num_observations", t).
		Bool("ridged", ridged).
		Msg("Built covariance estimate")

	return &Estimate{
		Assets:          assets,
		ExpectedReturns: mu,
		Cov:             cov,
		Ridged:          ridged,
	}, nil
}

// expectedReturns derives per-asset expected returns from the same window as
// the covariance matrix, skipping NaN observations.
func (e *Estimator) expectedReturns(assets []string, columns [][]float64) map[string]float64 {
	mu := make(map[string]float64, len(assets))
	for i, asset := range assets {
		clean := make([]float64, 0, len(columns[i]))
		for _, v := range columns[i] {
			if !math.IsNaN(v) {
				clean = append(clean, v)
			}
		}
		if e.opts.UseEWMA {
			mu[asset] = formulas.EWMAMean(clean, e.opts.HalfLife)
		} else {
			mu[asset] = formulas.Mean(clean)
		}
	}
	return mu
}

// pairwiseCovariance computes the sample covariance matrix using, for each
// pair of assets, only the periods where both observations are present.
func (e *Estimator) pairwiseCovariance(assets []string, columns [][]float64) ([][]float64, error) {
	n := len(assets)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			xs := make([]float64, 0, len(columns[i]))
			ys := make([]float64, 0, len(columns[i]))
			for k := range columns[i] {
				if math.IsNaN(columns[i][k]) || math.IsNaN(columns[j][k]) {
					continue
				}
				xs = append(xs, columns[i][k])
				ys = append(ys, columns[j][k])
			}
			if len(xs) < e.opts.MinObservations {
				return nil, &domain.EstimationError{
					Reason: domain.ReasonInsufficientHistory,
					Detail: fmt.Sprintf("assets %s/%s share only %d complete observations", assets[i], assets[j], len(xs)),
				}
			}
			c := formulas.Covariance(xs, ys)
			cov[i][j] = c
			cov[j][i] = c
		}
	}

	return cov, nil
}

// ensurePositiveDefinite checks the matrix with a Cholesky factorization and,
// if needed, applies ridge regularization Σ' = Σ + εI with ε scaled to the
// matrix trace. A matrix that stays non-positive-definite after the ridge is
// an estimation failure, never silently passed downstream.
func (e *Estimator) ensurePositiveDefinite(cov [][]float64) ([][]float64, bool, error) {
	n := len(cov)
	for i := 0; i < n; i++ {
		if cov[i][i] < 0 {
			return nil, false, &domain.EstimationError{
				Reason: domain.ReasonSingularCovariance,
				Detail: fmt.Sprintf("negative variance on diagonal entry %d", i),
			}
		}
	}

	if isPositiveDefinite(cov) {
		return cov, false, nil
	}

	eps := e.opts.RidgeScale * trace(cov) / float64(n)
	if eps <= 0 {
		eps = e.opts.RidgeScale
	}

	ridged := Regularize(cov, eps)
	if !isPositiveDefinite(ridged) {
		// One escalation before giving up
		ridged = Regularize(cov, eps*100)
		if !isPositiveDefinite(ridged) {
			return nil, false, &domain.EstimationError{
				Reason: domain.ReasonSingularCovariance,
				Detail: "covariance matrix not positive definite after ridge regularization",
			}
		}
	}

	e.log.Warn().
		Float64("epsilon", eps).
		Msg("Applied ridge regularization to singular covariance matrix")

	return ridged, true, nil
}

// Regularize returns a copy of the matrix with eps added to the diagonal.
func Regularize(cov [][]float64, eps float64) [][]float64 {
	n := len(cov)
	out := make([][]float64, n)
	for i := range cov {
		out[i] = make([]float64, n)
		copy(out[i], cov[i])
		out[i][i] += eps
	}
	return out
}

func trace(cov [][]float64) float64 {
	sum := 0.0
	for i := range cov {
		sum += cov[i][i]
	}
	return sum
}

func isPositiveDefinite(cov [][]float64) bool {
	n := len(cov)
	if n == 0 {
		return false
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, cov[i][j])
		}
	}
	var chol mat.Cholesky
	return chol.Factorize(sym)
}

// applyShrinkage shrinks the sample covariance toward a constant-correlation
// target: diagonal entries toward the average variance, off-diagonal entries
// toward the average covariance. Negative intensity selects a simplified
// data-driven intensity capped at 0.5.
func applyShrinkage(sample [][]float64, intensity float64) [][]float64 {
	n := len(sample)
	if n < 2 {
		return sample
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample[i][j]
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		return avgCov
	}

	delta := intensity
	if delta < 0 {
		delta = estimateShrinkageIntensity(sample, target, avgVar)
	}
	if delta > 1 {
		delta = 1
	}

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = (1-delta)*sample[i][j] + delta*target(i, j)
		}
	}
	return out
}

func estimateShrinkageIntensity(sample [][]float64, target func(i, j int) float64, avgVar float64) float64 {
	n := len(sample)
	if n <= 2 || avgVar <= 0 {
		return 0.2
	}

	var sumSqDiff float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff := sample[i][j] - target(i, j)
			sumSqDiff += diff * diff
		}
	}
	meanSqDiff := sumSqDiff / float64(n*n)

	var sum, sumSq float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum += sample[i][j]
			sumSq += sample[i][j] * sample[i][j]
		}
	}
	count := float64(n * n)
	meanSample := sum / count
	varSample := sumSq/count - meanSample*meanSample

	if varSample <= 0 || meanSqDiff <= 0 {
		return 0.2
	}
	return math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
}
