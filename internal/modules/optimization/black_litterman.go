package optimization

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/allocator/internal/domain"
)

// equilibriumReturns computes the implied market returns Π = λΣw from the
// supplied market-capitalization weights.
func equilibriumReturns(marketWeights map[string]float64, assets []string, cov [][]float64, riskAversion float64) ([]float64, error) {
	n := len(assets)

	w := mat.NewVecDense(n, nil)
	for i, asset := range assets {
		weight, ok := marketWeights[asset]
		if !ok {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonInvalidParameter,
				Detail: fmt.Sprintf("market weight missing for asset %s", asset),
			}
		}
		w.SetVec(i, weight)
	}

	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sigma.Set(i, j, cov[i][j])
		}
	}

	var sigmaW mat.VecDense
	sigmaW.MulVec(sigma, w)

	pi := make([]float64, n)
	for i := range pi {
		pi[i] = riskAversion * sigmaW.AtVec(i)
	}
	return pi, nil
}

// blendViews applies the Black-Litterman posterior
// E[R] = [(τΣ)⁻¹ + P'Ω⁻¹P]⁻¹ [(τΣ)⁻¹Π + P'Ω⁻¹Q]
// with a diagonal uncertainty matrix Ω derived from each view's confidence.
func blendViews(pi []float64, views []View, assets []string, cov [][]float64, tau float64) ([]float64, error) {
	if len(views) == 0 {
		return pi, nil
	}

	n := len(assets)
	m := len(views)

	index := make(map[string]int, n)
	for i, asset := range assets {
		index[asset] = i
	}

	P := mat.NewDense(m, n, nil)
	Q := mat.NewVecDense(m, nil)
	omega := mat.NewDense(m, m, nil)

	for i, view := range views {
		Q.SetVec(i, view.Return)

		uncertainty := 1.0 - view.Confidence
		if uncertainty < 1e-6 {
			uncertainty = 1e-6
		}
		omega.Set(i, i, uncertainty)

		switch view.Type {
		case ViewAbsolute:
			j, ok := index[view.Asset]
			if !ok {
				return nil, &domain.ConfigurationError{
					Reason: domain.ReasonInvalidParameter,
					Detail: fmt.Sprintf("view references unknown asset %s", view.Asset),
				}
			}
			P.Set(i, j, 1.0)
		case ViewRelative:
			long, okLong := index[view.AssetLong]
			short, okShort := index[view.AssetShort]
			if !okLong || !okShort {
				return nil, &domain.ConfigurationError{
					Reason: domain.ReasonInvalidParameter,
					Detail: fmt.Sprintf("relative view references unknown asset pair %s/%s", view.AssetLong, view.AssetShort),
				}
			}
			P.Set(i, long, 1.0)
			P.Set(i, short, -1.0)
		default:
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonInvalidParameter,
				Detail: fmt.Sprintf("unknown view type %q", view.Type),
			}
		}
	}

	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sigma.Set(i, j, cov[i][j])
		}
	}

	piVec := mat.NewVecDense(n, pi)

	tauSigma := mat.NewDense(n, n, nil)
	tauSigma.Scale(tau, sigma)

	var tauSigmaInv mat.Dense
	if err := tauSigmaInv.Inverse(tauSigma); err != nil {
		return nil, &domain.OptimizationError{
			Reason: domain.ReasonSingularCovariance,
			Detail: fmt.Sprintf("invert scaled covariance: %v", err),
		}
	}

	var omegaInv mat.Dense
	if err := omegaInv.Inverse(omega); err != nil {
		return nil, &domain.OptimizationError{
			Reason: domain.ReasonInvalidInput,
			Detail: fmt.Sprintf("invert view uncertainty: %v", err),
		}
	}

	var pTrans mat.Dense
	pTrans.CloneFrom(P.T())
	var pTransOmegaInv mat.Dense
	pTransOmegaInv.Mul(&pTrans, &omegaInv)
	var pTransOmegaInvP mat.Dense
	pTransOmegaInvP.Mul(&pTransOmegaInv, P)

	var posteriorPrecision mat.Dense
	posteriorPrecision.Add(&tauSigmaInv, &pTransOmegaInvP)

	var posteriorCov mat.Dense
	if err := posteriorCov.Inverse(&posteriorPrecision); err != nil {
		return nil, &domain.OptimizationError{
			Reason: domain.ReasonSingularCovariance,
			Detail: fmt.Sprintf("invert posterior precision: %v", err),
		}
	}

	var priorTerm mat.VecDense
	priorTerm.MulVec(&tauSigmaInv, piVec)

	var viewTerm mat.VecDense
	viewTerm.MulVec(&pTransOmegaInv, Q)

	var rhs mat.VecDense
	rhs.AddVec(&priorTerm, &viewTerm)

	var posterior mat.VecDense
	posterior.MulVec(&posteriorCov, &rhs)

	blended := make([]float64, n)
	for i := range blended {
		blended[i] = posterior.AtVec(i)
	}
	return blended, nil
}

// solveBlackLitterman replaces the sample expected returns with the
// Black-Litterman posterior and then runs the mean-variance solve.
func (e *Engine) solveBlackLitterman(ctx context.Context, in Inputs, cov [][]float64) ([]float64, error) {
	pi, err := equilibriumReturns(e.params.MarketWeights, in.Assets, cov, e.params.RiskAversion)
	if err != nil {
		return nil, err
	}

	mu, err := blendViews(pi, e.params.Views, in.Assets, cov, e.params.Tau)
	if err != nil {
		return nil, err
	}

	return e.solveMeanVariance(ctx, in, mu, cov)
}
