package optimization

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/pkg/formulas"
)

const clusterMaxIterations = 100

// solveCluster partitions the universe by return-series similarity, runs a
// minimum-variance solve inside each cluster, and weights the clusters by
// inverse cluster variance.
func (e *Engine) solveCluster(ctx context.Context, in Inputs, cov [][]float64) ([]float64, error) {
	n := len(in.Assets)
	k := e.params.NumClusters
	if k > n {
		k = n
	}

	series := make([][]float64, n)
	periods := -1
	for i, asset := range in.Assets {
		r, ok := in.Returns[asset]
		if !ok || len(r) == 0 {
			return nil, &domain.OptimizationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("cluster strategy requires return series for asset %s", asset),
			}
		}
		if periods == -1 {
			periods = len(r)
		} else if len(r) != periods {
			return nil, &domain.OptimizationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("return series for asset %s has %d observations, expected %d", asset, len(r), periods),
			}
		}
		series[i] = standardize(r)
	}

	assignments := kMeans(series, k)

	clusters := make([][]int, 0, k)
	byCluster := make(map[int][]int)
	for i, c := range assignments {
		byCluster[c] = append(byCluster[c], i)
	}
	for c := 0; c < k; c++ {
		if members := byCluster[c]; len(members) > 0 {
			clusters = append(clusters, members)
		}
	}

	// Solve a minimum-variance subproblem inside each cluster, under the
	// full constraint set restricted to the cluster's members.
	intraWeights := make([][]float64, len(clusters))
	clusterVariance := make([]float64, len(clusters))
	for ci, members := range clusters {
		subAssets := make([]string, len(members))
		for i, idx := range members {
			subAssets[i] = in.Assets[idx]
		}
		subCov := submatrix(cov, members)

		var sub []float64
		if len(members) == 1 {
			sub = []float64{1.0}
		} else {
			subSet, err := in.Constraints.Restrict(subAssets)
			if err != nil {
				return nil, fmt.Errorf("restrict constraints to cluster %d: %w", ci, err)
			}
			subIn := Inputs{
				Assets:      subAssets,
				Cov:         subCov,
				Constraints: subSet,
			}
			sub, err = e.solveMinVariance(ctx, subIn, subCov)
			if err != nil {
				return nil, fmt.Errorf("cluster %d minimum-variance solve: %w", ci, err)
			}
		}

		intraWeights[ci] = sub
		clusterVariance[ci] = formulas.PortfolioVariance(sub, subCov)
	}

	// Inverse-variance allocation across clusters.
	clusterWeight := make([]float64, len(clusters))
	invSum := 0.0
	for ci, v := range clusterVariance {
		if v <= 1e-12 {
			v = 1e-12
		}
		clusterWeight[ci] = 1 / v
		invSum += clusterWeight[ci]
	}
	for ci := range clusterWeight {
		clusterWeight[ci] /= invSum
	}

	weights := make([]float64, n)
	for ci, members := range clusters {
		for i, idx := range members {
			weights[idx] = clusterWeight[ci] * intraWeights[ci][i]
		}
	}

	// The per-cluster solves honor asset bounds relative to their cluster
	// budget, not the full portfolio, so one final constrained pass cleans
	// up residual violations.
	lower, upper := buildBounds(in.Assets, in.Constraints)
	spec := solveSpec{
		n:         n,
		lower:     lower,
		upper:     upper,
		groups:    buildGroups(in.Assets, in.Constraints),
		tolerance: e.tolerance,
	}
	weights = finalizeWeights(weights, lower, upper)
	if err := checkFeasibility(weights, spec); err != nil {
		return nil, err
	}
	return weights, nil
}

// standardize centers a series and scales it to unit variance. A flat series
// standardizes to all zeros.
func standardize(r []float64) []float64 {
	mean := formulas.Mean(r)
	sd := formulas.StdDev(r)
	out := make([]float64, len(r))
	if sd < 1e-12 {
		return out
	}
	for i, v := range r {
		out[i] = (v - mean) / sd
	}
	return out
}

// kMeans runs Lloyd's algorithm with deterministic evenly spaced seeding so
// repeated runs on the same inputs produce the same partition.
func kMeans(series [][]float64, k int) []int {
	n := len(series)
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	dim := len(series[0])
	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		seed := c * n / k
		centroids[c] = append([]float64(nil), series[seed]...)
	}

	assignments := make([]int, n)
	for iter := 0; iter < clusterMaxIterations; iter++ {
		changed := false
		for i, s := range series {
			best := 0
			bestDist := math.Inf(1)
			for c := range centroids {
				d := squaredDistance(s, centroids[c])
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		for c := range centroids {
			centroids[c] = make([]float64, dim)
		}
		for i, s := range series {
			c := assignments[i]
			counts[c]++
			for j, v := range s {
				centroids[c][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] /= float64(counts[c])
			}
		}
	}
	return assignments
}

func squaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func submatrix(cov [][]float64, indices []int) [][]float64 {
	out := make([][]float64, len(indices))
	for i, ri := range indices {
		out[i] = make([]float64, len(indices))
		for j, rj := range indices {
			out[i][j] = cov[ri][rj]
		}
	}
	return out
}
