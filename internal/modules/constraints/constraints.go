// Package constraints provides declarative weight-vector constraints validated
// for joint feasibility before any optimizer call.
package constraints

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/allocator/internal/domain"
)

// Bound is a per-asset [Min,Max] weight bound. Long-only: 0 <= Min <= Max <= 1.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// GroupBound constrains the aggregate weight of a named group of assets
// (sector, country, or factor bucket).
type GroupBound struct {
	Group  string   `json:"group"`
	Assets []string `json:"assets"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
}

// Set is an immutable, jointly feasible constraint set. It is validated once
// at construction and then shared read-only across optimizer calls within a
// rebalance.
type Set struct {
	assets          []string
	bounds          map[string]Bound
	groups          []GroupBound
	maxPairwiseCorr float64
}

// Builder-style parameters for NewSet. A nil bounds map means [0,1] for every
// asset; maxPairwiseCorr <= 0 disables correlation pruning.
func NewSet(assets []string, bounds map[string]Bound, groups []GroupBound, maxPairwiseCorr float64) (*Set, error) {
	if len(assets) == 0 {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonContradictoryConstraints,
			Detail: "constraint set needs at least one asset",
		}
	}
	if maxPairwiseCorr > 1 {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("max pairwise correlation %.4f exceeds 1", maxPairwiseCorr),
		}
	}

	known := make(map[string]bool, len(assets))
	for _, asset := range assets {
		known[asset] = true
	}

	copiedBounds := make(map[string]Bound, len(bounds))
	minSum := 0.0
	maxSum := 0.0
	for _, asset := range assets {
		b, ok := bounds[asset]
		if !ok {
			b = Bound{Min: 0, Max: 1}
		}
		if b.Min < 0 || b.Max > 1 || b.Min > b.Max {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonContradictoryConstraints,
				Detail: fmt.Sprintf("asset %s has invalid bounds [%.4f, %.4f]", asset, b.Min, b.Max),
			}
		}
		copiedBounds[asset] = b
		minSum += b.Min
		maxSum += b.Max
	}
	for asset := range bounds {
		if !known[asset] {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonContradictoryConstraints,
				Detail: fmt.Sprintf("bound references unknown asset %s", asset),
			}
		}
	}

	if minSum > 1+domain.WeightSumTolerance {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonContradictoryConstraints,
			Detail: fmt.Sprintf("per-asset minimums sum to %.4f > 1", minSum),
		}
	}
	if maxSum < 1-domain.WeightSumTolerance {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonContradictoryConstraints,
			Detail: fmt.Sprintf("per-asset maximums sum to %.4f < 1", maxSum),
		}
	}

	copiedGroups := make([]GroupBound, 0, len(groups))
	groupMinSum := 0.0
	groupMaxSum := 0.0
	for _, g := range groups {
		if g.Min < 0 || g.Max > 1 || g.Min > g.Max {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonContradictoryConstraints,
				Detail: fmt.Sprintf("group %s has invalid bounds [%.4f, %.4f]", g.Group, g.Min, g.Max),
			}
		}
		members := make([]string, 0, len(g.Assets))
		for _, asset := range g.Assets {
			if !known[asset] {
				return nil, &domain.ConfigurationError{
					Reason: domain.ReasonContradictoryConstraints,
					Detail: fmt.Sprintf("group %s references unknown asset %s", g.Group, asset),
				}
			}
			members = append(members, asset)
		}
		sort.Strings(members)
		copiedGroups = append(copiedGroups, GroupBound{Group: g.Group, Assets: members, Min: g.Min, Max: g.Max})
		groupMinSum += g.Min
		groupMaxSum += g.Max
	}

	if len(copiedGroups) > 0 {
		if groupMinSum > 1+domain.WeightSumTolerance {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonContradictoryConstraints,
				Detail: fmt.Sprintf("group minimums sum to %.4f > 1", groupMinSum),
			}
		}
		if coversUniverse(copiedGroups, assets) && groupMaxSum < 1-domain.WeightSumTolerance {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonContradictoryConstraints,
				Detail: fmt.Sprintf("group maximums sum to %.4f < 1 while covering the full universe", groupMaxSum),
			}
		}
	}

	sortedAssets := make([]string, len(assets))
	copy(sortedAssets, assets)
	sort.Strings(sortedAssets)

	return &Set{
		assets:          sortedAssets,
		bounds:          copiedBounds,
		groups:          copiedGroups,
		maxPairwiseCorr: maxPairwiseCorr,
	}, nil
}

// Unconstrained returns a long-only [0,1] constraint set over the assets.
func Unconstrained(assets []string) *Set {
	set, err := NewSet(assets, nil, nil, 0)
	if err != nil {
		// Only reachable with an empty universe; callers guard that.
		panic(err)
	}
	return set
}

// SectorGroups derives group bounds from asset metadata: assets sharing a
// sector form one group, bounded by the limit registered under that sector
// name. Sectors without a registered limit get [0,1]. Assets with an empty
// sector are left ungrouped.
func SectorGroups(meta []domain.AssetMeta, limits map[string]Bound) []GroupBound {
	bySector := make(map[string][]string)
	for _, m := range meta {
		if m.Sector == "" {
			continue
		}
		bySector[m.Sector] = append(bySector[m.Sector], m.Asset)
	}

	sectors := make([]string, 0, len(bySector))
	for sector := range bySector {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)

	groups := make([]GroupBound, 0, len(sectors))
	for _, sector := range sectors {
		assets := bySector[sector]
		sort.Strings(assets)
		bound := Bound{Min: 0, Max: 1}
		if b, ok := limits[sector]; ok {
			bound = b
		}
		groups = append(groups, GroupBound{
			Group:  sector,
			Assets: assets,
			Min:    bound.Min,
			Max:    bound.Max,
		})
	}
	return groups
}

// coversUniverse reports whether every asset belongs to at least one group.
func coversUniverse(groups []GroupBound, assets []string) bool {
	covered := make(map[string]bool)
	for _, g := range groups {
		for _, asset := range g.Assets {
			covered[asset] = true
		}
	}
	for _, asset := range assets {
		if !covered[asset] {
			return false
		}
	}
	return true
}

// Assets returns the constrained universe in sorted order.
func (s *Set) Assets() []string {
	out := make([]string, len(s.assets))
	copy(out, s.assets)
	return out
}

// Bounds returns the per-asset bound, defaulting to [0,1].
func (s *Set) Bounds(asset string) Bound {
	if b, ok := s.bounds[asset]; ok {
		return b
	}
	return Bound{Min: 0, Max: 1}
}

// Groups returns a copy of the group bounds.
func (s *Set) Groups() []GroupBound {
	out := make([]GroupBound, len(s.groups))
	copy(out, s.groups)
	return out
}

// MaxPairwiseCorrelation returns the correlation ceiling, 0 when disabled.
func (s *Set) MaxPairwiseCorrelation() float64 {
	return s.maxPairwiseCorr
}

// Restrict returns a new set over the given subset of assets, keeping the
// per-asset bounds and dropping group members outside the subset.
func (s *Set) Restrict(assets []string) (*Set, error) {
	keep := make(map[string]bool, len(assets))
	for _, asset := range assets {
		keep[asset] = true
	}

	bounds := make(map[string]Bound, len(assets))
	for _, asset := range assets {
		bounds[asset] = s.Bounds(asset)
	}

	groups := make([]GroupBound, 0, len(s.groups))
	for _, g := range s.groups {
		members := make([]string, 0, len(g.Assets))
		for _, asset := range g.Assets {
			if keep[asset] {
				members = append(members, asset)
			}
		}
		if len(members) > 0 {
			groups = append(groups, GroupBound{Group: g.Group, Assets: members, Min: g.Min, Max: g.Max})
		}
	}

	return NewSet(assets, bounds, groups, s.maxPairwiseCorr)
}

// PruneCorrelated applies the maximum-pairwise-correlation rule to the
// candidate universe: for every pair whose correlation exceeds the ceiling,
// the asset with the higher variance is dropped. Assets pinned by a positive
// minimum bound are never pruned. Returns the surviving assets in the order of
// the input slice.
func (s *Set) PruneCorrelated(assets []string, cov [][]float64) []string {
	if s.maxPairwiseCorr <= 0 || len(assets) < 2 {
		return assets
	}

	dropped := make(map[int]bool)
	for i := 0; i < len(assets); i++ {
		for j := i + 1; j < len(assets); j++ {
			if dropped[i] || dropped[j] {
				continue
			}
			vi, vj := cov[i][i], cov[j][j]
			if vi <= 0 || vj <= 0 {
				continue
			}
			corr := cov[i][j] / math.Sqrt(vi*vj)
			if math.Abs(corr) < s.maxPairwiseCorr {
				continue
			}
			// Prefer dropping the riskier asset, unless it is pinned.
			hi, lo := i, j
			if vj > vi {
				hi, lo = j, i
			}
			if s.Bounds(assets[hi]).Min > 0 {
				hi, lo = lo, hi
			}
			if s.Bounds(assets[hi]).Min > 0 {
				continue // both pinned, keep both
			}
			_ = lo
			dropped[hi] = true
		}
	}

	kept := make([]string, 0, len(assets))
	for i, asset := range assets {
		if !dropped[i] {
			kept = append(kept, asset)
		}
	}
	return kept
}
