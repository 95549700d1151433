// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// WeightSumTolerance is the maximum allowed deviation of portfolio weights from 1.0.
const WeightSumTolerance = 1e-6

// ProductType represents the type of financial product/instrument
type ProductType string

const (
	// ProductTypeEquity represents individual stocks/shares
	ProductTypeEquity ProductType = "EQUITY"
	// ProductTypeETF represents Exchange Traded Funds
	ProductTypeETF ProductType = "ETF"
	// ProductTypeETC represents Exchange Traded Commodities
	ProductTypeETC ProductType = "ETC"
	// ProductTypeUnknown represents unknown type
	ProductTypeUnknown ProductType = "UNKNOWN"
)

// AssetMeta holds classification metadata for one asset. It is supplied by an
// external data-loading collaborator and consumed by group constraints.
type AssetMeta struct {
	Asset       string             `json:"asset"`
	Sector      string             `json:"sector"`
	Country     string             `json:"country"`
	ProductType ProductType        `json:"product_type"`
	Factors     map[string]float64 `json:"factors,omitempty"`
}

// ReturnSeries is a date-indexed table of periodic returns, one column per
// asset. It is immutable once ingested: all accessors return copies, and the
// simulation loop never writes back into it.
type ReturnSeries struct {
	dates  []string
	assets []string
	data   map[string][]float64
}

// NewReturnSeries builds a return series from aligned per-asset columns.
// Every column must have exactly one value per date; missing observations are
// represented as NaN, never silently dropped.
func NewReturnSeries(dates []string, data map[string][]float64) (*ReturnSeries, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("return series needs at least one date")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("return series needs at least one asset")
	}

	assets := make([]string, 0, len(data))
	for asset, column := range data {
		if len(column) != len(dates) {
			return nil, fmt.Errorf("asset %s has %d observations, expected %d", asset, len(column), len(dates))
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	copied := make(map[string][]float64, len(data))
	for asset, column := range data {
		c := make([]float64, len(column))
		copy(c, column)
		copied[asset] = c
	}

	d := make([]string, len(dates))
	copy(d, dates)

	return &ReturnSeries{dates: d, assets: assets, data: copied}, nil
}

// Assets returns the asset universe in deterministic (sorted) order.
func (rs *ReturnSeries) Assets() []string {
	out := make([]string, len(rs.assets))
	copy(out, rs.assets)
	return out
}

// Dates returns the ordered date index.
func (rs *ReturnSeries) Dates() []string {
	out := make([]string, len(rs.dates))
	copy(out, rs.dates)
	return out
}

// Len returns the number of periods.
func (rs *ReturnSeries) Len() int {
	return len(rs.dates)
}

// Returns returns a copy of one asset's column.
func (rs *ReturnSeries) Returns(asset string) ([]float64, bool) {
	column, ok := rs.data[asset]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(column))
	copy(out, column)
	return out, true
}

// Row returns the per-asset returns for one period, ordered like Assets().
func (rs *ReturnSeries) Row(t int) ([]float64, error) {
	if t < 0 || t >= len(rs.dates) {
		return nil, fmt.Errorf("period %d out of range [0,%d)", t, len(rs.dates))
	}
	row := make([]float64, len(rs.assets))
	for i, asset := range rs.assets {
		row[i] = rs.data[asset][t]
	}
	return row, nil
}

// Window returns a new series covering the last n periods (or the whole series
// if n exceeds its length).
func (rs *ReturnSeries) Window(n int) *ReturnSeries {
	if n <= 0 || n >= len(rs.dates) {
		return rs
	}
	start := len(rs.dates) - n
	data := make(map[string][]float64, len(rs.assets))
	for _, asset := range rs.assets {
		column := make([]float64, n)
		copy(column, rs.data[asset][start:])
		data[asset] = column
	}
	dates := make([]string, n)
	copy(dates, rs.dates[start:])
	return &ReturnSeries{dates: dates, assets: rs.Assets(), data: data}
}

// Prefix returns a new series covering the first n periods.
func (rs *ReturnSeries) Prefix(n int) *ReturnSeries {
	if n <= 0 {
		n = 0
	}
	if n >= len(rs.dates) {
		return rs
	}
	data := make(map[string][]float64, len(rs.assets))
	for _, asset := range rs.assets {
		column := make([]float64, n)
		copy(column, rs.data[asset][:n])
		data[asset] = column
	}
	dates := make([]string, n)
	copy(dates, rs.dates[:n])
	return &ReturnSeries{dates: dates, assets: rs.Assets(), data: data}
}

// Matrix returns the T×N return matrix ordered like Assets().
func (rs *ReturnSeries) Matrix() [][]float64 {
	out := make([][]float64, len(rs.dates))
	for t := range rs.dates {
		row := make([]float64, len(rs.assets))
		for i, asset := range rs.assets {
			row[i] = rs.data[asset][t]
		}
		out[t] = row
	}
	return out
}

// Portfolio maps assets to allocation weights at a point in time. Portfolios
// are created by the optimizer and replaced wholesale by the rebalancer; they
// are never mutated in place between rebalance events.
type Portfolio struct {
	Timestamp time.Time          `json:"timestamp" msgpack:"timestamp"`
	Weights   map[string]float64 `json:"weights" msgpack:"weights"`
}

// NewPortfolio copies the weight map and stamps the portfolio.
func NewPortfolio(weights map[string]float64, at time.Time) *Portfolio {
	copied := make(map[string]float64, len(weights))
	for asset, w := range weights {
		copied[asset] = w
	}
	return &Portfolio{Timestamp: at, Weights: copied}
}

// Validate checks the portfolio invariants: weights sum to 1 within tolerance
// and, under the long-only policy, every weight is non-negative.
func (p *Portfolio) Validate() error {
	if len(p.Weights) == 0 {
		return fmt.Errorf("portfolio has no weights")
	}
	sum := 0.0
	for asset, w := range p.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("asset %s has non-finite weight %v", asset, w)
		}
		if w < -WeightSumTolerance {
			return fmt.Errorf("asset %s has negative weight %.8f (long-only)", asset, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > WeightSumTolerance {
		return fmt.Errorf("weights sum to %.8f, expected 1 within %g", sum, WeightSumTolerance)
	}
	return nil
}

// Assets returns the portfolio's assets in sorted order.
func (p *Portfolio) Assets() []string {
	assets := make([]string, 0, len(p.Weights))
	for asset := range p.Weights {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Drift returns max_i |w_i - target_i| against a target portfolio.
func (p *Portfolio) Drift(target *Portfolio) float64 {
	maxDrift := 0.0
	for asset, w := range p.Weights {
		d := math.Abs(w - target.Weights[asset])
		if d > maxDrift {
			maxDrift = d
		}
	}
	for asset, tw := range target.Weights {
		if _, ok := p.Weights[asset]; !ok {
			if math.Abs(tw) > maxDrift {
				maxDrift = math.Abs(tw)
			}
		}
	}
	return maxDrift
}

// TriggerReason identifies what caused a rebalance event.
type TriggerReason string

const (
	TriggerSchedule   TriggerReason = "schedule"
	TriggerDrift      TriggerReason = "drift"
	TriggerVolatility TriggerReason = "volatility"
	TriggerMomentum   TriggerReason = "momentum"
)

// RebalanceEvent records one completed rebalance. Events are append-only and
// never mutated after creation.
type RebalanceEvent struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Reason     TriggerReason      `json:"reason"`
	OldWeights map[string]float64 `json:"old_weights"`
	NewWeights map[string]float64 `json:"new_weights"`
}
