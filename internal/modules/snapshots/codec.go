// Package snapshots serializes Portfolio snapshots for storage and
// transport. The binary codec is msgpack, which round-trips float64 weights
// bit for bit; JSON is unsuitable for archival because it prints floats
// through decimal.
package snapshots

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/allocator/internal/domain"
)

// snapshot is the wire form of a Portfolio.
type snapshot struct {
	Timestamp int64              `msgpack:"timestamp"` // unix nanoseconds, UTC
	Weights   map[string]float64 `msgpack:"weights"`
}

// Encode serializes a portfolio. The portfolio is validated first so invalid
// weight vectors never reach storage.
func Encode(p *domain.Portfolio) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid portfolio: %w", err)
	}

	data, err := msgpack.Marshal(snapshot{
		Timestamp: p.Timestamp.UnixNano(),
		Weights:   p.Weights,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode portfolio snapshot: %w", err)
	}
	return data, nil
}

// Decode restores a portfolio from its binary form.
func Decode(data []byte) (*domain.Portfolio, error) {
	var s snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode portfolio snapshot: %w", err)
	}

	p := domain.NewPortfolio(s.Weights, time.Unix(0, s.Timestamp).UTC())
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decoded portfolio is invalid: %w", err)
	}
	return p, nil
}
