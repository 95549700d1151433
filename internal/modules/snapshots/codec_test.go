package snapshots

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
)

func TestRoundTrip_BitIdenticalWeights(t *testing.T) {
	// Weights with non-terminating binary expansions exercise the float64
	// fidelity of the codec.
	weights := map[string]float64{
		"A": 1.0 / 3.0,
		"B": 1.0 / 7.0,
		"C": 1 - 1.0/3.0 - 1.0/7.0,
	}
	original := domain.NewPortfolio(weights, time.Date(2024, 6, 3, 15, 4, 5, 123456789, time.UTC))

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	require.Len(t, decoded.Weights, len(weights))
	for asset, w := range weights {
		assert.Equal(t, math.Float64bits(w), math.Float64bits(decoded.Weights[asset]),
			"weight for %s must round-trip bit-identically", asset)
	}
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
}

func TestEncode_RejectsInvalidPortfolio(t *testing.T) {
	bad := domain.NewPortfolio(map[string]float64{"A": 0.4, "B": 0.4}, time.Now())
	_, err := Encode(bad)
	require.Error(t, err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
}
