package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/optimization"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ALLOCATOR_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, optimization.StrategyMinVariance, cfg.Strategy)
	assert.Equal(t, 2.0, cfg.RiskAversion)
	assert.Equal(t, []float64{0.95, 0.99}, cfg.ConfidenceLevels)
	assert.Equal(t, 4, cfg.Workers)
	assert.Contains(t, cfg.DatabasePath(), "events.db")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ALLOCATOR_DATA_DIR", t.TempDir())
	t.Setenv("ALLOCATOR_STRATEGY", "risk_parity")
	t.Setenv("ALLOCATOR_PORT", "9999")
	t.Setenv("ALLOCATOR_RISK_AVERSION", "3.5")
	t.Setenv("ALLOCATOR_CONFIDENCE_LEVELS", "0.90, 0.95, 0.99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, optimization.StrategyRiskParity, cfg.Strategy)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 3.5, cfg.RiskAversion)
	assert.Equal(t, []float64{0.90, 0.95, 0.99}, cfg.ConfidenceLevels)
}

func TestLoad_RejectsUnknownStrategy(t *testing.T) {
	t.Setenv("ALLOCATOR_DATA_DIR", t.TempDir())
	t.Setenv("ALLOCATOR_STRATEGY", "alchemy")

	_, err := Load()
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, domain.ReasonUnknownStrategy, cfgErr.Reason)
}

func TestParseConfidenceLevels(t *testing.T) {
	levels, err := parseConfidenceLevels("0.9,0.95")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.95}, levels)

	_, err = parseConfidenceLevels("1.5")
	assert.Error(t, err)

	_, err = parseConfidenceLevels("")
	assert.Error(t, err)
}
