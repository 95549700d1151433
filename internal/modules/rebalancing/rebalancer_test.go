package rebalancing

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
	"github.com/aristath/allocator/internal/modules/estimation"
	"github.com/aristath/allocator/internal/modules/optimization"
)

type memoryStore struct {
	events []domain.RebalanceEvent
}

func (m *memoryStore) Save(event domain.RebalanceEvent) error {
	m.events = append(m.events, event)
	return nil
}

// syntheticSeries builds a daily series with stable oscillating returns so
// covariance estimation is well conditioned.
func syntheticSeries(t *testing.T, periods int) *domain.ReturnSeries {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dates := make([]string, periods)
	a := make([]float64, periods)
	b := make([]float64, periods)
	c := make([]float64, periods)
	for i := 0; i < periods; i++ {
		dates[i] = start.AddDate(0, 0, i).Format("2006-01-02")
		a[i] = 0.002 + 0.010*math.Sin(float64(i))
		b[i] = 0.001 + 0.020*math.Cos(float64(i)*1.3)
		c[i] = 0.003 + 0.030*math.Sin(float64(i)*0.7+1.0)
	}

	series, err := domain.NewReturnSeries(dates, map[string][]float64{
		"A": a, "B": b, "C": c,
	})
	require.NoError(t, err)
	return series
}

func newTestRebalancer(t *testing.T, cfg Config, store EventStore) *Rebalancer {
	t.Helper()
	estimator := estimation.NewCache(estimation.New(estimation.DefaultOptions(), zerolog.Nop()), 0)
	engine, err := optimization.NewEngine(optimization.StrategyMinVariance, optimization.Params{}, zerolog.Nop())
	require.NoError(t, err)
	set := constraints.Unconstrained([]string{"A", "B", "C"})

	r, err := New(cfg, estimator, engine, set, store, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestRebalancer_ScheduleTrigger(t *testing.T) {
	store := &memoryStore{}
	r := newTestRebalancer(t, Config{Window: 30, Schedule: ScheduleMonthly}, store)

	series := syntheticSeries(t, 95)
	result, err := r.Run(context.Background(), series)
	require.NoError(t, err)

	// Roughly two month boundaries fall after the 30-period warmup.
	require.NotEmpty(t, result.Events)
	for _, event := range result.Events {
		assert.Equal(t, domain.TriggerSchedule, event.Reason)
		assert.Equal(t, 1, event.Timestamp.Day(), "monthly schedule fires on the first of the month")
	}
	assert.Equal(t, len(result.Events), len(store.events))
	assert.Equal(t, StateHolding, r.State())
	require.NoError(t, result.Final.Validate())
}

func TestRebalancer_DriftTrigger(t *testing.T) {
	store := &memoryStore{}
	r := newTestRebalancer(t, Config{Window: 30, DriftThreshold: 0.01}, store)

	series := syntheticSeries(t, 80)
	result, err := r.Run(context.Background(), series)
	require.NoError(t, err)

	require.NotEmpty(t, result.Events, "a 1% drift threshold should fire on oscillating returns")
	for _, event := range result.Events {
		assert.Equal(t, domain.TriggerDrift, event.Reason)
	}
}

func TestRebalancer_CostDampingSuppressesDrift(t *testing.T) {
	series := syntheticSeries(t, 80)

	free := newTestRebalancer(t, Config{Window: 30, DriftThreshold: 0.01}, &memoryStore{})
	damped := newTestRebalancer(t, Config{
		Window:         30,
		DriftThreshold: 0.01,
		// Cost always exceeds benefit, so the trigger never fires.
		Costs: &CostModel{CostRate: 1.0, BenefitRate: 0.001},
	}, &memoryStore{})

	freeResult, err := free.Run(context.Background(), series)
	require.NoError(t, err)
	dampedResult, err := damped.Run(context.Background(), series)
	require.NoError(t, err)

	assert.NotEmpty(t, freeResult.Events)
	assert.Empty(t, dampedResult.Events)
}

func TestRebalancer_WeightsDriftBetweenTriggers(t *testing.T) {
	weights := map[string]float64{"A": 0.5, "B": 0.5}
	assets := []string{"A", "B"}

	periodReturn := applyReturns(weights, assets, []float64{0.10, -0.10})
	assert.InDelta(t, 0.0, periodReturn, 1e-12)
	// 0.5*1.1 / (0.5*1.1 + 0.5*0.9) = 0.55
	assert.InDelta(t, 0.55, weights["A"], 1e-12)
	assert.InDelta(t, 0.45, weights["B"], 1e-12)
	assert.InDelta(t, 1.0, weights["A"]+weights["B"], 1e-12)
}

func TestRebalancer_InsufficientHistory(t *testing.T) {
	r := newTestRebalancer(t, Config{Window: 30, Schedule: ScheduleDaily}, &memoryStore{})

	series := syntheticSeries(t, 20)
	_, err := r.Run(context.Background(), series)
	var estErr *domain.EstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, domain.ReasonInsufficientHistory, estErr.Reason)
}

func TestRebalancer_ConfigValidation(t *testing.T) {
	estimator := estimation.NewCache(estimation.New(estimation.DefaultOptions(), zerolog.Nop()), 0)
	engine, err := optimization.NewEngine(optimization.StrategyMinVariance, optimization.Params{}, zerolog.Nop())
	require.NoError(t, err)
	set := constraints.Unconstrained([]string{"A"})

	cases := []Config{
		{Window: 1, Schedule: ScheduleDaily},
		{Window: 30},
		{Window: 30, Schedule: "fortnightly"},
		{Window: 30, Volatility: &AdaptiveTrigger{Window: 1, Bound: 0.1}},
		{Window: 30, Momentum: &AdaptiveTrigger{Window: 10, Bound: 0}},
	}
	for i, cfg := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			_, err := New(cfg, estimator, engine, set, nil, zerolog.Nop())
			var cfgErr *domain.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestRebalancer_VolatilityTrigger(t *testing.T) {
	tc := triggerContext{
		history: []float64{0.001, -0.001, 0.002, 0.05, -0.06, 0.055},
	}
	v := &volatilityTrigger{window: 5, bound: 0.01}
	fired, reason := v.Evaluate(tc)
	assert.True(t, fired)
	assert.Equal(t, domain.TriggerVolatility, reason)

	calm := triggerContext{history: []float64{0.001, -0.001, 0.002, 0.001, -0.002, 0.001}}
	fired, _ = v.Evaluate(calm)
	assert.False(t, fired)

	short := triggerContext{history: []float64{0.5, -0.5}}
	fired, _ = v.Evaluate(short)
	assert.False(t, fired, "not enough history to fill the rolling window")
}

func TestRebalancer_MomentumTrigger(t *testing.T) {
	m := &momentumTrigger{window: 3, bound: 0.02}

	trending := triggerContext{history: []float64{0.01, 0.03, 0.04, 0.05}}
	fired, reason := m.Evaluate(trending)
	assert.True(t, fired)
	assert.Equal(t, domain.TriggerMomentum, reason)

	flat := triggerContext{history: []float64{0.01, -0.01, 0.005, -0.005}}
	fired, _ = m.Evaluate(flat)
	assert.False(t, fired)
}

func TestScheduleTrigger_FiresAcrossBoundary(t *testing.T) {
	st, err := newScheduleTrigger(ScheduleWeekly)
	require.NoError(t, err)

	monday := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fired, _ := st.Evaluate(triggerContext{
		now:           monday.AddDate(0, 0, 3),
		lastRebalance: monday,
	})
	assert.False(t, fired, "mid-week, next Monday not reached")

	fired, reason := st.Evaluate(triggerContext{
		now:           monday.AddDate(0, 0, 7),
		lastRebalance: monday,
	})
	assert.True(t, fired)
	assert.Equal(t, domain.TriggerSchedule, reason)
}
