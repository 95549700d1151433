// Package rebalancing drives the portfolio through time: weights drift with
// realized returns, triggers decide when to re-optimize, and every completed
// rebalance is recorded as an event.
package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
	"github.com/aristath/allocator/internal/modules/estimation"
	"github.com/aristath/allocator/internal/modules/optimization"
)

const dateFormat = "2006-01-02"

// State is the rebalancer's position in its lifecycle.
type State string

const (
	StateHolding     State = "holding"
	StateEvaluating  State = "evaluating"
	StateRebalancing State = "rebalancing"
)

// EventStore persists completed rebalance events.
type EventStore interface {
	Save(event domain.RebalanceEvent) error
}

// Config selects the triggers and the estimation window for one run. A nil
// or zero trigger field disables that trigger; at least one must be active.
type Config struct {
	// Window is the number of trailing periods fed to the estimator.
	Window int

	// Schedule enables the calendar trigger. Empty disables it.
	Schedule ScheduleMode

	// DriftThreshold enables the threshold trigger when positive.
	DriftThreshold float64
	// Costs optionally dampens the drift trigger.
	Costs *CostModel

	// Volatility and Momentum enable the adaptive triggers.
	Volatility *AdaptiveTrigger
	Momentum   *AdaptiveTrigger
}

func (c Config) validate() error {
	if c.Window < 2 {
		return &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("estimation window %d too short", c.Window),
		}
	}
	if c.Schedule == "" && c.DriftThreshold <= 0 && c.Volatility == nil && c.Momentum == nil {
		return &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: "no trigger configured",
		}
	}
	for _, a := range []*AdaptiveTrigger{c.Volatility, c.Momentum} {
		if a != nil && (a.Window < 2 || a.Bound <= 0) {
			return &domain.ConfigurationError{
				Reason: domain.ReasonInvalidParameter,
				Detail: "adaptive trigger requires window >= 2 and a positive bound",
			}
		}
	}
	return nil
}

// Result is the outcome of one backtest run.
type Result struct {
	Final *domain.Portfolio
	// Events lists every completed rebalance in chronological order.
	Events []domain.RebalanceEvent
	// Returns is the realized portfolio return per processed period.
	Returns []float64
	// Missed counts rebalances skipped because the solver timed out.
	Missed int
}

// Rebalancer runs the Holding/Evaluating/Rebalancing state machine over a
// return series. One timeline is strictly sequential; a Rebalancer must not
// be shared across concurrent runs.
type Rebalancer struct {
	cfg       Config
	estimator *estimation.Cache
	engine    *optimization.Engine
	set       *constraints.Set
	store     EventStore
	triggers  []trigger
	state     State
	log       zerolog.Logger
}

// New wires a rebalancer from its collaborators. The configuration is
// validated here so trigger problems never reach the run loop.
func New(cfg Config, estimator *estimation.Cache, engine *optimization.Engine, set *constraints.Set, store EventStore, log zerolog.Logger) (*Rebalancer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var triggers []trigger
	if cfg.Schedule != "" {
		st, err := newScheduleTrigger(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, st)
	}
	if cfg.DriftThreshold > 0 {
		triggers = append(triggers, &driftTrigger{threshold: cfg.DriftThreshold, costs: cfg.Costs})
	}
	if cfg.Volatility != nil {
		triggers = append(triggers, &volatilityTrigger{window: cfg.Volatility.Window, bound: cfg.Volatility.Bound})
	}
	if cfg.Momentum != nil {
		triggers = append(triggers, &momentumTrigger{window: cfg.Momentum.Window, bound: cfg.Momentum.Bound})
	}

	return &Rebalancer{
		cfg:       cfg,
		estimator: estimator,
		engine:    engine,
		set:       set,
		store:     store,
		triggers:  triggers,
		state:     StateHolding,
		log:       log.With().Str("component", "rebalancer").Logger(),
	}, nil
}

// State reports the current machine state.
func (r *Rebalancer) State() State { return r.state }

// Run processes the series chronologically. The first Window periods seed
// the initial optimization; from then on each period drifts the weights with
// realized returns and evaluates the triggers. A solver timeout keeps the
// prior weights and counts as a missed rebalance; any other estimation or
// optimization failure aborts the run.
func (r *Rebalancer) Run(ctx context.Context, series *domain.ReturnSeries) (*Result, error) {
	if series.Len() <= r.cfg.Window {
		return nil, &domain.EstimationError{
			Reason: domain.ReasonInsufficientHistory,
			Detail: fmt.Sprintf("need more than %d periods, have %d", r.cfg.Window, series.Len()),
		}
	}

	dates := series.Dates()
	assets := series.Assets()

	start, err := time.Parse(dateFormat, dates[r.cfg.Window-1])
	if err != nil {
		return nil, &domain.EstimationError{
			Reason: domain.ReasonInvalidInput,
			Detail: fmt.Sprintf("parse date %q: %v", dates[r.cfg.Window-1], err),
		}
	}

	target, err := r.optimizeAt(ctx, series.Prefix(r.cfg.Window), start)
	if err != nil {
		return nil, fmt.Errorf("initial optimization: %w", err)
	}

	current := cloneWeights(target.Weights)
	lastRebalance := start
	result := &Result{Final: target}

	for t := r.cfg.Window; t < series.Len(); t++ {
		now, err := time.Parse(dateFormat, dates[t])
		if err != nil {
			return nil, &domain.EstimationError{
				Reason: domain.ReasonInvalidInput,
				Detail: fmt.Sprintf("parse date %q: %v", dates[t], err),
			}
		}

		row, err := series.Row(t)
		if err != nil {
			return nil, err
		}
		periodReturn := applyReturns(current, assets, row)
		result.Returns = append(result.Returns, periodReturn)

		r.state = StateEvaluating
		fired, reason := r.evaluate(triggerContext{
			now:           now,
			lastRebalance: lastRebalance,
			current:       current,
			target:        target.Weights,
			history:       result.Returns,
		})
		if !fired {
			r.state = StateHolding
			continue
		}

		r.state = StateRebalancing
		window := series.Prefix(t + 1).Window(r.cfg.Window)
		next, err := r.optimizeAt(ctx, window, now)
		if err != nil {
			var timeout *domain.OptimizationTimeout
			if errors.As(err, &timeout) {
				r.log.Warn().
					Str("date", dates[t]).
					Dur("budget", timeout.Budget).
					Msg("rebalance missed, keeping prior weights")
				result.Missed++
				r.state = StateHolding
				continue
			}
			return nil, fmt.Errorf("rebalance at %s: %w", dates[t], err)
		}

		event := domain.RebalanceEvent{
			ID:         uuid.New().String(),
			Timestamp:  now,
			Reason:     reason,
			OldWeights: cloneWeights(current),
			NewWeights: cloneWeights(next.Weights),
		}
		if r.store != nil {
			if err := r.store.Save(event); err != nil {
				return nil, fmt.Errorf("persist rebalance event: %w", err)
			}
		}
		result.Events = append(result.Events, event)

		r.log.Info().
			Str("date", dates[t]).
			Str("reason", string(reason)).
			Int("events", len(result.Events)).
			Msg("rebalanced")

		target = next
		current = cloneWeights(next.Weights)
		lastRebalance = now
		r.state = StateHolding
	}

	result.Final = domain.NewPortfolio(current, lastRebalance)
	return result, nil
}

// evaluate runs the triggers in registration order and reports the first
// that fires.
func (r *Rebalancer) evaluate(tc triggerContext) (bool, domain.TriggerReason) {
	for _, trig := range r.triggers {
		if fired, reason := trig.Evaluate(tc); fired {
			return true, reason
		}
	}
	return false, ""
}

func (r *Rebalancer) optimizeAt(ctx context.Context, window *domain.ReturnSeries, at time.Time) (*domain.Portfolio, error) {
	estimate, err := r.estimator.Estimate(window, window.Len())
	if err != nil {
		return nil, err
	}

	returns := make(map[string][]float64, len(estimate.Assets))
	for _, asset := range estimate.Assets {
		if series, ok := window.Returns(asset); ok {
			returns[asset] = series
		}
	}

	p, err := r.engine.Optimize(ctx, optimization.Inputs{
		Assets:          estimate.Assets,
		ExpectedReturns: estimate.ExpectedReturns,
		Cov:             estimate.Cov,
		Constraints:     r.set,
		Returns:         returns,
	})
	if err != nil {
		return nil, err
	}
	return domain.NewPortfolio(p.Weights, at), nil
}

// applyReturns drifts the weights with one period of asset returns and
// returns the realized portfolio return:
// w_i(t) = w_i(t-1)(1+r_i(t)) / Σ_j w_j(t-1)(1+r_j(t)).
func applyReturns(weights map[string]float64, assets []string, row []float64) float64 {
	total := 0.0
	grown := make(map[string]float64, len(weights))
	portfolioReturn := 0.0
	for i, asset := range assets {
		w, ok := weights[asset]
		if !ok {
			continue
		}
		r := row[i]
		if math.IsNaN(r) {
			// Missing observation: the position neither grows nor shrinks.
			r = 0
		}
		g := w * (1 + r)
		grown[asset] = g
		total += g
		portfolioReturn += w * r
	}
	if total <= 0 {
		return portfolioReturn
	}
	for asset, g := range grown {
		weights[asset] = g / total
	}
	return portfolioReturn
}

func cloneWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
