package rebalancing

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/robfig/cron/v3"

	"github.com/aristath/allocator/internal/domain"
)

// ScheduleMode names the supported calendar cadences.
type ScheduleMode string

const (
	ScheduleDaily     ScheduleMode = "daily"
	ScheduleWeekly    ScheduleMode = "weekly"
	ScheduleMonthly   ScheduleMode = "monthly"
	ScheduleQuarterly ScheduleMode = "quarterly"
)

// cronSpec maps a cadence to its cron expression. Weekly fires on Mondays,
// monthly and quarterly on the first of the month.
func (m ScheduleMode) cronSpec() (string, error) {
	switch m {
	case ScheduleDaily:
		return "0 0 * * *", nil
	case ScheduleWeekly:
		return "0 0 * * MON", nil
	case ScheduleMonthly:
		return "0 0 1 * *", nil
	case ScheduleQuarterly:
		return "0 0 1 */3 *", nil
	default:
		return "", &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("unknown schedule mode %q", m),
		}
	}
}

// CostModel dampens the drift trigger: a rebalance only fires when its
// estimated transaction cost is below the expected benefit of closing the
// drift.
type CostModel struct {
	// CostRate is the proportional cost per unit of turnover.
	CostRate float64
	// BenefitRate converts drift into an expected benefit per period.
	BenefitRate float64
}

// AdaptiveTrigger bounds a rolling statistic of the realized portfolio
// returns.
type AdaptiveTrigger struct {
	Window int
	Bound  float64
}

// triggerContext is the per-period snapshot the triggers evaluate against.
type triggerContext struct {
	now           time.Time
	lastRebalance time.Time
	current       map[string]float64
	target        map[string]float64
	// realized portfolio returns up to and including the current period
	history []float64
}

// trigger decides whether the current period forces a rebalance.
type trigger interface {
	Evaluate(tc triggerContext) (bool, domain.TriggerReason)
}

// scheduleTrigger fires on a fixed calendar cadence regardless of drift.
type scheduleTrigger struct {
	schedule cron.Schedule
}

func newScheduleTrigger(mode ScheduleMode) (*scheduleTrigger, error) {
	spec, err := mode.cronSpec()
	if err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: fmt.Sprintf("parse schedule %q: %v", spec, err),
		}
	}
	return &scheduleTrigger{schedule: schedule}, nil
}

func (s *scheduleTrigger) Evaluate(tc triggerContext) (bool, domain.TriggerReason) {
	if !tc.now.After(tc.lastRebalance) {
		return false, ""
	}
	next := s.schedule.Next(tc.lastRebalance)
	if !next.After(tc.now) {
		return true, domain.TriggerSchedule
	}
	return false, ""
}

// driftTrigger fires when the largest per-asset deviation from target
// exceeds the threshold, optionally damped by the cost model.
type driftTrigger struct {
	threshold float64
	costs     *CostModel
}

func (d *driftTrigger) Evaluate(tc triggerContext) (bool, domain.TriggerReason) {
	drift := 0.0
	turnover := 0.0
	for asset, target := range tc.target {
		diff := math.Abs(tc.current[asset] - target)
		drift = math.Max(drift, diff)
		turnover += diff
	}
	if drift <= d.threshold {
		return false, ""
	}
	if d.costs != nil {
		cost := turnover * d.costs.CostRate
		benefit := drift * d.costs.BenefitRate
		if cost >= benefit {
			return false, ""
		}
	}
	return true, domain.TriggerDrift
}

// volatilityTrigger fires when the rolling standard deviation of realized
// returns exceeds its bound.
type volatilityTrigger struct {
	window int
	bound  float64
}

func (v *volatilityTrigger) Evaluate(tc triggerContext) (bool, domain.TriggerReason) {
	if len(tc.history) < v.window {
		return false, ""
	}
	rolling := talib.StdDev(tc.history, v.window, 1.0)
	if rolling[len(rolling)-1] > v.bound {
		return true, domain.TriggerVolatility
	}
	return false, ""
}

// momentumTrigger fires when the rolling mean return moves outside its band.
type momentumTrigger struct {
	window int
	bound  float64
}

func (m *momentumTrigger) Evaluate(tc triggerContext) (bool, domain.TriggerReason) {
	if len(tc.history) < m.window {
		return false, ""
	}
	rolling := talib.Sma(tc.history, m.window)
	if math.Abs(rolling[len(rolling)-1]) > m.bound {
		return true, domain.TriggerMomentum
	}
	return false, ""
}
