package domain

import (
	"fmt"
	"time"
)

// Estimation error reasons.
const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonSingularCovariance  = "singular_covariance"
)

// Optimization error reasons.
const (
	ReasonInfeasibleConstraints = "infeasible_constraints"
	ReasonNonConvergence        = "non_convergence"
	ReasonInvalidInput          = "invalid_input"
)

// Configuration error reasons.
const (
	ReasonUnknownStrategy          = "unknown_strategy"
	ReasonContradictoryConstraints = "contradictory_constraints"
	ReasonInvalidParameter         = "invalid_parameter"
)

// EstimationError signals that a usable covariance/expected-return estimate
// could not be produced for the current window. It is fatal for that period;
// there is no silent fallback.
type EstimationError struct {
	Reason string
	Detail string
}

func (e *EstimationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("estimation error (%s)", e.Reason)
	}
	return fmt.Sprintf("estimation error (%s): %s", e.Reason, e.Detail)
}

// OptimizationError signals an infeasible or non-convergent solve. The engine
// retries exactly once with adjusted numerical parameters before surfacing it.
type OptimizationError struct {
	Reason string
	Detail string
}

func (e *OptimizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("optimization error (%s)", e.Reason)
	}
	return fmt.Sprintf("optimization error (%s): %s", e.Reason, e.Detail)
}

// ConfigurationError signals contradictory constraints or invalid parameters.
// It fails fast at construction and never reaches the optimization loop.
type ConfigurationError struct {
	Reason string
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("configuration error (%s)", e.Reason)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Reason, e.Detail)
}

// OptimizationTimeout signals that a solve exceeded its wall-clock budget.
// Recoverable: the caller keeps the prior weights and retries next period.
type OptimizationTimeout struct {
	Budget time.Duration
}

func (e *OptimizationTimeout) Error() string {
	return fmt.Sprintf("optimization timed out after %s", e.Budget)
}
