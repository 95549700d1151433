package formulas

// CumulativeCurve converts a return series into a cumulative wealth curve
// starting at 1.0: curve[t] = (1+r1)*...*(1+r_{t+1}).
func CumulativeCurve(returns []float64) []float64 {
	curve := make([]float64, len(returns))
	wealth := 1.0
	for i, r := range returns {
		wealth *= (1 + r)
		curve[i] = wealth
	}
	return curve
}

// MaxDrawdown computes the maximum peak-to-trough decline of the cumulative
// wealth curve implied by the return series:
// min_t[(cum(t) - runningMax(t)) / runningMax(t)]. The result is always <= 0,
// and appending further adverse periods inside a still-open drawdown can only
// keep it the same or make it more negative.
func MaxDrawdown(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	runningMax := 1.0
	maxDD := 0.0
	wealth := 1.0
	for _, r := range returns {
		wealth *= (1 + r)
		if wealth > runningMax {
			runningMax = wealth
		}
		dd := (wealth - runningMax) / runningMax
		if dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
