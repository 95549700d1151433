package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/constraints"
	"github.com/aristath/allocator/internal/modules/estimation"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/performance"
	"github.com/aristath/allocator/internal/modules/rebalancing"
	"github.com/aristath/allocator/internal/modules/risk"
	"github.com/aristath/allocator/internal/workers"
)

// Handlers carries the module dependencies of the API endpoints.
type Handlers struct {
	cfg       *config.Config
	estimator *estimation.Cache
	analyzer  *risk.Analyzer
	evaluator *performance.Evaluator
	eventRepo *rebalancing.EventRepository
	pool      *workers.Pool
	log       zerolog.Logger
}

func NewHandlers(
	cfg *config.Config,
	estimator *estimation.Cache,
	analyzer *risk.Analyzer,
	evaluator *performance.Evaluator,
	eventRepo *rebalancing.EventRepository,
	pool *workers.Pool,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		estimator: estimator,
		analyzer:  analyzer,
		evaluator: evaluator,
		eventRepo: eventRepo,
		pool:      pool,
		log:       log.With().Str("handler", "api").Logger(),
	}
}

// constraintsPayload mirrors the ConstraintSet definition on the wire. Group
// bounds can be given directly or derived from asset metadata plus per-sector
// limits.
type constraintsPayload struct {
	Bounds                 map[string]constraints.Bound `json:"bounds,omitempty"`
	Groups                 []constraints.GroupBound     `json:"groups,omitempty"`
	Meta                   []domain.AssetMeta           `json:"meta,omitempty"`
	SectorLimits           map[string]constraints.Bound `json:"sector_limits,omitempty"`
	MaxPairwiseCorrelation float64                      `json:"max_pairwise_correlation,omitempty"`
}

func (cp *constraintsPayload) build(assets []string) (*constraints.Set, error) {
	if cp == nil {
		return constraints.Unconstrained(assets), nil
	}
	groups := cp.Groups
	if len(cp.Meta) > 0 {
		groups = append(groups, constraints.SectorGroups(cp.Meta, cp.SectorLimits)...)
	}
	return constraints.NewSet(assets, cp.Bounds, groups, cp.MaxPairwiseCorrelation)
}

// strategyPayload selects and parameterizes one optimizer strategy.
type strategyPayload struct {
	Strategy         string              `json:"strategy"`
	RiskAversion     *float64            `json:"risk_aversion,omitempty"`
	RiskFreeRate     *float64            `json:"risk_free_rate,omitempty"`
	TargetReturn     *float64            `json:"target_return,omitempty"`
	TargetVolatility *float64            `json:"target_volatility,omitempty"`
	TargetRisk       *float64            `json:"target_risk,omitempty"`
	MarketWeights    map[string]float64  `json:"market_weights,omitempty"`
	Views            []optimization.View `json:"views,omitempty"`
	Tau              float64             `json:"tau,omitempty"`
	NumClusters      int                 `json:"num_clusters,omitempty"`
	TimeoutMS        int                 `json:"timeout_ms,omitempty"`
}

// params merges the payload over the configured defaults.
func (sp strategyPayload) params(cfg *config.Config) optimization.Params {
	params := optimization.Params{
		RiskAversion:     cfg.RiskAversion,
		RiskFreeRate:     cfg.RiskFreeRate,
		TargetReturn:     sp.TargetReturn,
		TargetVolatility: sp.TargetVolatility,
		TargetRisk:       sp.TargetRisk,
		MarketWeights:    sp.MarketWeights,
		Views:            sp.Views,
		Tau:              sp.Tau,
		NumClusters:      sp.NumClusters,
		SolveTimeout:     cfg.SolveTimeout,
	}
	if sp.RiskAversion != nil {
		params.RiskAversion = *sp.RiskAversion
	}
	if sp.RiskFreeRate != nil {
		params.RiskFreeRate = *sp.RiskFreeRate
	}
	if sp.TimeoutMS > 0 {
		params.SolveTimeout = time.Duration(sp.TimeoutMS) * time.Millisecond
	}
	return params
}

func (sp strategyPayload) engine(cfg *config.Config, log zerolog.Logger) (*optimization.Engine, error) {
	strategy, err := optimization.ParseStrategy(defaultString(sp.Strategy, cfg.Strategy.String()))
	if err != nil {
		return nil, err
	}
	return optimization.NewEngine(strategy, sp.params(cfg), log)
}

// seriesPayload is the wire form of a dated return table.
type seriesPayload struct {
	Dates []string             `json:"dates"`
	Data  map[string][]float64 `json:"data"`
}

func (sp seriesPayload) build() (*domain.ReturnSeries, error) {
	return domain.NewReturnSeries(sp.Dates, sp.Data)
}

type optimizeRequest struct {
	strategyPayload
	Series      seriesPayload       `json:"series"`
	Constraints *constraintsPayload `json:"constraints,omitempty"`
}

type portfolioResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Weights   map[string]float64 `json:"weights"`
	Ridged    bool               `json:"covariance_ridged"`
}

// HandleOptimize handles POST /api/optimize: estimate from the submitted
// return series, then run one optimization.
func (h *Handlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	series, err := req.Series.build()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	engine, err := req.engine(h.cfg, h.log)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	estimate, err := h.estimator.Estimate(series, series.Len())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	set, err := req.Constraints.build(estimate.Assets)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	returns := make(map[string][]float64, len(estimate.Assets))
	for _, asset := range estimate.Assets {
		if s, ok := series.Returns(asset); ok {
			returns[asset] = s
		}
	}

	portfolio, err := engine.Optimize(r.Context(), optimization.Inputs{
		Assets:          estimate.Assets,
		ExpectedReturns: estimate.ExpectedReturns,
		Cov:             estimate.Cov,
		Constraints:     set,
		Returns:         returns,
	})
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, portfolioResponse{
		Timestamp: portfolio.Timestamp,
		Weights:   portfolio.Weights,
		Ridged:    estimate.Ridged,
	})
}

type sweepRequest struct {
	Series      seriesPayload       `json:"series"`
	Constraints *constraintsPayload `json:"constraints,omitempty"`
	Scenarios   []strategyPayload   `json:"scenarios"`
	Names       []string            `json:"names,omitempty"`
}

type sweepScenarioResponse struct {
	Name    string             `json:"name"`
	Weights map[string]float64 `json:"weights,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// HandleSweep handles POST /api/sweep: evaluate several strategy/parameter
// combinations against one shared estimate, in parallel.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Scenarios) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("no scenarios provided"))
		return
	}

	series, err := req.Series.build()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	estimate, err := h.estimator.Estimate(series, series.Len())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	set, err := req.Constraints.build(estimate.Assets)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	returns := make(map[string][]float64, len(estimate.Assets))
	for _, asset := range estimate.Assets {
		if s, ok := series.Returns(asset); ok {
			returns[asset] = s
		}
	}

	scenarios := make([]workers.Scenario, len(req.Scenarios))
	for i, sp := range req.Scenarios {
		name := sp.Strategy
		if i < len(req.Names) && req.Names[i] != "" {
			name = req.Names[i]
		}
		strategy, err := optimization.ParseStrategy(defaultString(sp.Strategy, h.cfg.Strategy.String()))
		if err != nil {
			h.writeError(w, statusFor(err), err)
			return
		}
		scenarios[i] = workers.Scenario{Name: name, Strategy: strategy, Params: sp.params(h.cfg)}
	}

	results := h.pool.Sweep(r.Context(), optimization.Inputs{
		Assets:          estimate.Assets,
		ExpectedReturns: estimate.ExpectedReturns,
		Cov:             estimate.Cov,
		Constraints:     set,
		Returns:         returns,
	}, scenarios)

	out := make([]sweepScenarioResponse, len(results))
	for i, result := range results {
		out[i].Name = result.Name
		if result.Err != nil {
			out[i].Error = result.Err.Error()
		} else {
			out[i].Weights = result.Portfolio.Weights
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type riskReportRequest struct {
	Returns     []float64            `json:"returns,omitempty"`
	Weights     map[string]float64   `json:"weights,omitempty"`
	AssetSeries map[string][]float64 `json:"asset_returns,omitempty"`
	Confidences []float64            `json:"confidences,omitempty"`
	Draws       int                  `json:"draws,omitempty"`
	Seed        int64                `json:"seed,omitempty"`
}

// HandleRiskReport handles POST /api/risk/report. The caller either submits
// a realized portfolio return series, or weights plus per-asset series to
// collapse.
func (h *Handlers) HandleRiskReport(w http.ResponseWriter, r *http.Request) {
	var req riskReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	returns := req.Returns
	if len(returns) == 0 && len(req.Weights) > 0 {
		var err error
		returns, err = risk.PortfolioReturns(req.Weights, req.AssetSeries)
		if err != nil {
			h.writeError(w, statusFor(err), err)
			return
		}
	}

	confidences := req.Confidences
	if len(confidences) == 0 {
		confidences = h.cfg.ConfidenceLevels
	}

	report, err := h.analyzer.BuildReport(returns, risk.ReportOptions{
		Confidences: confidences,
		Draws:       req.Draws,
		Seed:        req.Seed,
	})
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type performanceReportRequest struct {
	Returns      []float64 `json:"returns"`
	RiskFreeRate *float64  `json:"risk_free_rate,omitempty"`
}

// HandlePerformanceReport handles POST /api/performance/report.
func (h *Handlers) HandlePerformanceReport(w http.ResponseWriter, r *http.Request) {
	var req performanceReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evaluator := h.evaluator
	if req.RiskFreeRate != nil {
		evaluator = performance.NewEvaluator(*req.RiskFreeRate, h.log)
	}

	summary, err := evaluator.Evaluate(req.Returns)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"metrics": summary.Map(),
		"periods": summary.Periods,
	})
}

type rebalanceSimulateRequest struct {
	strategyPayload
	Series         seriesPayload                `json:"series"`
	Constraints    *constraintsPayload          `json:"constraints,omitempty"`
	Window         int                          `json:"window"`
	Schedule       string                       `json:"schedule,omitempty"`
	DriftThreshold float64                      `json:"drift_threshold,omitempty"`
	CostRate       float64                      `json:"cost_rate,omitempty"`
	BenefitRate    float64                      `json:"benefit_rate,omitempty"`
	Volatility     *rebalancing.AdaptiveTrigger `json:"volatility,omitempty"`
	Momentum       *rebalancing.AdaptiveTrigger `json:"momentum,omitempty"`
}

type rebalanceSimulateResponse struct {
	FinalWeights map[string]float64      `json:"final_weights"`
	Events       []domain.RebalanceEvent `json:"events"`
	Missed       int                     `json:"missed"`
	Metrics      map[string]float64      `json:"metrics"`
}

// HandleRebalanceSimulate handles POST /api/rebalance/simulate: run the
// rebalancer over the submitted series and report events, final weights and
// realized performance.
func (h *Handlers) HandleRebalanceSimulate(w http.ResponseWriter, r *http.Request) {
	var req rebalanceSimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	series, err := req.Series.build()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	engine, err := req.engine(h.cfg, h.log)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	set, err := req.Constraints.build(series.Assets())
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	rebalancerCfg := rebalancing.Config{
		Window:         req.Window,
		Schedule:       rebalancing.ScheduleMode(req.Schedule),
		DriftThreshold: req.DriftThreshold,
		Volatility:     req.Volatility,
		Momentum:       req.Momentum,
	}
	if req.CostRate > 0 {
		rebalancerCfg.Costs = &rebalancing.CostModel{
			CostRate:    req.CostRate,
			BenefitRate: req.BenefitRate,
		}
	}

	rebalancer, err := rebalancing.New(rebalancerCfg, h.estimator, engine, set, h.eventRepo, h.log)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	result, err := rebalancer.Run(r.Context(), series)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	summary, err := h.evaluator.Evaluate(result.Returns)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, rebalanceSimulateResponse{
		FinalWeights: result.Final.Weights,
		Events:       result.Events,
		Missed:       result.Missed,
		Metrics:      summary.Map(),
	})
}

// HandleRebalanceEvents handles GET /api/rebalance/events.
func (h *Handlers) HandleRebalanceEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	var (
		events []domain.RebalanceEvent
		err    error
	)
	if reason := r.URL.Query().Get("reason"); reason != "" {
		events, err = h.eventRepo.ByReason(domain.TriggerReason(reason))
	} else {
		events, err = h.eventRepo.Recent(limit)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []domain.RebalanceEvent{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// statusFor maps the error taxonomy to HTTP statuses: configuration and
// input problems are the caller's fault, timeouts get 504, the rest is 500.
func statusFor(err error) int {
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest
	}
	var estErr *domain.EstimationError
	if errors.As(err, &estErr) {
		if estErr.Reason == domain.ReasonInvalidInput || estErr.Reason == domain.ReasonInsufficientHistory {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	}
	var optErr *domain.OptimizationError
	if errors.As(err, &optErr) {
		if optErr.Reason == domain.ReasonInvalidInput {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	}
	var timeout *domain.OptimizationTimeout
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.log.Warn().Err(err).Int("status", status).Msg("request failed")
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
