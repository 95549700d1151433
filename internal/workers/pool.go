// Package workers runs independent optimization scenarios in parallel.
// Every job carries its own immutable snapshot of the inputs, so workers
// share nothing mutable.
package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/optimization"
)

// Scenario is one point of a parameter sweep: a strategy plus its parameter
// set, evaluated against the shared inputs.
type Scenario struct {
	Name     string
	Strategy optimization.Strategy
	Params   optimization.Params
}

// ScenarioResult pairs a scenario with its outcome. Exactly one of Portfolio
// and Err is set.
type ScenarioResult struct {
	Name      string
	Portfolio *domain.Portfolio
	Err       error
}

// Pool distributes scenario evaluations across a fixed number of worker
// goroutines.
type Pool struct {
	numWorkers int
	log        zerolog.Logger
}

func NewPool(numWorkers int, log zerolog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Pool{
		numWorkers: numWorkers,
		log:        log.With().Str("component", "worker_pool").Logger(),
	}
}

type jobItem struct {
	index    int
	scenario Scenario
}

type resultItem struct {
	index  int
	result ScenarioResult
}

// Sweep evaluates every scenario against the same inputs and returns the
// results in input order. Individual failures land in their result slot and
// do not stop the sweep.
func (p *Pool) Sweep(ctx context.Context, in optimization.Inputs, scenarios []Scenario) []ScenarioResult {
	if len(scenarios) == 0 {
		return []ScenarioResult{}
	}

	jobs := make(chan jobItem, len(scenarios))
	results := make(chan resultItem, len(scenarios))

	numWorkers := p.numWorkers
	if len(scenarios) < numWorkers {
		numWorkers = len(scenarios)
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, in, jobs, results)
		}()
	}

	for idx, scenario := range scenarios {
		jobs <- jobItem{index: idx, scenario: scenario}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]ScenarioResult, len(scenarios))
	for item := range results {
		out[item.index] = item.result
	}

	p.log.Debug().Int("scenarios", len(scenarios)).Int("workers", numWorkers).Msg("sweep complete")
	return out
}

func (p *Pool) worker(ctx context.Context, in optimization.Inputs, jobs <-chan jobItem, results chan<- resultItem) {
	for job := range jobs {
		result := ScenarioResult{Name: job.scenario.Name}

		engine, err := optimization.NewEngine(job.scenario.Strategy, job.scenario.Params, p.log)
		if err != nil {
			result.Err = err
			results <- resultItem{index: job.index, result: result}
			continue
		}

		portfolio, err := engine.Optimize(ctx, in)
		if err != nil {
			result.Err = err
		} else {
			result.Portfolio = portfolio
		}
		results <- resultItem{index: job.index, result: result}
	}
}
