// Package orchestrator selects, composes and learns from plan-building
// strategies.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/aggregator"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCompositionThreshold = 0.7
	DefaultTopK                 = 3

	// CompositeStrategy names the merged result of a composite run.
	CompositeStrategy = "composite"

	eventSource = "orchestrator"
)

// Orchestrator implements dragonscale.StrategySelector.
type Orchestrator struct {
	executor   dragonscale.PlanExecutor
	threshold  float64
	topK       int
	alpha      float64
	fallback   dragonscale.Strategy
	complexity func(string) float64
	weights    *WeightTable
	store      dragonscale.WeightStore
	eventBus   eventbus.EventBus
	logger     zerolog.Logger

	loadOnce sync.Once
}

var _ dragonscale.StrategySelector = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCompositionThreshold sets the complexity above which strategies are
// composed, which is also the minimum acceptable confidence in ranked mode.
func WithCompositionThreshold(threshold float64) Option {
	return func(o *Orchestrator) {
		o.threshold = threshold
	}
}

// WithTopK sets how many strategies a composite run executes.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		o.topK = k
	}
}

// WithLearningRate sets α for a weight table created by New.
func WithLearningRate(alpha float64) Option {
	return func(o *Orchestrator) {
		o.alpha = alpha
	}
}

// WithFallback sets the strategy run when every candidate fails.
func WithFallback(strategy dragonscale.Strategy) Option {
	return func(o *Orchestrator) {
		o.fallback = strategy
	}
}

// WithComplexityScorer replaces TaskComplexity.
func WithComplexityScorer(fn func(string) float64) Option {
	return func(o *Orchestrator) {
		o.complexity = fn
	}
}

// WithWeightTable shares an existing weight table.
func WithWeightTable(table *WeightTable) Option {
	return func(o *Orchestrator) {
		o.weights = table
	}
}

// WithWeightStore persists weights after every update and restores them
// on first use.
func WithWeightStore(store dragonscale.WeightStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithEventBus publishes strategy events onto bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(o *Orchestrator) {
		o.eventBus = bus
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator that runs strategy plans on executor.
func New(executor dragonscale.PlanExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:   executor,
		threshold:  DefaultCompositionThreshold,
		topK:       DefaultTopK,
		alpha:      DefaultLearningRate,
		complexity: TaskComplexity,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.topK < 1 {
		o.topK = 1
	}
	if o.complexity == nil {
		o.complexity = TaskComplexity
	}
	if o.weights == nil {
		o.weights = NewWeightTable(o.alpha)
	}
	return o
}

// Weights returns the orchestrator's weight table.
func (o *Orchestrator) Weights() *WeightTable {
	return o.weights
}

// ranked is a candidate with its selection score.
type ranked struct {
	strategy dragonscale.Strategy
	match    float64
	weight   float64
	score    float64
}

// Rank orders candidates by match × weight, highest first. Ties keep
// candidate order.
func (o *Orchestrator) Rank(task string, candidates []dragonscale.Strategy) []dragonscale.Strategy {
	rs := o.rank(task, candidates)
	out := make([]dragonscale.Strategy, len(rs))
	for i, r := range rs {
		out[i] = r.strategy
	}
	return out
}

func (o *Orchestrator) rank(task string, candidates []dragonscale.Strategy) []ranked {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Name())
	}
	o.weights.Ensure(names...)

	rs := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		match := clamp01(c.Match(task))
		weight := o.weights.Weight(c.Name())
		rs = append(rs, ranked{strategy: c, match: match, weight: weight, score: match * weight})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].score > rs[j].score })
	return rs
}

// SelectAndExecute runs the best strategies for task and learns from the
// outcome. Strategy failures never surface as errors; the returned result
// is never nil.
func (o *Orchestrator) SelectAndExecute(ctx context.Context, task string, candidates []dragonscale.Strategy, ectx *dragonscale.ExecutionContext) (*dragonscale.ExecutionResult, error) {
	if ectx == nil {
		ectx = dragonscale.NewExecutionContext()
	}
	o.loadOnce.Do(func() { o.loadWeights(ctx) })

	complexity := o.complexity(task)
	rs := o.rank(task, candidates)
	logger := o.logger.With().Str("context_id", ectx.ID).Float64("complexity", complexity).Logger()

	var result *dragonscale.ExecutionResult
	switch {
	case len(rs) == 0:
		logger.Warn().Msg("no candidate strategies")
		result = o.runFallback(ctx, task, ectx, nil)
	case complexity > o.threshold:
		logger.Info().Int("top_k", min(o.topK, len(rs))).Msg("composing strategies")
		result = o.composite(ctx, task, rs, ectx)
	default:
		logger.Info().Str("strategy", rs[0].strategy.Name()).Msg("running ranked strategies")
		result = o.rankedChain(ctx, task, rs, ectx)
	}

	o.saveWeights(ctx)
	return result, nil
}

// composite runs the top K strategies concurrently and merges their results.
func (o *Orchestrator) composite(ctx context.Context, task string, rs []ranked, ectx *dragonscale.ExecutionContext) *dragonscale.ExecutionResult {
	top := rs[:min(o.topK, len(rs))]
	results := make([]*dragonscale.ExecutionResult, len(top))
	weights := make([]float64, len(top))
	for i, r := range top {
		weights[i] = r.weight
		o.selected(ctx, ectx, r, "composite")
	}

	var g errgroup.Group
	for i, r := range top {
		g.Go(func() error {
			results[i] = o.runStrategy(ctx, task, r.strategy, ectx)
			return nil
		})
	}
	_ = g.Wait()

	anySuccess := false
	for i, r := range top {
		res := results[i]
		o.learn(ctx, ectx, r.strategy.Name(), res.Success, res)
		anySuccess = anySuccess || res.Success
	}

	merged := aggregator.MergeResults(results, weights)
	merged.Strategy = CompositeStrategy
	if !anySuccess && ctx.Err() == nil {
		return o.runFallback(ctx, task, ectx, merged)
	}
	return merged
}

// rankedChain tries strategies in rank order until one succeeds with
// enough confidence.
func (o *Orchestrator) rankedChain(ctx context.Context, task string, rs []ranked, ectx *dragonscale.ExecutionContext) *dragonscale.ExecutionResult {
	var last *dragonscale.ExecutionResult
	for i, r := range rs {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			o.fallbackTo(ctx, ectx, r.strategy.Name(), "previous strategy failed or was not confident enough")
		}
		o.selected(ctx, ectx, r, "ranked")

		res := o.runStrategy(ctx, task, r.strategy, ectx)
		accepted := res.Success && res.Confidence >= o.threshold
		o.learn(ctx, ectx, r.strategy.Name(), accepted, res)
		if accepted {
			return res
		}
		if res.Success && res.Error == "" {
			res.Error = fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, o.threshold)
		}
		last = res
	}
	if ctx.Err() != nil && last != nil {
		last.Cancelled = true
		return last
	}
	return o.runFallback(ctx, task, ectx, last)
}

// runFallback runs the default fallback strategy. Without one, or when the
// context is done, last is returned as is.
func (o *Orchestrator) runFallback(ctx context.Context, task string, ectx *dragonscale.ExecutionContext, last *dragonscale.ExecutionResult) *dragonscale.ExecutionResult {
	if o.fallback == nil || ctx.Err() != nil {
		if last == nil {
			last = failedResult("", dragonscale.NewStrategyError("", fmt.Errorf("no strategy could handle the task")))
			last.Cancelled = ctx.Err() != nil
		}
		return last
	}
	o.fallbackTo(ctx, ectx, o.fallback.Name(), "default fallback strategy")
	res := o.runStrategy(ctx, task, o.fallback, ectx)
	if !res.Success && last != nil && last.Success {
		return last
	}
	return res
}

// runStrategy builds and executes one strategy's plan. Every failure is
// folded into the returned result.
func (o *Orchestrator) runStrategy(ctx context.Context, task string, s dragonscale.Strategy, ectx *dragonscale.ExecutionContext) *dragonscale.ExecutionResult {
	name := s.Name()
	logger := o.logger.With().Str("strategy", name).Logger()
	started := time.Now()

	plan, err := s.BuildPlan(ctx, task)
	if err == nil && plan == nil {
		err = fmt.Errorf("strategy returned no plan")
	}
	if err != nil {
		logger.Warn().Err(err).Msg("strategy could not build a plan")
		res := failedResult(name, dragonscale.NewStrategyError(name, err))
		res.Timing = dragonscale.Timing{StartedAt: started, FinishedAt: time.Now(), Total: time.Since(started)}
		return res
	}

	res, err := o.executor.Execute(ctx, plan, ectx)
	if err != nil {
		logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("strategy plan was rejected")
		res = failedResult(name, dragonscale.NewStrategyError(name, err))
		res.PlanID = plan.ID
		return res
	}
	res.Strategy = name
	for i := range res.StepResults {
		res.StepResults[i].Strategy = name
	}
	logger.Debug().
		Bool("success", res.Success).
		Float64("confidence", res.Confidence).
		Str("plan_id", plan.ID).
		Msg("strategy finished")
	return res
}

func failedResult(strategy string, err error) *dragonscale.ExecutionResult {
	return &dragonscale.ExecutionResult{
		Strategy: strategy,
		Output:   dragonscale.EmptyOutput(),
		Error:    err.Error(),
	}
}

// learn updates the weight table and records the outcome.
func (o *Orchestrator) learn(ctx context.Context, ectx *dragonscale.ExecutionContext, name string, success bool, res *dragonscale.ExecutionResult) {
	o.weights.Update(name, success, res.Confidence)

	kind, evt := dragonscale.HistoryStrategySucceeded, eventbus.EventStrategySucceeded
	if !success {
		kind, evt = dragonscale.HistoryStrategyFailed, eventbus.EventStrategyFailed
	}
	ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:     kind,
		PlanID:   res.PlanID,
		Strategy: name,
		Detail:   res.Error,
		Data:     map[string]any{"confidence": res.Confidence},
	})
	eventbus.Emit(ctx, o.eventBus, evt, eventSource, res, map[string]any{"strategy": name})

	weights, _ := o.weights.Snapshot()
	ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:     dragonscale.HistoryWeightsUpdated,
		Strategy: name,
		Data:     map[string]any{"weights": weights},
	})
	eventbus.Emit(ctx, o.eventBus, eventbus.EventWeightsUpdated, eventSource, weights, nil)
}

func (o *Orchestrator) selected(ctx context.Context, ectx *dragonscale.ExecutionContext, r ranked, mode string) {
	ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:     dragonscale.HistoryStrategySelected,
		Strategy: r.strategy.Name(),
		Detail:   mode,
		Data:     map[string]any{"match": r.match, "weight": r.weight, "score": r.score},
	})
	eventbus.Emit(ctx, o.eventBus, eventbus.EventStrategySelected, eventSource, r.strategy.Name(),
		map[string]any{"mode": mode, "score": r.score})
}

func (o *Orchestrator) fallbackTo(ctx context.Context, ectx *dragonscale.ExecutionContext, name, detail string) {
	ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:     dragonscale.HistoryStrategyFallback,
		Strategy: name,
		Detail:   detail,
	})
	eventbus.Emit(ctx, o.eventBus, eventbus.EventStrategyFallback, eventSource, name, nil)
}

func (o *Orchestrator) loadWeights(ctx context.Context) {
	if o.store == nil {
		return
	}
	weights, rates, err := o.store.LoadWeights(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("could not load strategy weights")
		return
	}
	if len(weights) > 0 {
		o.weights.Restore(weights, rates)
		o.logger.Debug().Int("strategies", len(weights)).Msg("restored strategy weights")
	}
}

func (o *Orchestrator) saveWeights(ctx context.Context) {
	if o.store == nil {
		return
	}
	weights, rates := o.weights.Snapshot()
	if err := o.store.SaveWeights(context.WithoutCancel(ctx), weights, rates); err != nil {
		o.logger.Warn().Err(err).Msg("could not persist strategy weights")
	}
}
