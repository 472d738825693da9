// Package dragonscale is an adaptive plan-execution engine. A task is
// decomposed into a DAG of tool-backed steps, executed with bounded
// concurrency, retries and tool substitution, and folded into one
// confidence-scored result. Strategies for building plans are ranked by
// learned weights and composed for complex tasks.
package dragonscale

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine wires a planner, an executor and an optional strategy selector
// into task processing.
type Engine struct {
	planner    Planner
	executor   PlanExecutor
	selector   StrategySelector
	strategies []Strategy
	registry   ToolRegistry
	history    HistoryStore
	eventBus   eventbus.EventBus
	ownsBus    bool
	logger     zerolog.Logger
	config     Config

	asyncMu sync.RWMutex
	async   map[string]*asyncExecution
}

// Config holds the engine's tunables. Components built from it by the
// caller read the knobs that concern them.
type Config struct {
	// Executor
	MaxConcurrency   int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	StepTimeout      time.Duration
	ExecutionTimeout time.Duration

	// Orchestrator
	CompositionThreshold float64
	TopK                 int
	LearningRate         float64

	// Planner
	ScoreExpression string
	DefaultTool     string

	// Persistence; empty keeps everything in memory.
	DBPath string

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int

	Debug bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:       0,
		MaxRetries:           3,
		RetryBaseDelay:       500 * time.Millisecond,
		StepTimeout:          45 * time.Second,
		ExecutionTimeout:     0,
		CompositionThreshold: 0.7,
		TopK:                 3,
		LearningRate:         0.1,
		ScoreExpression:      "base_weight * (1 + success_rate)",
		DefaultTool:          "web_search",
		EnableEventBus:       true,
		EventBusBufferSize:   100,
		EventBusWorkerCount:  5,
	}
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		e.planner = planner
	}
}

// WithExecutor sets the executor component.
func WithExecutor(executor PlanExecutor) Option {
	return func(e *Engine) {
		e.executor = executor
	}
}

// WithStrategies routes tasks through selector, choosing among strategies.
func WithStrategies(selector StrategySelector, strategies ...Strategy) Option {
	return func(e *Engine) {
		e.selector = selector
		e.strategies = append(e.strategies, strategies...)
	}
}

// WithToolRegistry exposes the registry through Tools.
func WithToolRegistry(registry ToolRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithHistoryStore persists the execution history of every process.
func WithHistoryStore(store HistoryStore) Option {
	return func(e *Engine) {
		e.history = store
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine. A planner and an executor are required.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
		logger: log.Logger,
		async:  make(map[string]*asyncExecution),
	}
	for _, option := range options {
		option(e)
	}

	if e.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if e.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
			eventbus.WithLogger(e.logger),
		)
		e.ownsBus = true
		e.logger.Debug().Msg("initialized default channel event bus")
	}
	return e, nil
}

// EventBus returns the bus the engine publishes process events on, or nil.
func (e *Engine) EventBus() eventbus.EventBus {
	if !e.config.EnableEventBus {
		return nil
	}
	return e.eventBus
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Close cancels running async processes and shuts down an event bus the
// engine created itself.
func (e *Engine) Close() error {
	e.asyncMu.RLock()
	for _, exec := range e.async {
		exec.cancel()
	}
	e.asyncMu.RUnlock()

	if e.ownsBus {
		return e.eventBus.Close()
	}
	return nil
}

// Tools returns the registered tool specs in declaration order.
func (e *Engine) Tools() []ToolSpec {
	if e.registry == nil {
		return nil
	}
	return e.registry.Specs()
}

// ToolSchemas returns every registered tool's schema by name.
func (e *Engine) ToolSchemas() map[string]map[string]any {
	schemas := make(map[string]map[string]any)
	for _, spec := range e.Tools() {
		if tool, ok := e.registry.Lookup(spec.Name); ok {
			schemas[spec.Name] = tool.Schema()
		}
	}
	return schemas
}

// ListTools returns the registered tool names, sorted.
func (e *Engine) ListTools() []string {
	specs := e.Tools()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}

// Plan builds the plan the engine would execute for task, without running it.
func (e *Engine) Plan(ctx context.Context, task string) (*Plan, error) {
	return e.planner.CreatePlan(ctx, task, "")
}

// ExecutePlan runs an existing plan, bypassing planning and strategy
// selection.
func (e *Engine) ExecutePlan(ctx context.Context, plan *Plan) (*ExecutionResult, *ExecutionContext, error) {
	ectx := NewExecutionContext()
	result, err := e.executor.Execute(ctx, plan, ectx)
	e.persistHistory(ectx)
	return result, ectx, err
}

// Process runs task to completion through the process state machine.
// Step and strategy failures are reported in the result; the error is set
// when the process could not run or was cancelled.
func (e *Engine) Process(ctx context.Context, task string) (*ExecutionResult, error) {
	pCtx := NewProcessContext(task)
	return e.Run(ctx, pCtx)
}

func (e *Engine) createStateMachine() *StateMachine {
	components := ProcessComponents{
		Planner:    e.planner,
		Executor:   e.executor,
		Selector:   e.selector,
		Strategies: append([]Strategy(nil), e.strategies...),
		Logger:     e.logger,
	}
	return CreateProcessStateMachine(components, e.EventBus())
}

// Run processes pCtx.Task, leaving the plan, the result and the execution
// history on pCtx.
func (e *Engine) Run(ctx context.Context, pCtx *ProcessContext) (*ExecutionResult, error) {
	logger := e.logger.With().Str("context_id", pCtx.Exec.ID).Logger()
	logger.Info().Str("task", pCtx.Task).Msg("processing task")

	result, err := e.createStateMachine().Execute(ctx, pCtx)
	e.persistHistory(pCtx.Exec)

	metadata := map[string]any{
		"context_id":  pCtx.Exec.ID,
		"duration_ms": pCtx.TotalDuration().Milliseconds(),
		"state":       string(pCtx.CurrentState()),
	}
	evt := eventbus.EventProcessSucceeded
	switch {
	case pCtx.CurrentState() == StateCancelled:
		evt = eventbus.EventProcessCancelled
		logger.Warn().Err(err).Str("stage", pCtx.ErrorStage()).Msg("processing cancelled")
	case err != nil:
		evt = eventbus.EventProcessFailed
		metadata["error"] = err.Error()
		metadata["error_stage"] = pCtx.ErrorStage()
		logger.Error().Err(err).Str("stage", pCtx.ErrorStage()).Msg("processing failed")
	case result != nil && !result.Success:
		evt = eventbus.EventProcessFailed
		metadata["error"] = result.Error
		logger.Warn().Str("error", result.Error).Msg("task finished without a successful result")
	default:
		logger.Info().
			Str("strategy", result.Strategy).
			Float64("confidence", result.Confidence).
			Msg("task finished")
	}
	eventbus.Emit(context.WithoutCancel(ctx), e.EventBus(), evt, processSource, result, metadata)
	return result, err
}

func (e *Engine) persistHistory(ectx *ExecutionContext) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.AppendHistory(ctx, ectx.ID, ectx.History()); err != nil {
		e.logger.Warn().Err(err).Str("context_id", ectx.ID).Msg("could not persist execution history")
	}
}
