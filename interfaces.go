package dragonscale

import (
	"context"
	"time"
)

// Tool represents an executable action that can be bound to a plan step.
type Tool interface {
	// Execute performs the tool's action with the step's resolved parameters.
	// A nil error means success. Implementations must honor ctx cancellation.
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)

	// Schema returns a description of the tool. Standard keys:
	// - "description": string description of what the tool does
	// - "parameters": map of parameter names to their descriptions
	// - "returns": description of the tool's return value
	// - "category": optional category for grouping related tools
	Schema() map[string]any

	// Validate checks if the provided parameters are valid for this tool.
	Validate(params map[string]any) error

	// Name returns the tool's name.
	Name() string
}

// ToolSpec is the static scheduling metadata registered with a tool.
type ToolSpec struct {
	Name string
	// Action is the logical action the tool performs. Tools sharing an
	// action are alternatives for one another.
	Action        string
	BaseTime      time.Duration
	BaseWeights   map[TaskType]float64
	DefaultWeight float64
}

// WeightFor returns the base weight of the tool for a task type.
func (s ToolSpec) WeightFor(t TaskType) float64 {
	if w, ok := s.BaseWeights[t]; ok {
		return w
	}
	return s.DefaultWeight
}

// ToolRegistry resolves tool names to tools.
type ToolRegistry interface {
	Lookup(name string) (Tool, bool)
	// Alternative returns another tool registered for the same action.
	Alternative(name string) (Tool, bool)
	// Specs returns every registered tool in declaration order.
	Specs() []ToolSpec
}

// Classifier derives a task type and optional subtasks from task text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ComplexityEstimator scores task text in [0, 1].
type ComplexityEstimator interface {
	Estimate(text string) float64
}

// ComplexityFunc adapts a function to ComplexityEstimator.
type ComplexityFunc func(text string) float64

// Estimate implements ComplexityEstimator.
func (f ComplexityFunc) Estimate(text string) float64 { return f(text) }

// ToolStats tracks historical tool performance.
type ToolStats interface {
	// SuccessRate returns the historical success rate in [0, 1]; 0 when unknown.
	SuccessRate(tool string) float64
	RecordOutcome(tool string, success bool, duration time.Duration)
}

// Planner builds a plan for a task.
type Planner interface {
	CreatePlan(ctx context.Context, task string, hint TaskType) (*Plan, error)
}

// PlanExecutor runs a plan to completion.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *Plan, ectx *ExecutionContext) (*ExecutionResult, error)
}

// Strategy is a named alternative plan-construction approach.
type Strategy interface {
	Name() string
	// Match scores how well the strategy fits the task, in [0, 1].
	Match(task string) float64
	BuildPlan(ctx context.Context, task string) (*Plan, error)
}

// StrategySelector chooses and runs strategies for a task.
type StrategySelector interface {
	SelectAndExecute(ctx context.Context, task string, candidates []Strategy, ectx *ExecutionContext) (*ExecutionResult, error)
}

// WeightStore persists strategy weights between runs. Best effort only.
type WeightStore interface {
	SaveWeights(ctx context.Context, weights map[string]float64, successRates map[string]float64) error
	LoadWeights(ctx context.Context) (weights map[string]float64, successRates map[string]float64, err error)
}

// Cache provides storage for frequently accessed data, like generated plans.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// HistoryStore keeps the execution history of past runs for post-hoc
// analysis. Best effort only.
type HistoryStore interface {
	AppendHistory(ctx context.Context, contextID string, events []HistoryEvent) error
}
