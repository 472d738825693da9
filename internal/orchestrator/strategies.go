package orchestrator

import (
	"context"
	"strings"
	"unicode"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// Names of the built-in strategies.
const (
	StrategyInformationGathering = "information_gathering"
	StrategyAnalysis             = "analysis"
	StrategyGeneration           = "generation"
	StrategyDataProcessing       = "data_processing"
	StrategyFactualLookup        = "factual_lookup"
	StrategyGeneral              = "general"
)

// baseMatch is the score of a strategy none of whose keywords appear.
const baseMatch = 0.2

// PlannerStrategy builds plans with a Planner, steering it with a task
// type hint. Its match score grows with the number of its keywords found
// in the task.
type PlannerStrategy struct {
	name     string
	planner  dragonscale.Planner
	hint     dragonscale.TaskType
	keywords []string
}

var _ dragonscale.Strategy = (*PlannerStrategy)(nil)

// NewPlannerStrategy creates a strategy. An empty hint lets the planner
// classify the task itself. Keywords may be phrases.
func NewPlannerStrategy(name string, planner dragonscale.Planner, hint dragonscale.TaskType, keywords ...string) *PlannerStrategy {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &PlannerStrategy{name: name, planner: planner, hint: hint, keywords: lowered}
}

func (s *PlannerStrategy) Name() string { return s.name }

// Hint returns the task type the strategy asks the planner for.
func (s *PlannerStrategy) Hint() dragonscale.TaskType { return s.hint }

// Match returns baseMatch plus 0.4 per keyword hit, capped at 1.
func (s *PlannerStrategy) Match(task string) float64 {
	if len(s.keywords) == 0 {
		return baseMatch
	}
	text := " " + strings.Join(strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	hits := 0
	for _, kw := range s.keywords {
		if strings.Contains(text, " "+kw+" ") {
			hits++
		}
	}
	return min(1, baseMatch+0.4*float64(hits))
}

func (s *PlannerStrategy) BuildPlan(ctx context.Context, task string) (*dragonscale.Plan, error) {
	return s.planner.CreatePlan(ctx, task, s.hint)
}

// DefaultStrategies returns the built-in candidate set backed by planner.
func DefaultStrategies(planner dragonscale.Planner) []dragonscale.Strategy {
	return []dragonscale.Strategy{
		NewPlannerStrategy(StrategyInformationGathering, planner, dragonscale.TaskTypeResearch,
			"research", "find", "search", "investigate", "overview", "history", "latest"),
		NewPlannerStrategy(StrategyAnalysis, planner, dragonscale.TaskTypeAnalysis,
			"analyze", "analyse", "compare", "evaluate", "assess", "pros and cons", "tradeoffs", "versus"),
		NewPlannerStrategy(StrategyGeneration, planner, dragonscale.TaskTypeCode,
			"write", "generate", "create", "code", "implement", "function", "program", "script"),
		NewPlannerStrategy(StrategyDataProcessing, planner, dragonscale.TaskTypeData,
			"data", "csv", "table", "statistics", "extract", "dataset", "parse"),
		NewPlannerStrategy(StrategyFactualLookup, planner, dragonscale.TaskTypeFactual,
			"what is", "who is", "capital", "define", "how many", "when did"),
	}
}

// DefaultFallback returns the strategy run when every candidate fails. It
// lets the planner classify the task without a hint.
func DefaultFallback(planner dragonscale.Planner) dragonscale.Strategy {
	return NewPlannerStrategy(StrategyGeneral, planner, "")
}
