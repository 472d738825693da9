package dragonscale

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/rs/zerolog"
)

const processSource = "engine"

// ProcessComponents are the collaborators the process transitions call.
type ProcessComponents struct {
	Planner    Planner
	Executor   PlanExecutor
	Selector   StrategySelector
	Strategies []Strategy
	Logger     zerolog.Logger
}

// orchestrated reports whether tasks go through strategy selection rather
// than a single planner call.
func (c ProcessComponents) orchestrated() bool {
	return c.Selector != nil && len(c.Strategies) > 0
}

// CreateProcessStateMachine builds the state machine for processing a task:
//
//	init → planning → execution → complete
//	init → orchestration → complete
//
// Any state may end in error or cancelled.
func CreateProcessStateMachine(components ProcessComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)
	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecution, createExecutionTransition(components))
	sm.RegisterTransition(StateOrchestration, createOrchestrationTransition(components))
	return sm
}

func createInitTransition(components ProcessComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if strings.TrimSpace(pCtx.Task) == "" {
			return StateError, NewValidationError(string(StateInit), "task is empty", nil)
		}
		eventbus.Emit(ctx, eb, eventbus.EventProcessStarted, processSource, pCtx.Task,
			map[string]any{"context_id": pCtx.Exec.ID, "orchestrated": components.orchestrated()})

		if components.orchestrated() {
			return StateOrchestration, nil
		}
		return StatePlanning, nil
	}
}

func createPlanningTransition(components ProcessComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		plan, err := components.Planner.CreatePlan(ctx, pCtx.Task, "")
		if err != nil {
			return StateError, NewPlanGenerationError(err)
		}
		pCtx.SetPlan(plan)
		components.Logger.Debug().
			Str("plan_id", plan.ID).
			Int("steps", len(plan.Steps)).
			Msg("plan ready")
		return StateExecution, nil
	}
}

func createExecutionTransition(components ProcessComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		result, err := components.Executor.Execute(ctx, pCtx.Plan(), pCtx.Exec)
		if err != nil {
			return StateError, err
		}
		return settle(ctx, pCtx, result)
	}
}

func createOrchestrationTransition(components ProcessComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		result, err := components.Selector.SelectAndExecute(ctx, pCtx.Task, components.Strategies, pCtx.Exec)
		if err != nil {
			return StateError, err
		}
		return settle(ctx, pCtx, result)
	}
}

// settle stores result and ends the process. A failed result still
// completes the process; only cancellation is an error.
func settle(ctx context.Context, pCtx *ProcessContext, result *ExecutionResult) (ProcessState, error) {
	pCtx.SetResult(result)
	if result.Cancelled || ctx.Err() != nil {
		return StateCancelled, NewCancelledError(string(pCtx.CurrentState()), ctx.Err())
	}
	return StateComplete, nil
}
