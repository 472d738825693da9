package dragonscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
)

// Processing a task is a small pushdown automaton: every transition pushes
// the state it leaves onto a stack, so a finished process carries the path
// it took.

// ProcessState represents the current state of a process.
type ProcessState string

const (
	// StateInit is the initial state of the process
	StateInit ProcessState = "init"
	// StatePlanning builds a single plan with the planner
	StatePlanning ProcessState = "planning"
	// StateOrchestration selects and runs strategies
	StateOrchestration ProcessState = "orchestration"
	// StateExecution runs the plan built during planning
	StateExecution ProcessState = "execution"
	// StateError represents an error state
	StateError ProcessState = "error"
	// StateComplete represents the completed state
	StateComplete ProcessState = "complete"
	// StateCancelled represents the cancelled state
	StateCancelled ProcessState = "cancelled"
)

// IsTerminal reports whether no transition leaves s.
func (s ProcessState) IsTerminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// ProcessContext is the tape of one process. Only the goroutine running
// the state machine writes it; readers go through Status.
type ProcessContext struct {
	Task string
	Exec *ExecutionContext

	mu           sync.RWMutex
	plan         *Plan
	result       *ExecutionResult
	lastError    error
	errorStage   string
	currentState ProcessState
	stateStack   []ProcessState
	startTime    time.Time
	endTime      time.Time
	stateStarts  map[ProcessState]time.Time
}

// NewProcessContext creates a process context for task.
func NewProcessContext(task string) *ProcessContext {
	now := time.Now()
	return &ProcessContext{
		Task:         task,
		Exec:         NewExecutionContext(),
		currentState: StateInit,
		startTime:    now,
		stateStarts:  map[ProcessState]time.Time{StateInit: now},
	}
}

// PushState records the current state on the stack and moves to state.
func (pc *ProcessContext) PushState(state ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.pushLocked(state)
}

func (pc *ProcessContext) pushLocked(state ProcessState) {
	pc.stateStack = append(pc.stateStack, pc.currentState)
	pc.currentState = state
	now := time.Now()
	pc.stateStarts[state] = now
	if state.IsTerminal() {
		pc.endTime = now
	}
}

// PopState returns to the previous state. It reports false when the stack
// is empty.
func (pc *ProcessContext) PopState() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.stateStack) == 0 {
		return false
	}
	last := len(pc.stateStack) - 1
	pc.currentState = pc.stateStack[last]
	pc.stateStack = pc.stateStack[:last]
	pc.stateStarts[pc.currentState] = time.Now()
	pc.endTime = time.Time{}
	return true
}

// CurrentState returns the state the process is in.
func (pc *ProcessContext) CurrentState() ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.currentState
}

// Path returns the states visited so far, ending with the current one.
func (pc *ProcessContext) Path() []ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return append(append([]ProcessState(nil), pc.stateStack...), pc.currentState)
}

// IsTerminal checks if the current state is Complete, Error or Cancelled.
func (pc *ProcessContext) IsTerminal() bool {
	return pc.CurrentState().IsTerminal()
}

// SetError records err and moves to StateError.
func (pc *ProcessContext) SetError(err error, stage string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastError = err
	pc.errorStage = stage
	pc.pushLocked(StateError)
}

// SetCancelled records the cancellation cause and moves to StateCancelled.
func (pc *ProcessContext) SetCancelled(err error, stage string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastError = err
	pc.errorStage = stage
	pc.pushLocked(StateCancelled)
}

// Complete marks the process as complete.
func (pc *ProcessContext) Complete() {
	pc.PushState(StateComplete)
}

// Plan returns the plan built during planning, if any.
func (pc *ProcessContext) Plan() *Plan {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.plan
}

// SetPlan stores the plan to execute.
func (pc *ProcessContext) SetPlan(plan *Plan) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.plan = plan
}

// Result returns the execution result, if any.
func (pc *ProcessContext) Result() *ExecutionResult {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.result
}

// SetResult stores the execution result.
func (pc *ProcessContext) SetResult(result *ExecutionResult) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.result = result
}

// Err returns the error that ended the process.
func (pc *ProcessContext) Err() error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.lastError
}

// ErrorStage returns the state the process failed or was cancelled in.
func (pc *ProcessContext) ErrorStage() string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.errorStage
}

// StateDuration returns how long the process has spent in state, counting
// until the next state started.
func (pc *ProcessContext) StateDuration(state ProcessState) time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	start, ok := pc.stateStarts[state]
	if !ok {
		return 0
	}
	if state == pc.currentState {
		if state.IsTerminal() {
			return 0
		}
		return time.Since(start)
	}
	end := time.Time{}
	for _, t := range pc.stateStarts {
		if t.After(start) && (end.IsZero() || t.Before(end)) {
			end = t
		}
	}
	if end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// EndTime returns when the process reached a terminal state, or the zero
// time while it runs.
func (pc *ProcessContext) EndTime() time.Time {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.endTime
}

// TotalDuration returns the total duration of the process so far.
func (pc *ProcessContext) TotalDuration() time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if !pc.endTime.IsZero() {
		return pc.endTime.Sub(pc.startTime)
	}
	return time.Since(pc.startTime)
}

// ProcessStatus is a point-in-time view of a process.
type ProcessStatus struct {
	ExecutionID  string         `json:"execution_id,omitempty"`
	Task         string         `json:"task"`
	CurrentState ProcessState   `json:"current_state"`
	Path         []ProcessState `json:"path"`
	StartTime    time.Time      `json:"start_time"`
	Duration     time.Duration  `json:"duration"`
	IsComplete   bool           `json:"is_complete"`
	HasError     bool           `json:"has_error"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStage   string         `json:"error_stage,omitempty"`
}

// Status returns a snapshot of the process.
func (pc *ProcessContext) Status() ProcessStatus {
	path := pc.Path()
	duration := pc.TotalDuration()

	pc.mu.RLock()
	defer pc.mu.RUnlock()
	status := ProcessStatus{
		Task:         pc.Task,
		CurrentState: pc.currentState,
		Path:         path,
		StartTime:    pc.startTime,
		Duration:     duration,
		IsComplete:   pc.currentState == StateComplete,
		HasError:     pc.currentState == StateError,
	}
	if pc.lastError != nil {
		status.ErrorMessage = pc.lastError.Error()
		status.ErrorStage = pc.errorStage
	}
	return status
}

// StateTransition runs the work of one state and returns the next state.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error)

// StateMachine drives a ProcessContext through registered transitions.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a state machine without transitions.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers the transition leaving state.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs transitions until the process reaches a terminal state. It
// returns the execution result, which is nil when the process ended before
// anything ran, and the error that stopped the process.
func (sm *StateMachine) Execute(ctx context.Context, pCtx *ProcessContext) (*ExecutionResult, error) {
	for !pCtx.IsTerminal() {
		current := pCtx.CurrentState()
		if err := ctx.Err(); err != nil {
			pCtx.SetCancelled(NewCancelledError(string(current), err), string(current))
			break
		}

		transition, ok := sm.transitions[current]
		if !ok {
			pCtx.SetError(NewInternalError(string(current), fmt.Sprintf("no transition defined for state %q", current), nil), string(current))
			break
		}

		next, err := transition(ctx, sm.eventBus, pCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || HasCode(err, ErrCodeCancelled) {
				pCtx.SetCancelled(err, string(current))
			} else {
				pCtx.SetError(err, string(current))
			}
			break
		}
		pCtx.PushState(next)
	}

	return pCtx.Result(), pCtx.Err()
}
