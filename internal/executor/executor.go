// Package executor runs plans as dependency graphs.
//
// A step becomes ready once every dependency is terminal, whether it
// succeeded or failed. Dependents of a failed step still run; references to
// the failed step's output resolve to nil.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/aggregator"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultStepTimeout    = 45 * time.Second

	stage       = "execution"
	eventSource = "executor"
)

// DAGExecutor runs plans against a tool registry.
type DAGExecutor struct {
	registry         dragonscale.ToolRegistry
	maxConcurrency   int           // <= 0 means unbounded
	maxRetries       int           // retries after the first attempt
	retryBaseDelay   time.Duration // retry n waits n * retryBaseDelay
	stepTimeout      time.Duration // per attempt
	executionTimeout time.Duration // whole plan, 0 means none

	stats    dragonscale.ToolStats
	eventBus eventbus.EventBus
	logger   zerolog.Logger

	metrics *ExecutorMetrics
}

var _ dragonscale.PlanExecutor = (*DAGExecutor)(nil)

// ExecutorOption represents an option for configuring the DAGExecutor.
type ExecutorOption func(*DAGExecutor)

// WithMaxConcurrency bounds the number of steps running at once.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *DAGExecutor) {
		e.maxConcurrency = n
	}
}

// WithMaxRetries sets the maximum number of retries for failed steps.
func WithMaxRetries(retries int) ExecutorOption {
	return func(e *DAGExecutor) {
		e.maxRetries = retries
	}
}

// WithRetryBaseDelay sets the linear backoff unit between retries.
func WithRetryBaseDelay(delay time.Duration) ExecutorOption {
	return func(e *DAGExecutor) {
		e.retryBaseDelay = delay
	}
}

// WithStepTimeout sets the per-attempt execution timeout.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(e *DAGExecutor) {
		e.stepTimeout = timeout
	}
}

// WithExecutionTimeout sets an overall deadline for each Execute call.
func WithExecutionTimeout(timeout time.Duration) ExecutorOption {
	return func(e *DAGExecutor) {
		e.executionTimeout = timeout
	}
}

// WithToolStats records every attempt's outcome into stats.
func WithToolStats(stats dragonscale.ToolStats) ExecutorOption {
	return func(e *DAGExecutor) {
		e.stats = stats
	}
}

// WithEventBus publishes step and execution events onto bus.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *DAGExecutor) {
		e.eventBus = bus
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *DAGExecutor) {
		e.logger = logger
	}
}

// NewExecutor creates a new executor with default settings.
func NewExecutor(registry dragonscale.ToolRegistry, options ...ExecutorOption) *DAGExecutor {
	e := &DAGExecutor{
		registry:       registry,
		maxRetries:     DefaultMaxRetries,
		retryBaseDelay: DefaultRetryBaseDelay,
		stepTimeout:    DefaultStepTimeout,
		logger:         log.Logger,
		metrics:        &ExecutorMetrics{},
	}

	for _, option := range options {
		option(e)
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}

	return e
}

// GetMetrics returns a snapshot of the executor's cumulative metrics.
func (e *DAGExecutor) GetMetrics() ExecutorMetrics {
	return e.metrics.Copy()
}

// ResetMetrics zeroes the cumulative metrics.
func (e *DAGExecutor) ResetMetrics() {
	e.metrics.reset()
}

// Execute runs plan to completion and aggregates the step outputs.
//
// The only errors returned are structural: an invalid plan (no step runs)
// or a stalled schedule. Step failures and cancellation are reported in the
// result. Execute is safe to call concurrently; each call owns its own
// scheduling state.
func (e *DAGExecutor) Execute(ctx context.Context, plan *dragonscale.Plan, ectx *dragonscale.ExecutionContext) (*dragonscale.ExecutionResult, error) {
	if e.registry == nil {
		return nil, dragonscale.NewConfigurationError("executor has no tool registry", nil)
	}
	if err := plan.Validate(); err != nil {
		e.logger.Error().Err(err).Msg("rejecting invalid plan")
		return nil, err
	}
	if ectx == nil {
		ectx = dragonscale.NewExecutionContext()
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if e.executionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.executionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.metrics.recordExecution()
	return newPlanRun(e, plan, ectx).execute(runCtx)
}

// stepOutcome is what a worker reports back to the scheduler.
type stepOutcome struct {
	result     dragonscale.StepResult
	finishedAt time.Time
	cancelled  bool
}

// planRun is the scheduling state of one Execute call. Everything except
// completions is owned by the scheduler goroutine.
type planRun struct {
	e      *DAGExecutor
	plan   *dragonscale.Plan
	ectx   *dragonscale.ExecutionContext
	logger zerolog.Logger

	status      map[string]dragonscale.StepStatus
	results     map[string]dragonscale.StepResult
	remaining   map[string]time.Duration
	queue       readyQueue
	running     int
	terminal    int
	completions chan stepOutcome
}

func newPlanRun(e *DAGExecutor, plan *dragonscale.Plan, ectx *dragonscale.ExecutionContext) *planRun {
	r := &planRun{
		e:           e,
		plan:        plan,
		ectx:        ectx,
		logger:      e.logger.With().Str("plan_id", plan.ID).Logger(),
		status:      make(map[string]dragonscale.StepStatus, len(plan.Steps)),
		results:     make(map[string]dragonscale.StepResult, len(plan.Steps)),
		remaining:   remainingPaths(plan),
		completions: make(chan stepOutcome, len(plan.Steps)),
	}
	for _, s := range plan.Steps {
		r.status[s.ID] = dragonscale.StepStatusPending
	}
	return r
}

func (r *planRun) execute(ctx context.Context) (*dragonscale.ExecutionResult, error) {
	started := time.Now()
	r.logger.Info().Int("steps", len(r.plan.Steps)).Str("task_type", string(r.plan.TaskType)).Msg("executing plan")
	r.e.emit(ctx, eventbus.EventExecutionStarted, r.plan, map[string]any{"plan_id": r.plan.ID})

	p := pool.New()
	limit := len(r.plan.Steps)
	if r.e.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(r.e.maxConcurrency)
		limit = r.e.maxConcurrency
	}

	var cancelledAt time.Time
schedule:
	for r.terminal < len(r.plan.Steps) {
		if ctx.Err() != nil {
			cancelledAt = time.Now()
			break
		}

		r.promoteReady()
		finalized := false
		for r.running < limit && r.queue.Len() > 0 {
			if !r.launch(ctx, p, r.queue.pop().step) {
				finalized = true
			}
		}
		if finalized {
			continue
		}

		if r.running == 0 {
			p.Wait()
			err := dragonscale.NewStructuralError(stage,
				fmt.Sprintf("execution stalled with unscheduled steps: %s", strings.Join(r.unfinished(), ", ")))
			r.logger.Error().Err(err).Msg("plan execution stalled")
			return nil, err
		}

		select {
		case out := <-r.completions:
			r.running--
			r.ectx.RecordMetric(dragonscale.MetricInFlight, -1)
			if out.cancelled {
				// The step saw the cancellation before the scheduler did.
				r.cancel(ctx, out.result.StepID, out.result.ToolName, "in flight at cancellation")
				cancelledAt = time.Now()
				break schedule
			}
			r.finish(ctx, out.result)
		case <-ctx.Done():
			cancelledAt = time.Now()
			break schedule
		}
	}

	p.Wait()
	cancelled := !cancelledAt.IsZero()
	if cancelled {
		r.drainCancelled(ctx, cancelledAt)
	}

	result := r.assemble(started, cancelled)
	evt := eventbus.EventExecutionFinished
	if cancelled {
		evt = eventbus.EventExecutionCancelled
	}
	r.e.emit(ctx, evt, result, map[string]any{"plan_id": r.plan.ID})
	r.logger.Info().
		Bool("success", result.Success).
		Bool("cancelled", cancelled).
		Float64("confidence", result.Confidence).
		Dur("duration", result.Timing.Total).
		Msg("plan execution finished")
	return result, nil
}

// promoteReady moves every pending step whose dependencies are all terminal
// onto the ready queue.
func (r *planRun) promoteReady() {
	for i := range r.plan.Steps {
		step := &r.plan.Steps[i]
		if r.status[step.ID] != dragonscale.StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range step.Dependencies {
			if !r.status[dep].IsTerminal() {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		r.status[step.ID] = dragonscale.StepStatusReady
		r.queue.push(&stepNode{step: step, remaining: r.remaining[step.ID], order: i})
	}
}

// launch resolves the step's parameters and hands it to the pool. It
// returns false when the step was finalized without running.
func (r *planRun) launch(ctx context.Context, p *pool.Pool, step *dragonscale.PlanStep) bool {
	params, err := resolveParameters(step, r.results, r.ectx)
	if err != nil {
		r.logger.Warn().Err(err).Str("step_id", step.ID).Msg("parameter resolution failed")
		r.finish(ctx, dragonscale.StepResult{
			StepID:    step.ID,
			ToolName:  step.ToolName,
			Error:     err.Error(),
			ErrorKind: dragonscale.ErrorKindOf(err),
		})
		return false
	}

	r.status[step.ID] = dragonscale.StepStatusRunning
	r.running++
	r.ectx.RecordMetric(dragonscale.MetricInFlight, 1)
	r.ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:   dragonscale.HistoryStepStarted,
		PlanID: r.plan.ID,
		StepID: step.ID,
		Tool:   step.ToolName,
	})
	r.e.emit(ctx, eventbus.EventStepStarted, step.ID, map[string]any{"plan_id": r.plan.ID, "tool": step.ToolName})

	s := *step
	planID := r.plan.ID
	p.Go(func() {
		r.completions <- r.e.runStep(ctx, planID, s, params, r.ectx)
	})
	return true
}

// finish records a terminal step result.
func (r *planRun) finish(ctx context.Context, res dragonscale.StepResult) {
	r.results[res.StepID] = res
	r.terminal++
	r.e.metrics.recordStep(res)

	event := dragonscale.HistoryEvent{
		PlanID:  r.plan.ID,
		StepID:  res.StepID,
		Tool:    res.ToolName,
		Attempt: res.Attempts,
		Data:    map[string]any{"duration": res.ExecutionTime.String()},
	}
	if res.Success {
		r.status[res.StepID] = dragonscale.StepStatusSucceeded
		r.ectx.RecordMetric(dragonscale.MetricCompleted, 1)
		if shared, ok := res.Output[dragonscale.OutputKeyShared].(map[string]any); ok {
			r.ectx.MergeSharedState(shared)
		}
		event.Kind = dragonscale.HistoryStepSucceeded
		r.ectx.AppendHistory(event)
		r.e.emit(ctx, eventbus.EventStepSucceeded, res, map[string]any{"plan_id": r.plan.ID})
		return
	}

	r.status[res.StepID] = dragonscale.StepStatusFailed
	r.ectx.RecordMetric(dragonscale.MetricFailed, 1)
	event.Kind = dragonscale.HistoryStepFailed
	event.Detail = res.Error
	event.Data["error_kind"] = string(res.ErrorKind)
	r.ectx.AppendHistory(event)
	r.e.emit(ctx, eventbus.EventStepFailed, res, map[string]any{"plan_id": r.plan.ID})
}

// drainCancelled settles the run after cancellation. Outcomes that finished
// before cancelledAt are kept; everything else in flight, and every step
// that never started, is recorded as cancelled.
func (r *planRun) drainCancelled(ctx context.Context, cancelledAt time.Time) {
	for {
		select {
		case out := <-r.completions:
			r.running--
			r.ectx.RecordMetric(dragonscale.MetricInFlight, -1)
			if !out.cancelled && !out.finishedAt.After(cancelledAt) {
				r.finish(ctx, out.result)
				continue
			}
			r.cancel(ctx, out.result.StepID, out.result.ToolName, "in flight at cancellation")
		default:
			for _, s := range r.plan.Steps {
				switch r.status[s.ID] {
				case dragonscale.StepStatusPending, dragonscale.StepStatusReady:
					r.cancel(ctx, s.ID, s.ToolName, "not started")
				}
			}
			return
		}
	}
}

func (r *planRun) cancel(ctx context.Context, stepID, tool, detail string) {
	r.status[stepID] = dragonscale.StepStatusCancelled
	r.terminal++
	r.ectx.RecordMetric(dragonscale.MetricCancelled, 1)
	r.e.metrics.recordCancelled()
	r.ectx.AppendHistory(dragonscale.HistoryEvent{
		Kind:   dragonscale.HistoryStepCancelled,
		PlanID: r.plan.ID,
		StepID: stepID,
		Tool:   tool,
		Detail: detail,
	})
	r.e.emit(ctx, eventbus.EventStepCancelled, stepID, map[string]any{"plan_id": r.plan.ID, "detail": detail})
}

func (r *planRun) unfinished() []string {
	var ids []string
	for _, s := range r.plan.Steps {
		if !r.status[s.ID].IsTerminal() {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// assemble orders the recorded results by plan position and aggregates them.
func (r *planRun) assemble(started time.Time, cancelled bool) *dragonscale.ExecutionResult {
	ordered := make([]dragonscale.StepResult, 0, len(r.results))
	perStep := make(map[string]time.Duration, len(r.results))
	for _, s := range r.plan.Steps {
		if res, ok := r.results[s.ID]; ok {
			ordered = append(ordered, res)
			perStep[s.ID] = res.ExecutionTime
		}
	}

	combined := aggregator.Combine(ordered, r.plan.TaskType, r.plan.PriorConfidence)
	finished := time.Now()
	result := &dragonscale.ExecutionResult{
		PlanID:      r.plan.ID,
		Success:     combined.Success,
		Output:      combined.Output,
		Confidence:  combined.Confidence,
		SuccessRate: combined.SuccessRate,
		StepResults: ordered,
		Timing: dragonscale.Timing{
			StartedAt:  started,
			FinishedAt: finished,
			Total:      finished.Sub(started),
			PerStep:    perStep,
		},
		Cancelled: cancelled,
	}
	if !result.Success {
		result.Error = failureSummary(ordered, cancelled)
	}
	return result
}

func failureSummary(results []dragonscale.StepResult, cancelled bool) string {
	msg := "no step produced usable output"
	if cancelled {
		msg = "execution cancelled before any step produced usable output"
	}
	for _, res := range results {
		if !res.Success && res.Error != "" {
			return fmt.Sprintf("%s: step %s: %s", msg, res.StepID, res.Error)
		}
	}
	return msg
}

// runStep executes one step on a worker: up to maxRetries+1 attempts with
// linear backoff, then a single attempt on an alternative tool.
func (e *DAGExecutor) runStep(ctx context.Context, planID string, step dragonscale.PlanStep, params map[string]any, ectx *dragonscale.ExecutionContext) stepOutcome {
	start := time.Now()
	result := dragonscale.StepResult{StepID: step.ID, ToolName: step.ToolName}
	logger := e.logger.With().Str("plan_id", planID).Str("step_id", step.ID).Str("tool", step.ToolName).Logger()

	done := func(err error) stepOutcome {
		result.ExecutionTime = time.Since(start)
		if err != nil {
			result.Success = false
			result.Output = nil
			result.Error = err.Error()
			result.ErrorKind = dragonscale.ErrorKindOf(err)
		}
		return stepOutcome{
			result:     result,
			finishedAt: time.Now(),
			cancelled:  !result.Success && ctx.Err() != nil,
		}
	}
	succeed := func(tool string, output map[string]any) stepOutcome {
		result.Success = true
		result.Output = output
		result.ToolName = tool
		return done(nil)
	}

	var lastErr error
	tool, ok := e.registry.Lookup(step.ToolName)
	if !ok {
		lastErr = dragonscale.NewToolNotFoundError(stage, step.ToolName)
		logger.Warn().Msg("tool not registered, skipping retries")
	} else {
		for attempt := 0; attempt <= e.maxRetries; attempt++ {
			if attempt > 0 {
				result.Retries++
				ectx.RecordMetric(dragonscale.MetricRetries, 1)
				ectx.AppendHistory(dragonscale.HistoryEvent{
					Kind:    dragonscale.HistoryStepRetried,
					PlanID:  planID,
					StepID:  step.ID,
					Tool:    step.ToolName,
					Attempt: attempt + 1,
					Detail:  lastErr.Error(),
				})
				e.emit(ctx, eventbus.EventStepRetry, step.ID, map[string]any{"plan_id": planID, "attempt": attempt + 1})
				if err := sleepContext(ctx, time.Duration(attempt)*e.retryBaseDelay); err != nil {
					return done(dragonscale.NewCancelledError(stage, err))
				}
			}

			result.Attempts++
			attemptStart := time.Now()
			output, err := e.invoke(ctx, tool, params)
			e.recordOutcome(tool.Name(), err == nil, time.Since(attemptStart))
			if err == nil {
				return succeed(tool.Name(), output)
			}
			if ctx.Err() != nil {
				return done(dragonscale.NewCancelledError(stage, ctx.Err()))
			}
			lastErr = err
			logger.Warn().Err(err).Int("attempt", result.Attempts).Msg("step attempt failed")
			if dragonscale.HasCode(err, dragonscale.ErrCodeValidation) {
				break
			}
		}
	}

	if alt, ok := e.registry.Alternative(step.ToolName); ok {
		result.Substituted = true
		result.ToolName = alt.Name()
		ectx.RecordMetric(dragonscale.MetricSubstitutions, 1)
		ectx.AppendHistory(dragonscale.HistoryEvent{
			Kind:    dragonscale.HistoryStepSubstituted,
			PlanID:  planID,
			StepID:  step.ID,
			Tool:    alt.Name(),
			Attempt: result.Attempts + 1,
			Detail:  fmt.Sprintf("replacing %s", step.ToolName),
		})
		e.emit(ctx, eventbus.EventStepSubstituted, step.ID, map[string]any{"plan_id": planID, "from": step.ToolName, "to": alt.Name()})
		logger.Info().Str("alternative", alt.Name()).Msg("substituting tool")

		result.Attempts++
		attemptStart := time.Now()
		output, err := e.invoke(ctx, alt, params)
		e.recordOutcome(alt.Name(), err == nil, time.Since(attemptStart))
		if err == nil {
			return succeed(alt.Name(), output)
		}
		if ctx.Err() != nil {
			return done(dragonscale.NewCancelledError(stage, ctx.Err()))
		}
		lastErr = err
	}

	logger.Error().Err(lastErr).Int("attempts", result.Attempts).Msg("step failed permanently")
	return done(lastErr)
}

// invoke runs one attempt under the per-attempt timeout. A tool that
// ignores its context is abandoned when the attempt ends.
func (e *DAGExecutor) invoke(ctx context.Context, tool dragonscale.Tool, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, dragonscale.NewCancelledError(stage, err)
	}
	if err := tool.Validate(params); err != nil {
		return nil, dragonscale.NewValidationError(stage, fmt.Sprintf("invalid parameters for tool '%s'", tool.Name()), err)
	}

	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if e.stepTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type reply struct {
		output map[string]any
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				replies <- reply{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		output, err := tool.Execute(attemptCtx, params)
		replies <- reply{output: output, err: err}
	}()

	select {
	case rep := <-replies:
		if rep.err == nil {
			return rep.output, nil
		}
		return nil, attemptError(ctx, attemptCtx, tool.Name(), rep.err)
	case <-attemptCtx.Done():
		return nil, attemptError(ctx, attemptCtx, tool.Name(), attemptCtx.Err())
	}
}

func attemptError(ctx, attemptCtx context.Context, toolName string, err error) error {
	switch {
	case ctx.Err() != nil:
		return dragonscale.NewCancelledError(stage, ctx.Err())
	case attemptCtx.Err() != nil:
		return dragonscale.NewTimeoutError(stage, fmt.Errorf("tool '%s' exceeded its step timeout: %w", toolName, err))
	case dragonscale.IsDragonScaleError(err):
		return err
	default:
		return dragonscale.NewToolExecutionError(stage, toolName, err)
	}
}

func (e *DAGExecutor) recordOutcome(tool string, success bool, d time.Duration) {
	if e.stats != nil {
		e.stats.RecordOutcome(tool, success, d)
	}
}

// emit publishes detached from ctx so that terminal events survive
// cancellation of the run.
func (e *DAGExecutor) emit(ctx context.Context, eventType eventbus.EventType, payload any, metadata map[string]any) {
	eventbus.Emit(context.WithoutCancel(ctx), e.eventBus, eventType, eventSource, payload, metadata)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
