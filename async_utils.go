package dragonscale

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/google/uuid"
)

type asyncExecution struct {
	process *ProcessContext
	cancel  context.CancelFunc
	done    chan struct{}
}

func (a *asyncExecution) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// ProcessAsync starts processing task in the background and returns an
// execution ID for AsyncStatus, AsyncResult and CancelAsync. The process
// outlives ctx; only its values are inherited.
func (e *Engine) ProcessAsync(ctx context.Context, task string) (string, error) {
	executionID := uuid.NewString()
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &asyncExecution{
		process: NewProcessContext(task),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	e.asyncMu.Lock()
	e.async[executionID] = exec
	e.asyncMu.Unlock()

	e.logger.Debug().Str("execution_id", executionID).Msg("async processing started")
	go func() {
		defer close(exec.done)
		defer cancel()
		_, _ = e.Run(asyncCtx, exec.process)
	}()
	return executionID, nil
}

func (e *Engine) lookupAsync(executionID string) (*asyncExecution, error) {
	e.asyncMu.RLock()
	defer e.asyncMu.RUnlock()
	exec, ok := e.async[executionID]
	if !ok {
		return nil, NewValidationError("async", fmt.Sprintf("execution '%s' not found", executionID), nil)
	}
	return exec, nil
}

// AsyncStatus returns the current status of an async execution.
func (e *Engine) AsyncStatus(executionID string) (*ProcessStatus, error) {
	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	status := exec.process.Status()
	status.ExecutionID = executionID
	return &status, nil
}

// AsyncResult returns the result of a finished async execution. It fails
// while the execution is running and returns the process error, with any
// partial result, once it ended in error or cancellation.
func (e *Engine) AsyncResult(executionID string) (*ExecutionResult, error) {
	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	if !exec.finished() {
		return nil, NewValidationError("async",
			fmt.Sprintf("execution is still in progress (current state: %s)", exec.process.CurrentState()), nil)
	}
	return exec.process.Result(), exec.process.Err()
}

// WaitAsync blocks until the execution finishes or ctx is done.
func (e *Engine) WaitAsync(ctx context.Context, executionID string) (*ExecutionResult, error) {
	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-exec.done:
		return exec.process.Result(), exec.process.Err()
	case <-ctx.Done():
		return nil, NewCancelledError("async", ctx.Err())
	}
}

// CancelAsync cancels a running async execution. It reports false when the
// execution had already finished.
func (e *Engine) CancelAsync(executionID string) (bool, error) {
	exec, err := e.lookupAsync(executionID)
	if err != nil {
		return false, err
	}
	if exec.finished() {
		return false, nil
	}
	exec.cancel()
	eventbus.Emit(context.Background(), e.EventBus(), eventbus.EventProcessCancelled, processSource, exec.process.Task,
		map[string]any{"execution_id": executionID, "duration_ms": exec.process.TotalDuration().Milliseconds()})
	return true, nil
}

// ListAsync returns every tracked async execution with its current state.
func (e *Engine) ListAsync() map[string]ProcessState {
	e.asyncMu.RLock()
	defer e.asyncMu.RUnlock()
	out := make(map[string]ProcessState, len(e.async))
	for id, exec := range e.async {
		out[id] = exec.process.CurrentState()
	}
	return out
}

// CleanupCompleted forgets finished executions that ended more than
// olderThan ago and returns how many were removed.
func (e *Engine) CleanupCompleted(olderThan time.Duration) int {
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()

	count := 0
	for id, exec := range e.async {
		if !exec.finished() {
			continue
		}
		if end := exec.process.EndTime(); !end.IsZero() && time.Since(end) > olderThan {
			delete(e.async, id)
			count++
		}
	}
	return count
}
