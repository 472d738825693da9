package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/tools"
)

type mockTool struct {
	name     string
	calls    atomic.Int32
	execFunc func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (m *mockTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	m.calls.Add(1)
	return m.execFunc(ctx, input)
}
func (m *mockTool) Schema() map[string]any              { return map[string]any{"description": m.name} }
func (m *mockTool) Validate(input map[string]any) error { return nil }
func (m *mockTool) Name() string                        { return m.name }

func okTool(name string, output map[string]any) *mockTool {
	return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return output, nil
	}}
}

func failingTool(name string) *mockTool {
	return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}}
}

func blockingTool(name string) *mockTool {
	return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func sleepingTool(name string, d time.Duration) *mockTool {
	return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		select {
		case <-time.After(d):
			return map[string]any{"results": []any{name}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func registryOf(t *testing.T, ts ...dragonscale.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func newTestExecutor(registry dragonscale.ToolRegistry, opts ...ExecutorOption) *DAGExecutor {
	opts = append([]ExecutorOption{
		WithLogger(zerolog.Nop()),
		WithRetryBaseDelay(time.Millisecond),
		WithStepTimeout(time.Second),
	}, opts...)
	return NewExecutor(registry, opts...)
}

func step(id, tool string, deps ...string) dragonscale.PlanStep {
	return dragonscale.PlanStep{ID: id, ToolName: tool, Dependencies: deps, TaskType: dragonscale.TaskTypeResearch}
}

func researchPlan(steps ...dragonscale.PlanStep) *dragonscale.Plan {
	return dragonscale.NewPlan("test task", dragonscale.TaskTypeResearch, steps)
}

func historyKinds(events []dragonscale.HistoryEvent) []dragonscale.HistoryKind {
	kinds := make([]dragonscale.HistoryKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestExecute_InvalidPlanRunsNothing(t *testing.T) {
	tool := okTool("search", map[string]any{"results": []any{"x"}})
	exec := newTestExecutor(registryOf(t, tool))

	tests := []struct {
		name string
		plan *dragonscale.Plan
	}{
		{"cycle", researchPlan(step("a", "search", "b"), step("b", "search", "a"))},
		{"missing dependency", researchPlan(step("a", "search", "ghost"))},
		{"duplicate id", researchPlan(step("a", "search"), step("a", "search"))},
		{"empty", researchPlan()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), tt.plan, nil)
			require.Error(t, err)
			assert.True(t, dragonscale.IsStructural(err))
			assert.Nil(t, result)
		})
	}
	assert.Zero(t, tool.calls.Load())
}

func TestExecute_DependenciesTerminalBeforeStart(t *testing.T) {
	reg := registryOf(t,
		sleepingTool("a", 10*time.Millisecond),
		sleepingTool("b", 20*time.Millisecond),
		sleepingTool("c", time.Millisecond),
		sleepingTool("d", time.Millisecond),
	)
	exec := newTestExecutor(reg, WithMaxConcurrency(4))
	plan := researchPlan(
		step("a", "a"),
		step("b", "b"),
		step("c", "c", "a", "b"),
		step("d", "d", "c"),
	)
	ectx := dragonscale.NewExecutionContext()

	result, err := exec.Execute(context.Background(), plan, ectx)
	require.NoError(t, err)
	require.True(t, result.Success)

	position := make(map[string]int)
	terminalAt := make(map[string]int)
	for i, e := range ectx.History() {
		switch e.Kind {
		case dragonscale.HistoryStepStarted:
			position[e.StepID] = i
		case dragonscale.HistoryStepSucceeded, dragonscale.HistoryStepFailed:
			terminalAt[e.StepID] = i
		}
	}
	for _, s := range plan.Steps {
		for _, dep := range s.Dependencies {
			assert.Less(t, terminalAt[dep], position[s.ID], "%s started before %s was terminal", s.ID, dep)
		}
	}
}

func TestExecute_SerialWallTime(t *testing.T) {
	reg := registryOf(t,
		sleepingTool("a", 20*time.Millisecond),
		sleepingTool("b", 20*time.Millisecond),
		sleepingTool("c", 20*time.Millisecond),
	)
	exec := newTestExecutor(reg, WithMaxConcurrency(1))
	plan := researchPlan(step("A", "a"), step("B", "b"), step("C", "c", "A", "B"))

	start := time.Now()
	result, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Len(t, result.StepResults, 3)
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	tool := &mockTool{name: "work", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return map[string]any{"results": []any{"ok"}}, nil
	}}
	exec := newTestExecutor(registryOf(t, tool), WithMaxConcurrency(2))
	plan := researchPlan(step("1", "work"), step("2", "work"), step("3", "work"), step("4", "work"), step("5", "work"))

	result, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(5), tool.calls.Load())
}

func TestExecute_LongestRemainingPathFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) *mockTool {
		return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]any{"results": []any{name}}, nil
		}}
	}
	reg := registryOf(t, record("short"), record("long"), record("tail"))
	exec := newTestExecutor(reg, WithMaxConcurrency(1))

	plan := researchPlan(step("short", "short"), step("long", "long"), step("tail", "tail", "long"))
	for i := range plan.Steps {
		plan.Steps[i].EstimatedTime = time.Second
	}

	_, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"long", "short", "tail"}, order)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := &mockTool{name: "flaky", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"results": []any{42}}, nil
	}}
	stats := store.NewMemoryStats()
	exec := newTestExecutor(registryOf(t, flaky), WithMaxRetries(3), WithToolStats(stats))
	ectx := dragonscale.NewExecutionContext()

	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "flaky")), ectx)
	require.NoError(t, err)
	require.True(t, result.Success)

	sr, ok := result.StepResult("s1")
	require.True(t, ok)
	assert.Equal(t, 3, sr.Attempts)
	assert.Equal(t, 2, sr.Retries)
	assert.False(t, sr.Substituted)
	assert.Equal(t, int64(2), ectx.Metric(dragonscale.MetricRetries))
	assert.Equal(t, []dragonscale.HistoryKind{
		dragonscale.HistoryStepStarted,
		dragonscale.HistoryStepRetried,
		dragonscale.HistoryStepRetried,
		dragonscale.HistoryStepSucceeded,
	}, historyKinds(ectx.HistoryFor("s1")))
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate("flaky"), 1e-9)
}

func TestExecute_AttemptsBoundedWithoutAlternative(t *testing.T) {
	tool := failingTool("broken")
	exec := newTestExecutor(registryOf(t, tool), WithMaxRetries(2))

	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "broken")), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	sr, _ := result.StepResult("s1")
	assert.False(t, sr.Success)
	assert.Equal(t, 3, sr.Attempts)
	assert.Equal(t, dragonscale.ErrorKindTool, sr.ErrorKind)
	assert.Equal(t, int32(3), tool.calls.Load())
}

func TestExecute_LinearBackoffBetweenAttempts(t *testing.T) {
	const base = 40 * time.Millisecond
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	tool := &mockTool{name: "broken", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, errors.New("boom")
	}}
	exec := newTestExecutor(registryOf(t, tool), WithMaxRetries(2), WithRetryBaseDelay(base))

	start := time.Now()
	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "broken")), nil)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// Waits of 1x and 2x the base delay separate the three attempts.
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), base)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 2*base)
	assert.GreaterOrEqual(t, elapsed, 3*base)
	assert.Less(t, elapsed, 4*base)
}

func TestExecute_CancelDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tool := &mockTool{name: "broken", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		time.AfterFunc(20*time.Millisecond, cancel)
		return nil, errors.New("boom")
	}}
	exec := newTestExecutor(registryOf(t, tool), WithMaxRetries(3), WithRetryBaseDelay(time.Second))
	ectx := dragonscale.NewExecutionContext()

	start := time.Now()
	result, err := exec.Execute(ctx, researchPlan(step("s1", "broken")), ectx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Empty(t, result.StepResults)
	assert.Equal(t, int32(1), tool.calls.Load())
	assert.Equal(t, []dragonscale.HistoryKind{
		dragonscale.HistoryStepStarted,
		dragonscale.HistoryStepRetried,
		dragonscale.HistoryStepCancelled,
	}, historyKinds(ectx.HistoryFor("s1")))
}

func TestExecute_TimeoutsThenSubstitution(t *testing.T) {
	slow := blockingTool("slow_search")
	backup := okTool("backup_search", map[string]any{"results": []any{"found"}})
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(slow, tools.WithAction("gather")))
	require.NoError(t, reg.Register(backup, tools.WithAction("gather")))

	exec := newTestExecutor(reg, WithMaxRetries(2), WithStepTimeout(20*time.Millisecond))
	ectx := dragonscale.NewExecutionContext()

	result, err := exec.Execute(context.Background(), researchPlan(step("x", "slow_search")), ectx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.False(t, result.Cancelled)

	sr, _ := result.StepResult("x")
	assert.Equal(t, int32(3), slow.calls.Load())
	assert.Equal(t, int32(1), backup.calls.Load())
	assert.Equal(t, 4, sr.Attempts)
	assert.True(t, sr.Substituted)
	assert.Equal(t, "backup_search", sr.ToolName)
	assert.Equal(t, int64(1), ectx.Metric(dragonscale.MetricSubstitutions))
}

func TestExecute_StepTimeoutRecordedAsTimeout(t *testing.T) {
	exec := newTestExecutor(registryOf(t, blockingTool("slow")), WithMaxRetries(0), WithStepTimeout(10*time.Millisecond))

	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "slow")), nil)
	require.NoError(t, err)
	assert.False(t, result.Cancelled)

	sr, ok := result.StepResult("s1")
	require.True(t, ok)
	assert.Equal(t, dragonscale.ErrorKindTimeout, sr.ErrorKind)
}

func TestExecute_MissingToolSkipsRetries(t *testing.T) {
	exec := newTestExecutor(registryOf(t), WithMaxRetries(3))
	ectx := dragonscale.NewExecutionContext()

	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "ghost")), ectx)
	require.NoError(t, err)
	assert.False(t, result.Success)

	sr, _ := result.StepResult("s1")
	assert.Equal(t, dragonscale.ErrorKindToolNotFound, sr.ErrorKind)
	assert.Zero(t, sr.Attempts)
	assert.Zero(t, sr.Retries)
	assert.Zero(t, ectx.Metric(dragonscale.MetricRetries))
}

func TestExecute_FailedDependencyStillReleasesDependents(t *testing.T) {
	var got map[string]any
	consumer := &mockTool{name: "consumer", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		got = input
		return map[string]any{"results": []any{"summary"}}, nil
	}}
	exec := newTestExecutor(registryOf(t, failingTool("producer"), consumer), WithMaxRetries(0))

	s2 := step("s2", "consumer", "s1")
	s2.Parameters = map[string]any{"input": []any{"$s1.results"}}
	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "producer"), s2), nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.InDelta(t, 0.5, result.SuccessRate, 1e-9)
	require.NotNil(t, got)
	assert.Equal(t, []any{nil}, got["input"])
}

func TestExecute_ResolvesReferencesAndExpressions(t *testing.T) {
	producer := okTool("producer", map[string]any{
		"count":   3,
		"results": []any{"a", "b"},
		"nested":  map[string]any{"items": []any{"first", "second"}},
		"shared":  map[string]any{"topic": "go"},
	})
	var got map[string]any
	consumer := &mockTool{name: "consumer", execFunc: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		got = input
		return map[string]any{"results": []any{"done"}}, nil
	}}
	exec := newTestExecutor(registryOf(t, producer, consumer))
	ectx := dragonscale.NewExecutionContext()

	s2 := step("s2", "consumer", "s1")
	s2.Parameters = map[string]any{
		"double":  "= $s1.count * 2",
		"size":    "= len($s1.results)",
		"items":   "$s1.results",
		"second":  "$s1.nested.items[1]",
		"missing": "$s1.nope",
		"topic":   "$shared.topic",
		"literal": "$$s1",
		"plain":   "hello",
		"nested":  map[string]any{"from": "$s1.count"},
	}
	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "producer"), s2), ectx)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 6.0, got["double"])
	assert.Equal(t, 2.0, got["size"])
	assert.Equal(t, []any{"a", "b"}, got["items"])
	assert.Equal(t, "second", got["second"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, "go", got["topic"])
	assert.Equal(t, "$s1", got["literal"])
	assert.Equal(t, "hello", got["plain"])
	assert.Equal(t, map[string]any{"from": 3}, got["nested"])

	topic, ok := ectx.SharedValue("topic")
	require.True(t, ok)
	assert.Equal(t, "go", topic)
}

func TestExecute_ReferenceToNonDependencyFails(t *testing.T) {
	consumer := okTool("consumer", map[string]any{"results": []any{"x"}})
	exec := newTestExecutor(registryOf(t, okTool("producer", map[string]any{"v": 1}), consumer))

	s2 := step("s2", "consumer")
	s2.Parameters = map[string]any{"v": "$s1.v"}
	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "producer"), s2), nil)
	require.NoError(t, err)

	sr, ok := result.StepResult("s2")
	require.True(t, ok)
	assert.False(t, sr.Success)
	assert.Equal(t, dragonscale.ErrorKindArguments, sr.ErrorKind)
	assert.Zero(t, consumer.calls.Load())
}

func TestExecute_CancellationKeepsOnlyCompletedResults(t *testing.T) {
	reg := registryOf(t,
		okTool("fast", map[string]any{"results": []any{"early"}}),
		blockingTool("slow"),
		okTool("after", map[string]any{"results": []any{"late"}}),
	)
	exec := newTestExecutor(reg, WithMaxRetries(3))
	ectx := dragonscale.NewExecutionContext()
	plan := researchPlan(step("fast", "fast"), step("slow", "slow"), step("after", "after", "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := exec.Execute(ctx, plan, ectx)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, "fast", result.StepResults[0].StepID)
	assert.True(t, result.Success)

	slowHistory := historyKinds(ectx.HistoryFor("slow"))
	assert.Contains(t, slowHistory, dragonscale.HistoryStepCancelled)
	assert.NotContains(t, slowHistory, dragonscale.HistoryStepRetried)
	assert.Equal(t, []dragonscale.HistoryKind{dragonscale.HistoryStepCancelled}, historyKinds(ectx.HistoryFor("after")))
	assert.Equal(t, int64(2), ectx.Metric(dragonscale.MetricCancelled))
	assert.Zero(t, ectx.Metric(dragonscale.MetricInFlight))
}

func TestPlanRun_CancelledLastStepMarksRunCancelled(t *testing.T) {
	exec := newTestExecutor(registryOf(t, okTool("search", nil)))
	ectx := dragonscale.NewExecutionContext()
	r := newPlanRun(exec, researchPlan(step("s1", "search")), ectx)

	// The worker reported the cancellation before the scheduler saw ctx end.
	r.status["s1"] = dragonscale.StepStatusRunning
	r.running = 1
	r.completions <- stepOutcome{
		result:     dragonscale.StepResult{StepID: "s1", ToolName: "search", ErrorKind: dragonscale.ErrorKindCancelled},
		finishedAt: time.Now(),
		cancelled:  true,
	}

	result, err := r.execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Empty(t, result.StepResults)
	assert.Equal(t, []dragonscale.HistoryKind{dragonscale.HistoryStepCancelled}, historyKinds(ectx.HistoryFor("s1")))
}

func TestExecute_ExecutionTimeout(t *testing.T) {
	exec := newTestExecutor(registryOf(t, blockingTool("slow")), WithExecutionTimeout(20*time.Millisecond))

	result, err := exec.Execute(context.Background(), researchPlan(step("s1", "slow")), nil)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Empty(t, result.StepResults)
	assert.NotEmpty(t, result.Error)
}

func TestExecute_ConcurrentCallsAreIndependent(t *testing.T) {
	exec := newTestExecutor(registryOf(t, sleepingTool("s", 5*time.Millisecond)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := exec.Execute(context.Background(), researchPlan(step("a", "s"), step("b", "s", "a")), nil)
			assert.NoError(t, err)
			assert.True(t, result.Success)
		}()
	}
	wg.Wait()

	m := exec.GetMetrics()
	assert.Equal(t, 4, m.Executions)
	assert.Equal(t, 8, m.StepsExecuted)
	assert.Equal(t, 8, m.StepsSucceeded)

	exec.ResetMetrics()
	assert.Zero(t, exec.GetMetrics().StepsExecuted)
}

func TestExecute_AggregatesByPlanTaskType(t *testing.T) {
	reg := registryOf(t,
		okTool("search", map[string]any{"results": []any{"Paris is in France"}}),
		okTool("lookup", map[string]any{"direct_answer": "Paris"}),
	)
	exec := newTestExecutor(reg)
	plan := dragonscale.NewPlan("capital of France", dragonscale.TaskTypeFactual, []dragonscale.PlanStep{
		step("s1", "search"),
		step("s2", "lookup"),
	})

	result, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	factual, ok := result.Output.(dragonscale.FactualOutput)
	require.True(t, ok)
	assert.Equal(t, "Paris", factual.Answer)
	assert.Greater(t, result.Confidence, 0.9)
	assert.Equal(t, 1.0, result.SuccessRate)
}
