package planner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/adapters"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/tools"
)

func demoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r, err := tools.SetupRegistry(tools.WithLatency(0), tools.WithDemoLogger(zerolog.Nop()))
	require.NoError(t, err)
	return r
}

func newPlanner(t *testing.T, registry dragonscale.ToolRegistry, opts ...Option) *TaskPlanner {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithCache(nil)}, opts...)
	p, err := New(registry, opts...)
	require.NoError(t, err)
	return p
}

func stubTool(name string) dragonscale.Tool {
	return adapters.NewGoToolAdapter(name, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

type countingClassifier struct {
	calls atomic.Int32
	class dragonscale.Classification
	err   error
}

func (c *countingClassifier) Classify(ctx context.Context, text string) (dragonscale.Classification, error) {
	c.calls.Add(1)
	return c.class, c.err
}

func TestCreatePlan_Factual(t *testing.T) {
	p := newPlanner(t, demoRegistry(t))

	plan, err := p.CreatePlan(context.Background(), "What is the capital of France?", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, dragonscale.TaskTypeFactual, plan.TaskType)
	assert.Equal(t, tools.AnswerLookup, plan.Steps[0].ToolName)
	assert.Equal(t, "What is the capital of France", plan.Steps[0].Parameters["query"])
	assert.False(t, plan.Parallelizable)
	assert.Nil(t, plan.PriorConfidence)
}

func TestCreatePlan_AnalysisDependsOnResearch(t *testing.T) {
	p := newPlanner(t, demoRegistry(t))
	task := "research the market, analyze the data, compare competitors and then write a report with code"

	plan, err := p.CreatePlan(context.Background(), task, "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, dragonscale.TaskTypeComposite, plan.TaskType)

	want := []struct {
		taskType dragonscale.TaskType
		tool     string
	}{
		{dragonscale.TaskTypeResearch, tools.WebSearch},
		{dragonscale.TaskTypeAnalysis, tools.Analyze},
		{dragonscale.TaskTypeAnalysis, tools.Analyze},
		{dragonscale.TaskTypeCode, tools.CodeGen},
	}
	for i, w := range want {
		step := plan.Steps[i]
		assert.Equal(t, w.taskType, step.TaskType, step.ID)
		assert.Equal(t, w.tool, step.ToolName, step.ID)
	}
	assert.Empty(t, plan.Steps[0].Dependencies)
	for _, step := range plan.Steps[1:] {
		assert.Equal(t, []string{"s1"}, step.Dependencies, step.ID)
		assert.Equal(t, []any{"$s1.results"}, step.Parameters["input"], step.ID)
		assert.Equal(t, "level-1", step.ParallelGroup)
	}
	assert.Equal(t, "level-0", plan.Steps[0].ParallelGroup)
	assert.True(t, plan.Parallelizable)

	longest := plan.Steps[1].EstimatedTime
	for _, s := range plan.Steps[2:] {
		longest = max(longest, s.EstimatedTime)
	}
	assert.Equal(t, plan.Steps[0].EstimatedTime+longest, plan.EstimatedDuration)
}

func TestCreatePlan_HintOverridesClassification(t *testing.T) {
	p := newPlanner(t, demoRegistry(t))
	plan, err := p.CreatePlan(context.Background(), "sales figures by region", dragonscale.TaskTypeData)
	require.NoError(t, err)
	assert.Equal(t, dragonscale.TaskTypeData, plan.TaskType)
	assert.Equal(t, tools.DataExtract, plan.Steps[0].ToolName)
}

func TestSelectTool_TiesUseDeclarationOrder(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(stubTool("first"), tools.WithDefaultWeight(0.5))
	r.MustRegister(stubTool("second"), tools.WithDefaultWeight(0.5))
	p := newPlanner(t, r)

	spec, err := p.selectTool(dragonscale.TaskTypeResearch)
	require.NoError(t, err)
	assert.Equal(t, "first", spec.Name)
}

func TestSelectTool_HistoricalSuccessRate(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(stubTool("steady"), tools.WithDefaultWeight(0.6))
	r.MustRegister(stubTool("proven"), tools.WithDefaultWeight(0.5))
	stats := store.NewMemoryStats()

	p := newPlanner(t, r, WithToolStats(stats))
	spec, err := p.selectTool(dragonscale.TaskTypeResearch)
	require.NoError(t, err)
	assert.Equal(t, "steady", spec.Name, "0.6 beats 0.5 with no history")

	stats.RecordOutcome("proven", true, time.Millisecond)
	score, err := p.Score(dragonscale.ToolSpec{Name: "proven", DefaultWeight: 0.5}, dragonscale.TaskTypeResearch)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	spec, err = p.selectTool(dragonscale.TaskTypeResearch)
	require.NoError(t, err)
	assert.Equal(t, "proven", spec.Name)
}

func TestCreatePlan_EstimatedTimeScalesWithComplexity(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(stubTool("only"), tools.WithDefaultWeight(1), tools.WithBaseTime(2*time.Second))
	p := newPlanner(t, r, WithComplexityEstimator(dragonscale.ComplexityFunc(func(string) float64 { return 0.5 })))

	plan, err := p.CreatePlan(context.Background(), "look into it", "")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, plan.Steps[0].EstimatedTime)
	assert.InDelta(t, 0.5, plan.TotalComplexity, 1e-9)
}

func TestCreatePlan_FallbackOnFailure(t *testing.T) {
	zeroWeights := tools.NewRegistry()
	zeroWeights.MustRegister(stubTool("web_search"), tools.WithBaseTime(4*time.Second))

	tests := []struct {
		name     string
		registry dragonscale.ToolRegistry
		opts     []Option
		hint     dragonscale.TaskType
		wantType dragonscale.TaskType
	}{
		{
			name:     "classifier error",
			registry: demoRegistry(t),
			opts:     []Option{WithClassifier(&countingClassifier{err: errors.New("model offline")})},
			wantType: dragonscale.TaskTypeResearch,
		},
		{
			name:     "no eligible tool",
			registry: zeroWeights,
			hint:     dragonscale.TaskTypeCode,
			wantType: dragonscale.TaskTypeCode,
		},
		{
			name:     "unknown classified type",
			registry: demoRegistry(t),
			opts:     []Option{WithClassifier(&countingClassifier{class: dragonscale.Classification{TaskType: "poetry"}})},
			wantType: dragonscale.TaskTypeResearch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(t, tt.registry, tt.opts...)
			plan, err := p.CreatePlan(context.Background(), "anything at all", tt.hint)
			require.NoError(t, err)
			require.Len(t, plan.Steps, 1)
			assert.Equal(t, DefaultFallbackTool, plan.Steps[0].ToolName)
			assert.Equal(t, "anything at all", plan.Steps[0].Parameters["query"])
			assert.Equal(t, tt.wantType, plan.TaskType)
			require.NotNil(t, plan.PriorConfidence)
			assert.InDelta(t, FallbackPriorConfidence, *plan.PriorConfidence, 1e-9)
			assert.NoError(t, plan.Validate())
		})
	}
}

func TestCreatePlan_CustomDefaultTool(t *testing.T) {
	p := newPlanner(t, demoRegistry(t),
		WithDefaultTool(tools.PageFetch),
		WithClassifier(&countingClassifier{err: errors.New("nope")}))
	plan, err := p.CreatePlan(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, tools.PageFetch, plan.Steps[0].ToolName)
	assert.Equal(t, 3*time.Second, plan.EstimatedDuration)
}

func TestCreatePlan_CachesByTaskAndHint(t *testing.T) {
	classifier := &countingClassifier{class: dragonscale.Classification{TaskType: dragonscale.TaskTypeResearch}}
	p, err := New(demoRegistry(t), WithLogger(zerolog.Nop()), WithClassifier(classifier))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := p.CreatePlan(ctx, "find go schedulers", "")
	require.NoError(t, err)
	second, err := p.CreatePlan(ctx, "find go schedulers", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, classifier.calls.Load())
	assert.NotEqual(t, first.ID, second.ID, "cached plans are re-identified")
	assert.Equal(t, first.Steps, second.Steps)

	second.Steps[0].Parameters["query"] = "mutated"
	third, err := p.CreatePlan(ctx, "find go schedulers", "")
	require.NoError(t, err)
	assert.Equal(t, "find go schedulers", third.Steps[0].Parameters["query"], "callers cannot corrupt the cache")

	_, err = p.CreatePlan(ctx, "find go schedulers", dragonscale.TaskTypeAnalysis)
	require.NoError(t, err)
	assert.EqualValues(t, 2, classifier.calls.Load())
}

func TestCreatePlan_CachedTaskSeesNewToolHistory(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(stubTool("steady"), tools.WithDefaultWeight(0.6))
	r.MustRegister(stubTool("proven"), tools.WithDefaultWeight(0.5))
	stats := store.NewMemoryStats()
	classifier := &countingClassifier{class: dragonscale.Classification{TaskType: dragonscale.TaskTypeResearch}}
	p, err := New(r, WithLogger(zerolog.Nop()), WithClassifier(classifier), WithToolStats(stats))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := p.CreatePlan(ctx, "find go schedulers", "")
	require.NoError(t, err)
	assert.Equal(t, "steady", first.Steps[0].ToolName)

	stats.RecordOutcome("proven", true, time.Millisecond)

	second, err := p.CreatePlan(ctx, "find go schedulers", "")
	require.NoError(t, err)
	assert.Equal(t, "proven", second.Steps[0].ToolName)
	assert.EqualValues(t, 1, classifier.calls.Load(), "decomposition still comes from the cache")
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(nil)
	assert.True(t, dragonscale.HasCode(err, dragonscale.ErrCodeConfiguration))

	_, err = New(demoRegistry(t), WithScoreExpression("base_weight * ("))
	assert.True(t, dragonscale.HasCode(err, dragonscale.ErrCodeConfiguration))
}

func TestScoreExpression_Custom(t *testing.T) {
	p := newPlanner(t, demoRegistry(t), WithScoreExpression("max(base_weight, 0.3) + success_rate"))
	score, err := p.Score(dragonscale.ToolSpec{Name: "x", DefaultWeight: 0.1}, dragonscale.TaskTypeCode)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("task", "")
	assert.Equal(t, a, CacheKey("task", ""))
	assert.NotEqual(t, a, CacheKey("task", dragonscale.TaskTypeCode))
	assert.NotEqual(t, a, CacheKey("task2", ""))
	assert.True(t, strings.HasPrefix(a, "plan:"))
	assert.Len(t, strings.TrimPrefix(a, "plan:"), 64)
}
