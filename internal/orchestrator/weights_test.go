package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

func sumWeights(w *WeightTable) float64 {
	weights, _ := w.Snapshot()
	var total float64
	for _, v := range weights {
		total += v
	}
	return total
}

func TestWeightTable_UniformInit(t *testing.T) {
	w := NewWeightTable(0.1, "a", "b", "c", "a")
	assert.Equal(t, []string{"a", "b", "c"}, w.Names())
	for _, name := range w.Names() {
		assert.InDelta(t, 1.0/3.0, w.Weight(name), 1e-12)
	}
	assert.Zero(t, w.SuccessRate("a"))
}

func TestWeightTable_SuccessScalesByConfidence(t *testing.T) {
	w := NewWeightTable(0.1, "S", "T", "U")
	before := w.Weight("S") / w.Weight("T")

	w.Update("S", true, 0.8)

	after := w.Weight("S") / w.Weight("T")
	assert.InDelta(t, 1.08, after/before, 1e-12)
	assert.InDelta(t, 1.0, sumWeights(w), 1e-12)
	assert.InDelta(t, 0.1, w.SuccessRate("S"), 1e-12)
}

func TestWeightTable_FailureShrinks(t *testing.T) {
	w := NewWeightTable(0.1, "S", "T")
	w.Update("S", true, 1)
	rate := w.SuccessRate("S")
	before := w.Weight("S") / w.Weight("T")

	w.Update("S", false, 0.9)

	assert.InDelta(t, 0.95, (w.Weight("S")/w.Weight("T"))/before, 1e-12)
	assert.InDelta(t, 0.9*rate, w.SuccessRate("S"), 1e-12)
	assert.InDelta(t, 1.0, sumWeights(w), 1e-12)
}

func TestWeightTable_AlwaysNormalized(t *testing.T) {
	w := NewWeightTable(0.1, "a", "b", "c")
	outcomes := []struct {
		name    string
		success bool
		conf    float64
	}{
		{"a", true, 0.9}, {"b", false, 0}, {"c", true, 0.2}, {"a", false, 0},
		{"d", true, 1.0}, {"b", true, 0.5}, {"c", false, 0}, {"a", true, 1.5},
	}
	for _, o := range outcomes {
		w.Update(o.name, o.success, o.conf)
		require.InDelta(t, 1.0, sumWeights(w), 1e-9)
	}
	w.Ensure("e", "f")
	assert.InDelta(t, 1.0, sumWeights(w), 1e-9)
}

func TestWeightTable_EnsureStartsAtMean(t *testing.T) {
	w := NewWeightTable(0.1)
	w.Ensure("a", "b", "c")
	for _, name := range w.Names() {
		assert.InDelta(t, 1.0/3.0, w.Weight(name), 1e-12)
	}
	w.Ensure("d", "a")
	assert.InDelta(t, 0.25, w.Weight("d"), 1e-12)
	assert.Len(t, w.Names(), 4)
}

func TestWeightTable_SnapshotRestore(t *testing.T) {
	w := NewWeightTable(0.1, "a", "b")
	w.Update("a", true, 1)
	weights, rates := w.Snapshot()

	restored := NewWeightTable(0.1, "b")
	restored.Restore(weights, rates)
	assert.Equal(t, []string{"b", "a"}, restored.Names())
	assert.InDelta(t, w.Weight("a"), restored.Weight("a"), 1e-12)
	assert.InDelta(t, w.SuccessRate("a"), restored.SuccessRate("a"), 1e-12)

	restored.Restore(map[string]float64{"a": -1}, nil)
	assert.InDelta(t, 1.0, sumWeights(restored), 1e-12)
}

func TestRank_StableByCandidateOrder(t *testing.T) {
	o := newOrchestrator(&fakeExecutor{})
	strategies := []dragonscale.Strategy{
		&fakeStrategy{name: "first", match: 0.5},
		&fakeStrategy{name: "second", match: 0.5},
		&fakeStrategy{name: "best", match: 0.9},
	}
	ranked := o.Rank("task", strategies)
	names := make([]string, len(ranked))
	for i, s := range ranked {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"best", "first", "second"}, names)
}

type stubPlanner struct{ hints []dragonscale.TaskType }

func (p *stubPlanner) CreatePlan(ctx context.Context, task string, hint dragonscale.TaskType) (*dragonscale.Plan, error) {
	p.hints = append(p.hints, hint)
	return dragonscale.NewPlan(task, hint, []dragonscale.PlanStep{{ID: "s1", ToolName: "t"}}), nil
}

func TestPlannerStrategy_MatchAndHint(t *testing.T) {
	planner := &stubPlanner{}
	byName := make(map[string]dragonscale.Strategy)
	for _, s := range DefaultStrategies(planner) {
		byName[s.Name()] = s
	}
	require.Len(t, byName, 5)

	analysis := byName[StrategyAnalysis]
	assert.InDelta(t, 0.2, analysis.Match("bake a cake"), 1e-12)
	assert.InDelta(t, 0.6, analysis.Match("Compare Go with Rust"), 1e-12)
	assert.InDelta(t, 1.0, analysis.Match("compare and evaluate the pros and cons"), 1e-12)
	assert.InDelta(t, 1.0, byName[StrategyFactualLookup].Match("What is the capital of France?"), 1e-12)

	_, err := byName[StrategyGeneration].BuildPlan(context.Background(), "write a parser")
	require.NoError(t, err)
	_, err = DefaultFallback(planner).BuildPlan(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []dragonscale.TaskType{dragonscale.TaskTypeCode, ""}, planner.hints)
}
