package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dragonscale.db"), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStats(t *testing.T) {
	m := NewMemoryStats()
	assert.Equal(t, 0.0, m.SuccessRate("web_search"), "unknown tool")

	m.RecordOutcome("web_search", true, 100*time.Millisecond)
	m.RecordOutcome("web_search", true, 300*time.Millisecond)
	m.RecordOutcome("web_search", false, 200*time.Millisecond)
	m.RecordOutcome("analyze", true, time.Second)

	assert.InDelta(t, 2.0/3.0, m.SuccessRate("web_search"), 1e-9)
	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "analyze", snap[0].Tool)
	assert.Equal(t, "web_search", snap[1].Tool)
	assert.Equal(t, 3, snap[1].Attempts)
	assert.Equal(t, 200*time.Millisecond, snap[1].MeanDuration)
}

func TestSQLiteStore_ToolOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.Equal(t, 0.0, s.SuccessRate("web_search"))
	s.RecordOutcome("web_search", true, 100*time.Millisecond)
	s.RecordOutcome("web_search", false, 300*time.Millisecond)
	require.NoError(t, s.RecordOutcomeContext(ctx, "analyze", true, 50*time.Millisecond))

	assert.InDelta(t, 0.5, s.SuccessRate("web_search"), 1e-9)
	assert.InDelta(t, 1.0, s.SuccessRate("analyze"), 1e-9)

	stats, err := s.ToolStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "analyze", stats[0].Tool)
	assert.Equal(t, 2, stats[1].Attempts)
	assert.Equal(t, 1, stats[1].Successes)
	assert.Equal(t, 200*time.Millisecond, stats[1].MeanDuration)
}

func TestSQLiteStore_Weights(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	weights, rates, err := s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, weights)
	assert.Empty(t, rates)

	require.NoError(t, s.SaveWeights(ctx,
		map[string]float64{"research": 0.6, "analysis": 0.4},
		map[string]float64{"research": 0.1}))
	require.NoError(t, s.SaveWeights(ctx,
		map[string]float64{"research": 0.7, "analysis": 0.3},
		map[string]float64{"research": 0.19, "analysis": 0.0}))

	weights, rates, err = s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"research": 0.7, "analysis": 0.3}, weights)
	assert.InDelta(t, 0.19, rates["research"], 1e-9)
}

func TestSQLiteStore_History(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := []dragonscale.HistoryEvent{
		{Time: now, Kind: dragonscale.HistoryStepStarted, PlanID: "p1", StepID: "s1", Tool: "web_search", Attempt: 1},
		{Time: now, Kind: dragonscale.HistoryStepSucceeded, PlanID: "p1", StepID: "s1", Data: map[string]any{"retries": float64(0)}},
	}
	require.NoError(t, s.AppendHistory(ctx, "ctx-1", first))
	require.NoError(t, s.AppendHistory(ctx, "ctx-1", []dragonscale.HistoryEvent{
		{Time: now, Kind: dragonscale.HistoryWeightsUpdated, Strategy: "research"},
	}))
	require.NoError(t, s.AppendHistory(ctx, "ctx-2", nil))

	got, err := s.History(ctx, "ctx-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, dragonscale.HistoryStepStarted, got[0].Kind)
	assert.Equal(t, "web_search", got[0].Tool)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, map[string]any{"retries": float64(0)}, got[1].Data)
	assert.Equal(t, "research", got[2].Strategy)

	empty, err := s.History(ctx, "ctx-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := Open(path, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	s.RecordOutcome("code_gen", true, time.Millisecond)
	require.NoError(t, s.Close())

	s, err = Open(path, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer s.Close()
	assert.InDelta(t, 1.0, s.SuccessRate("code_gen"), 1e-9)
}
