package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		text     string
		wantType dragonscale.TaskType
		subtasks []string
	}{
		{
			text:     "What is the capital of France?",
			wantType: dragonscale.TaskTypeFactual,
			subtasks: []string{"What is the capital of France"},
		},
		{
			text:     "Investigate recent papers on garbage collection",
			wantType: dragonscale.TaskTypeResearch,
			subtasks: []string{"Investigate recent papers on garbage collection"},
		},
		{
			text:     "Implement a function that parses dates",
			wantType: dragonscale.TaskTypeCode,
			subtasks: []string{"Implement a function that parses dates"},
		},
		{
			text:     "Find sources on Go generics; then compare them to Rust traits",
			wantType: dragonscale.TaskTypeComposite,
			subtasks: []string{"Find sources on Go generics", "compare them to Rust traits"},
		},
		{
			text:     "tell me a story",
			wantType: dragonscale.TaskTypeResearch,
			subtasks: []string{"tell me a story"},
		},
		{
			text:     "Compare Paris, Lyon and Nice",
			wantType: dragonscale.TaskTypeAnalysis,
			subtasks: []string{"Compare Paris, Lyon and Nice"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := KeywordClassifier{}.Classify(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.TaskType)
			assert.Equal(t, tt.subtasks, got.Subtasks)
		})
	}
}

func TestKeywordClassifier_Errors(t *testing.T) {
	_, err := KeywordClassifier{}.Classify(context.Background(), "   ")
	assert.True(t, dragonscale.HasCode(err, dragonscale.ErrCodeValidation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = KeywordClassifier{}.Classify(ctx, "research things")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyStep(t *testing.T) {
	assert.Equal(t, dragonscale.TaskTypeAnalysis, ClassifyStep("analyze the data", dragonscale.TaskTypeResearch))
	assert.Equal(t, dragonscale.TaskTypeCode, ClassifyStep("write a report with code", dragonscale.TaskTypeResearch))
	assert.Equal(t, dragonscale.TaskTypeData, ClassifyStep("no keywords here", dragonscale.TaskTypeData))
	assert.Equal(t, dragonscale.TaskTypeResearch, ClassifyStep("no keywords here", dragonscale.TaskTypeComposite))
}

func TestLexicalComplexity(t *testing.T) {
	assert.Zero(t, LexicalComplexity(""))
	simple := LexicalComplexity("what is the capital of France")
	involved := LexicalComplexity("research the market, analyze the data, compare competitors and then write a report with code and generate charts")
	assert.Greater(t, involved, simple)
	assert.LessOrEqual(t, involved, 1.0)
	assert.GreaterOrEqual(t, simple, 0.0)
}
