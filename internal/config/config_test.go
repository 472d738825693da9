package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.MaxConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 45*time.Second, cfg.StepTimeout)
	assert.Zero(t, cfg.ExecutionTimeout)
	assert.InDelta(t, 0.7, cfg.CompositionThreshold, 1e-12)
	assert.Equal(t, 3, cfg.TopK)
	assert.InDelta(t, 0.1, cfg.LearningRate, 1e-12)
	assert.Equal(t, "web_search", cfg.DefaultTool)
	assert.Equal(t, ClassifierKeyword, cfg.Classifier)
	assert.True(t, cfg.Events.Enabled)
	assert.False(t, cfg.Log.Debug)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, "dragonscale.yaml", `
max_concurrency: 4
retry_base_delay: 10ms
step_timeout: 2s
top_k: 2
classifier: flow
db_path: /tmp/ds.db
events:
  workers: 2
log:
  debug: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.StepTimeout)
	assert.Equal(t, 2, cfg.TopK)
	assert.Equal(t, ClassifierFlow, cfg.Classifier)
	assert.Equal(t, 2, cfg.Events.Workers)
	assert.Equal(t, 100, cfg.Events.BufferSize)
	assert.True(t, cfg.Log.Debug)

	engine := cfg.Engine()
	assert.Equal(t, 4, engine.MaxConcurrency)
	assert.Equal(t, "/tmp/ds.db", engine.DBPath)
	assert.Equal(t, 2, engine.EventBusWorkerCount)
	assert.True(t, engine.Debug)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeConfig(t, "dragonscale.json", `{"max_retries": 1, "learning_rate": 0.5}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.InDelta(t, 0.5, cfg.LearningRate, 1e-12)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DRAGONSCALE_TOP_K", "5")
	t.Setenv("DRAGONSCALE_STEP_TIMEOUT", "3s")
	t.Setenv("DRAGONSCALE_LOG_DEBUG", "true")

	path := writeConfig(t, "dragonscale.yaml", "top_k: 2\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 3*time.Second, cfg.StepTimeout)
	assert.True(t, cfg.Log.Debug)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero top k", "top_k: 0\n"},
		{"threshold above one", "composition_threshold: 1.5\n"},
		{"negative retries", "max_retries: -1\n"},
		{"zero learning rate", "learning_rate: 0\n"},
		{"negative timeout", "step_timeout: -1s\n"},
		{"bad expression", "score_expression: \"base_weight *\"\n"},
		{"unknown key", "max_concurency: 3\n"},
		{"empty default tool", "default_tool: \"\"\n"},
		{"unknown classifier", "classifier: oracle\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "dragonscale.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
