package executor

import (
	"sync"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// ExecutorMetrics accumulates step statistics across every execution run
// by one executor.
type ExecutorMetrics struct {
	Executions       int
	StepsExecuted    int
	StepsSucceeded   int
	StepsFailed      int
	StepsCancelled   int
	TotalRetries     int
	Substitutions    int
	TotalDuration    time.Duration
	LongestStepTime  time.Duration
	ShortestStepTime time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ExecutorMetrics{
		Executions:       m.Executions,
		StepsExecuted:    m.StepsExecuted,
		StepsSucceeded:   m.StepsSucceeded,
		StepsFailed:      m.StepsFailed,
		StepsCancelled:   m.StepsCancelled,
		TotalRetries:     m.TotalRetries,
		Substitutions:    m.Substitutions,
		TotalDuration:    m.TotalDuration,
		LongestStepTime:  m.LongestStepTime,
		ShortestStepTime: m.ShortestStepTime,
	}
}

func (m *ExecutorMetrics) recordExecution() {
	m.mu.Lock()
	m.Executions++
	m.mu.Unlock()
}

func (m *ExecutorMetrics) recordStep(res dragonscale.StepResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StepsExecuted++
	if res.Success {
		m.StepsSucceeded++
	} else {
		m.StepsFailed++
	}
	m.TotalRetries += res.Retries
	if res.Substituted {
		m.Substitutions++
	}
	m.TotalDuration += res.ExecutionTime
	if res.ExecutionTime > m.LongestStepTime {
		m.LongestStepTime = res.ExecutionTime
	}
	if m.ShortestStepTime == 0 || res.ExecutionTime < m.ShortestStepTime {
		m.ShortestStepTime = res.ExecutionTime
	}
}

func (m *ExecutorMetrics) recordCancelled() {
	m.mu.Lock()
	m.StepsCancelled++
	m.mu.Unlock()
}

func (m *ExecutorMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executions = 0
	m.StepsExecuted = 0
	m.StepsSucceeded = 0
	m.StepsFailed = 0
	m.StepsCancelled = 0
	m.TotalRetries = 0
	m.Substitutions = 0
	m.TotalDuration = 0
	m.LongestStepTime = 0
	m.ShortestStepTime = 0
}
