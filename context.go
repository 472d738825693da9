package dragonscale

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Standard metric keys maintained by the executor.
const (
	MetricCompleted     = "completed"
	MetricFailed        = "failed"
	MetricInFlight      = "in_flight"
	MetricRetries       = "retries"
	MetricSubstitutions = "substitutions"
	MetricCancelled     = "cancelled"
)

// HistoryKind names an entry in the execution history.
type HistoryKind string

const (
	HistoryStepStarted       HistoryKind = "step_started"
	HistoryStepSucceeded     HistoryKind = "step_succeeded"
	HistoryStepFailed        HistoryKind = "step_failed"
	HistoryStepRetried       HistoryKind = "step_retried"
	HistoryStepSubstituted   HistoryKind = "step_substituted"
	HistoryStepCancelled     HistoryKind = "step_cancelled"
	HistoryStrategySelected  HistoryKind = "strategy_selected"
	HistoryStrategySucceeded HistoryKind = "strategy_succeeded"
	HistoryStrategyFailed    HistoryKind = "strategy_failed"
	HistoryStrategyFallback  HistoryKind = "strategy_fallback"
	HistoryWeightsUpdated    HistoryKind = "weights_updated"
)

// HistoryEvent is one timestamped entry in the execution log.
type HistoryEvent struct {
	Time     time.Time      `json:"time"`
	Kind     HistoryKind    `json:"kind"`
	PlanID   string         `json:"plan_id,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ExecutionContext is the state shared by all steps of one execution.
// Shared state only grows, metrics are updated atomically per key and the
// history is append-only.
type ExecutionContext struct {
	ID string

	stateMu sync.RWMutex
	shared  map[string]any

	metricsMu sync.Mutex
	metrics   map[string]int64

	historyMu sync.RWMutex
	history   []HistoryEvent
}

// NewExecutionContext creates an empty context with a fresh ID.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		ID:      uuid.New().String(),
		shared:  make(map[string]any),
		metrics: make(map[string]int64),
	}
}

// MergeSharedState adds values to the shared state. A key that already
// holds a value accumulates into a flat list, so list values are spliced
// in element by element. Nothing is ever removed.
func (c *ExecutionContext) MergeSharedState(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for k, v := range values {
		existing, ok := c.shared[k]
		if !ok {
			c.shared[k] = v
			continue
		}
		merged, ok := existing.([]any)
		if ok {
			merged = append([]any(nil), merged...)
		} else {
			merged = []any{existing}
		}
		if incoming, ok := v.([]any); ok {
			merged = append(merged, incoming...)
		} else {
			merged = append(merged, v)
		}
		c.shared[k] = merged
	}
}

// SharedValue returns a single shared state value.
func (c *ExecutionContext) SharedValue(key string) (any, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	v, ok := c.shared[key]
	return v, ok
}

// SharedState returns a copy of the shared state.
func (c *ExecutionContext) SharedState() map[string]any {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make(map[string]any, len(c.shared))
	for k, v := range c.shared {
		out[k] = v
	}
	return out
}

// RecordMetric adds delta to the named counter.
func (c *ExecutionContext) RecordMetric(name string, delta int64) {
	c.metricsMu.Lock()
	c.metrics[name] += delta
	c.metricsMu.Unlock()
}

// Metric returns the current value of a counter.
func (c *ExecutionContext) Metric(name string) int64 {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics[name]
}

// Metrics returns a snapshot of all counters.
func (c *ExecutionContext) Metrics() map[string]int64 {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	out := make(map[string]int64, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}

// AppendHistory records an event, stamping it when Time is zero.
func (c *ExecutionContext) AppendHistory(event HistoryEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	c.historyMu.Lock()
	c.history = append(c.history, event)
	c.historyMu.Unlock()
}

// History returns a copy of the execution log.
func (c *ExecutionContext) History() []HistoryEvent {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	return append([]HistoryEvent(nil), c.history...)
}

// HistoryFor returns the events recorded for one step, in append order.
func (c *ExecutionContext) HistoryFor(stepID string) []HistoryEvent {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	var out []HistoryEvent
	for _, e := range c.history {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}
