package dragonscale

import (
	"fmt"
	"strings"
	"time"
)

// TaskType selects merge behavior for a step or a whole plan.
type TaskType string

const (
	TaskTypeResearch  TaskType = "research"
	TaskTypeAnalysis  TaskType = "analysis"
	TaskTypeCode      TaskType = "code"
	TaskTypeData      TaskType = "data"
	TaskTypeComposite TaskType = "composite"
	TaskTypeFactual   TaskType = "factual"
)

// TaskTypes lists every task type in declaration order.
var TaskTypes = []TaskType{
	TaskTypeResearch,
	TaskTypeAnalysis,
	TaskTypeCode,
	TaskTypeData,
	TaskTypeComposite,
	TaskTypeFactual,
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTaskType parses a task type name, case-insensitively.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// StepStatus represents the possible states of a plan step during execution.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting for dependencies.
	StepStatusPending StepStatus = "pending"
	// StepStatusReady indicates every dependency is terminal and the step may be scheduled.
	StepStatusReady StepStatus = "ready"
	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusSucceeded indicates the step has completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"
	// StepStatusFailed indicates the step has permanently failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusCancelled indicates the step was interrupted by cancellation.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the status releases dependents.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusCancelled
}

// PlanStep represents a single unit of work in a plan.
type PlanStep struct {
	ID            string         `json:"id" yaml:"id"`
	Description   string         `json:"description" yaml:"description"`
	ToolName      string         `json:"tool_name" yaml:"tool"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty" yaml:"depends_on,omitempty"`
	TaskType      TaskType       `json:"task_type" yaml:"task_type"`
	EstimatedTime time.Duration  `json:"estimated_time" yaml:"-"`
	Complexity    float64        `json:"complexity" yaml:"complexity"`
	ParallelGroup string         `json:"parallel_group,omitempty" yaml:"-"`
}

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	StepID        string         `json:"step_id"`
	Success       bool           `json:"success"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	ToolName      string         `json:"tool_name"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Retries       int            `json:"retries"`
	Attempts      int            `json:"attempts"`
	Substituted   bool           `json:"substituted,omitempty"`
	Strategy      string         `json:"strategy,omitempty"`
}

// HasOutput reports whether the step carries a non-empty output.
func (r StepResult) HasOutput() bool {
	return len(r.Output) > 0
}

// Timing breaks down the wall time of one execution.
type Timing struct {
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Total      time.Duration            `json:"total"`
	PerStep    map[string]time.Duration `json:"per_step,omitempty"`
}

// ExecutionResult is the aggregated outcome of a plan or strategy execution.
type ExecutionResult struct {
	PlanID      string       `json:"plan_id,omitempty"`
	Strategy    string       `json:"strategy,omitempty"`
	Success     bool         `json:"success"`
	Output      Output       `json:"output"`
	Confidence  float64      `json:"confidence"`
	SuccessRate float64      `json:"success_rate"`
	StepResults []StepResult `json:"step_results"`
	Timing      Timing       `json:"timing"`
	Error       string       `json:"error,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty"`
}

// StepResult returns the result recorded for stepID, if any.
func (r *ExecutionResult) StepResult(stepID string) (StepResult, bool) {
	for _, sr := range r.StepResults {
		if sr.StepID == stepID {
			return sr, true
		}
	}
	return StepResult{}, false
}

// Classification is what a Classifier reports for a piece of task text.
type Classification struct {
	TaskType TaskType `json:"task_type"`
	Subtasks []string `json:"subtasks,omitempty"`
}
