package executor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"gopkg.in/yaml.v3"
)

// PlanFile is a hand-written plan document.
type PlanFile struct {
	Name            string         `yaml:"name,omitempty"`
	Description     string         `yaml:"description,omitempty"`
	TaskType        string         `yaml:"task_type,omitempty"`
	PriorConfidence *float64       `yaml:"prior_confidence,omitempty"`
	Steps           []PlanFileStep `yaml:"steps"`
}

// PlanFileStep is one step of a PlanFile.
type PlanFileStep struct {
	ID            string         `yaml:"id"`
	Description   string         `yaml:"description,omitempty"`
	Tool          string         `yaml:"tool"`
	TaskType      string         `yaml:"task_type,omitempty"`
	Parameters    map[string]any `yaml:"parameters,omitempty"`
	DependsOn     []string       `yaml:"depends_on,omitempty"`
	Complexity    float64        `yaml:"complexity,omitempty"`
	EstimatedTime string         `yaml:"estimated_time,omitempty"`
}

// PlanFileLoader loads a PlanFile from a source such as a path.
type PlanFileLoader interface {
	Load(source string) (*PlanFile, error)
	Format() string // e.g., "yaml"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]PlanFileLoader)
)

// RegisterPlanFileLoader registers a loader under its format name.
func RegisterPlanFileLoader(loader PlanFileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetPlanFileLoader retrieves a loader by format name.
func GetPlanFileLoader(format string) (PlanFileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader reads YAML plan files. JSON documents parse as well.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParsePlanFile(data)
}

func (YAMLLoader) Format() string { return "yaml" }

func init() {
	RegisterPlanFileLoader(YAMLLoader{})
}

// ParsePlanFile decodes a YAML plan document. Unknown fields are rejected.
func ParsePlanFile(data []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

// formatFor maps a file extension to a loader format.
func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", "":
		return "yaml"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

// ToPlan converts the document into a validated plan. Steps without a task
// type inherit the plan's; a plan without one is research.
func (pf *PlanFile) ToPlan() (*dragonscale.Plan, error) {
	planType := dragonscale.TaskTypeResearch
	if pf.TaskType != "" {
		t, err := dragonscale.ParseTaskType(pf.TaskType)
		if err != nil {
			return nil, dragonscale.NewValidationError("planfile", "invalid plan task type", err)
		}
		planType = t
	}
	if pf.PriorConfidence != nil && (*pf.PriorConfidence < 0 || *pf.PriorConfidence > 1) {
		return nil, dragonscale.NewValidationError("planfile",
			fmt.Sprintf("prior_confidence %v is outside [0, 1]", *pf.PriorConfidence), nil)
	}

	steps := make([]dragonscale.PlanStep, 0, len(pf.Steps))
	for _, s := range pf.Steps {
		step, err := s.toStep(planType)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	task := pf.Description
	if task == "" {
		task = pf.Name
	}
	plan := dragonscale.NewPlan(task, planType, steps)
	if pf.PriorConfidence != nil {
		prior := *pf.PriorConfidence
		plan.PriorConfidence = &prior
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	levels, _ := plan.Levels()
	for i, level := range levels {
		for _, id := range level {
			step, _ := plan.Step(id)
			step.ParallelGroup = fmt.Sprintf("level-%d", i)
		}
		if len(level) > 1 {
			plan.Parallelizable = true
		}
	}
	plan.EstimatedDuration, _ = plan.CriticalPath()
	var total float64
	for _, s := range plan.Steps {
		total += s.Complexity
	}
	plan.TotalComplexity = total / float64(len(plan.Steps))
	return plan, nil
}

func (s PlanFileStep) toStep(planType dragonscale.TaskType) (dragonscale.PlanStep, error) {
	step := dragonscale.PlanStep{
		ID:           s.ID,
		Description:  s.Description,
		ToolName:     s.Tool,
		Parameters:   s.Parameters,
		Dependencies: s.DependsOn,
		TaskType:     planType,
		Complexity:   s.Complexity,
	}
	if s.Tool == "" {
		return step, dragonscale.NewValidationError("planfile", fmt.Sprintf("step '%s' has no tool", s.ID), nil)
	}
	if s.TaskType != "" {
		t, err := dragonscale.ParseTaskType(s.TaskType)
		if err != nil {
			return step, dragonscale.NewValidationError("planfile", fmt.Sprintf("step '%s' has an invalid task type", s.ID), err)
		}
		step.TaskType = t
	}
	if s.EstimatedTime != "" {
		d, err := time.ParseDuration(s.EstimatedTime)
		if err != nil {
			return step, dragonscale.NewValidationError("planfile", fmt.Sprintf("step '%s' has an invalid estimated_time", s.ID), err)
		}
		step.EstimatedTime = d
	}
	for name, v := range s.Parameters {
		if expr, ok := v.(string); ok && strings.HasPrefix(expr, ExpressionPrefix) {
			if err := ValidateExpression(expr); err != nil {
				return step, dragonscale.NewValidationError("planfile",
					fmt.Sprintf("step '%s' parameter '%s'", s.ID, name), err)
			}
		}
	}
	return step, nil
}

// FromPlan renders plan as a document that ToPlan accepts again.
func FromPlan(plan *dragonscale.Plan) *PlanFile {
	pf := &PlanFile{
		Description: plan.Task,
		TaskType:    string(plan.TaskType),
		Steps:       make([]PlanFileStep, 0, len(plan.Steps)),
	}
	if plan.PriorConfidence != nil {
		prior := *plan.PriorConfidence
		pf.PriorConfidence = &prior
	}
	for _, s := range plan.Steps {
		step := PlanFileStep{
			ID:          s.ID,
			Description: s.Description,
			Tool:        s.ToolName,
			TaskType:    string(s.TaskType),
			Parameters:  s.Parameters,
			DependsOn:   s.Dependencies,
			Complexity:  s.Complexity,
		}
		if s.EstimatedTime > 0 {
			step.EstimatedTime = s.EstimatedTime.String()
		}
		pf.Steps = append(pf.Steps, step)
	}
	return pf
}

// LoadPlan loads a plan file with the loader registered for its extension,
// validates it and returns the plan without executing it.
func LoadPlan(path string) (*dragonscale.Plan, error) {
	format := formatFor(path)
	loader, ok := GetPlanFileLoader(format)
	if !ok {
		return nil, dragonscale.NewValidationError("planfile", fmt.Sprintf("no plan loader registered for format %q", format), nil)
	}
	pf, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	return pf.ToPlan()
}
