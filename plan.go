package dragonscale

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Plan represents the directed acyclic graph of steps for one task.
// Step order is advisory; the dependency graph decides execution order.
type Plan struct {
	ID                string        `json:"id"`
	Task              string        `json:"task"`
	Steps             []PlanStep    `json:"steps"`
	TaskType          TaskType      `json:"task_type"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	TotalComplexity   float64       `json:"total_complexity"`
	Parallelizable    bool          `json:"parallelizable"`
	// PriorConfidence scales the aggregated confidence when set.
	PriorConfidence *float64 `json:"prior_confidence,omitempty"`
}

// NewPlan creates a plan with a fresh ID.
func NewPlan(task string, taskType TaskType, steps []PlanStep) *Plan {
	return &Plan{
		ID:       uuid.New().String(),
		Task:     task,
		Steps:    steps,
		TaskType: taskType,
	}
}

// Step returns the step with the given ID.
func (p *Plan) Step(id string) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Index returns the position of step id in insertion order, or -1.
func (p *Plan) Index(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Dependents maps each step ID to the IDs of steps that depend on it.
func (p *Plan) Dependents() map[string][]string {
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	return dependents
}

// Validate checks the plan for empty or duplicate IDs, missing dependencies
// and cycles. Any violation is a structural error.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return NewStructuralError("validation", "plan has no steps")
	}
	idSet := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return NewStructuralError("validation", "plan contains a step with an empty ID")
		}
		if _, exists := idSet[s.ID]; exists {
			return NewStructuralError("validation", fmt.Sprintf("duplicate step ID found: %s", s.ID))
		}
		idSet[s.ID] = struct{}{}
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return NewStructuralError("validation", fmt.Sprintf("step '%s' depends on itself", s.ID))
			}
			if _, exists := idSet[dep]; !exists {
				return NewStructuralError("validation", fmt.Sprintf("step '%s' depends on missing step '%s'", s.ID, dep))
			}
		}
	}
	if _, err := p.Levels(); err != nil {
		return err
	}
	return nil
}

// Levels groups step IDs into waves using Kahn's algorithm: every step in
// wave n depends only on steps in earlier waves. Returns a structural error
// when the graph has a cycle. Waves preserve insertion order.
func (p *Plan) Levels() ([][]string, error) {
	inDeg := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		inDeg[s.ID] = len(uniqueStrings(s.Dependencies))
	}
	dependents := p.Dependents()

	var queue []string
	for _, s := range p.Steps {
		if inDeg[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	var levels [][]string
	processed := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		var next []string
		for _, id := range queue {
			processed++
			for _, blocked := range uniqueStrings(dependents[id]) {
				inDeg[blocked]--
				if inDeg[blocked] == 0 {
					next = append(next, blocked)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool { return p.Index(next[i]) < p.Index(next[j]) })
		queue = next
	}

	if processed != len(p.Steps) {
		return nil, NewStructuralError("validation",
			fmt.Sprintf("cycle detected: processed %d of %d steps", processed, len(p.Steps)))
	}
	return levels, nil
}

// CriticalPath returns the longest chain of estimated step times.
func (p *Plan) CriticalPath() (time.Duration, error) {
	levels, err := p.Levels()
	if err != nil {
		return 0, err
	}
	finish := make(map[string]time.Duration, len(p.Steps))
	var longest time.Duration
	for _, level := range levels {
		for _, id := range level {
			step, _ := p.Step(id)
			var start time.Duration
			for _, dep := range step.Dependencies {
				if finish[dep] > start {
					start = finish[dep]
				}
			}
			finish[id] = start + step.EstimatedTime
			if finish[id] > longest {
				longest = finish[id]
			}
		}
	}
	return longest, nil
}

// Clone returns a deep copy of the plan with a new ID.
func (p *Plan) Clone() *Plan {
	clone := *p
	clone.ID = uuid.New().String()
	clone.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		s.Dependencies = append([]string(nil), s.Dependencies...)
		if s.Parameters != nil {
			params := make(map[string]any, len(s.Parameters))
			for k, v := range s.Parameters {
				params[k] = v
			}
			s.Parameters = params
		}
		clone.Steps[i] = s
	}
	if p.PriorConfidence != nil {
		prior := *p.PriorConfidence
		clone.PriorConfidence = &prior
	}
	return &clone
}

func uniqueStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
