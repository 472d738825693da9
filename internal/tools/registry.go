// Package tools holds the tool registry and the built-in demo tools.
package tools

import (
	"fmt"
	"sync"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// DefaultBaseTime is the base time of a tool registered without one.
const DefaultBaseTime = time.Second

// SpecOption configures the scheduling metadata of a registered tool.
type SpecOption func(*dragonscale.ToolSpec)

// WithAction sets the logical action. Tools sharing an action substitute
// for each other.
func WithAction(action string) SpecOption {
	return func(s *dragonscale.ToolSpec) {
		s.Action = action
	}
}

// WithBaseTime sets the unscaled step duration estimate.
func WithBaseTime(d time.Duration) SpecOption {
	return func(s *dragonscale.ToolSpec) {
		s.BaseTime = d
	}
}

// WithBaseWeight sets the base weight for one task type.
func WithBaseWeight(taskType dragonscale.TaskType, weight float64) SpecOption {
	return func(s *dragonscale.ToolSpec) {
		if s.BaseWeights == nil {
			s.BaseWeights = make(map[dragonscale.TaskType]float64)
		}
		s.BaseWeights[taskType] = weight
	}
}

// WithDefaultWeight sets the weight used for task types without an entry.
func WithDefaultWeight(weight float64) SpecOption {
	return func(s *dragonscale.ToolSpec) {
		s.DefaultWeight = weight
	}
}

type entry struct {
	tool dragonscale.Tool
	spec dragonscale.ToolSpec
}

// Registry is a concurrency-safe dragonscale.ToolRegistry that keeps
// declaration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	byName  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds tool under tool.Name(). Duplicate names are rejected.
func (r *Registry) Register(tool dragonscale.Tool, opts ...SpecOption) error {
	if tool == nil {
		return dragonscale.NewValidationError("registry", "tool cannot be nil", nil)
	}
	name := tool.Name()
	if name == "" {
		return dragonscale.NewValidationError("registry", "tool name cannot be empty", nil)
	}
	spec := dragonscale.ToolSpec{Name: name, BaseTime: DefaultBaseTime}
	for _, opt := range opts {
		opt(&spec)
	}
	if spec.BaseTime <= 0 {
		return dragonscale.NewValidationError("registry", fmt.Sprintf("tool '%s' has non-positive base time", name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return dragonscale.NewValidationError("registry", fmt.Sprintf("tool '%s' already registered", name), nil)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{tool: tool, spec: spec})
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(tool dragonscale.Tool, opts ...SpecOption) {
	if err := r.Register(tool, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (dragonscale.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.entries[i].tool, true
}

// Spec returns the scheduling metadata of name.
func (r *Registry) Spec(name string) (dragonscale.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return dragonscale.ToolSpec{}, false
	}
	return r.entries[i].spec, true
}

// Alternative returns the first other tool, in declaration order, that
// shares name's action. Unknown names and tools without an action have no
// alternative.
func (r *Registry) Alternative(name string) (dragonscale.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok || r.entries[i].spec.Action == "" {
		return nil, false
	}
	action := r.entries[i].spec.Action
	for _, e := range r.entries {
		if e.spec.Name != name && e.spec.Action == action {
			return e.tool, true
		}
	}
	return nil, false
}

// Specs returns every tool's metadata in declaration order.
func (r *Registry) Specs() []dragonscale.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dragonscale.ToolSpec, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.spec
	}
	return out
}

// Names returns the registered tool names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.spec.Name
	}
	return out
}

var _ dragonscale.ToolRegistry = (*Registry)(nil)
