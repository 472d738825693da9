package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// ToolFlow is the Genkit flow shape a FlowTool runs.
type ToolFlow = core.Flow[map[string]any, map[string]any, struct{}]

// ClassifierFlow is the Genkit flow shape a FlowClassifier runs.
type ClassifierFlow = core.Flow[string, *dragonscale.Classification, struct{}]

// FlowTool exposes a Genkit flow as a dragonscale.Tool, so model-backed
// steps schedule like any other tool.
type FlowTool struct {
	*GoToolAdapter
	flow *ToolFlow
}

// NewFlowTool wraps flow under name. Options configure the schema and
// validator as for GoToolAdapter.
func NewFlowTool(name string, flow *ToolFlow, options ...ToolOption) *FlowTool {
	ft := &FlowTool{flow: flow}
	ft.GoToolAdapter = NewGoToolAdapter(name, ft.run, options...)
	if _, ok := ft.schema["category"]; !ok {
		ft.schema["category"] = "flow"
	}
	return ft
}

// DefineToolFlow registers fn as a Genkit flow called name and returns it
// wrapped as a FlowTool.
func DefineToolFlow(g *genkit.Genkit, name string, fn ToolFunc, options ...ToolOption) *FlowTool {
	flow := genkit.DefineFlow[map[string]any, map[string]any](g, name, fn)
	return NewFlowTool(name, flow, options...)
}

func (t *FlowTool) run(ctx context.Context, input map[string]any) (map[string]any, error) {
	if t.flow == nil {
		return nil, fmt.Errorf("flow for tool %s is nil", t.name)
	}
	out, err := t.flow.Run(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("flow %s failed: %w", t.name, err)
	}
	return out, nil
}

// FlowClassifier exposes a Genkit flow as a dragonscale.Classifier.
// Unknown task types reported by the flow are rejected so callers can fall
// back to a deterministic classifier.
type FlowClassifier struct {
	flow *ClassifierFlow
}

// NewFlowClassifier wraps flow.
func NewFlowClassifier(flow *ClassifierFlow) *FlowClassifier {
	return &FlowClassifier{flow: flow}
}

// DefineClassifierFlow registers c as a Genkit flow called name, so every
// classification is traced as a flow run.
func DefineClassifierFlow(g *genkit.Genkit, name string, c dragonscale.Classifier) *ClassifierFlow {
	return genkit.DefineFlow(g, name, func(ctx context.Context, text string) (*dragonscale.Classification, error) {
		out, err := c.Classify(ctx, text)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Classify runs the flow on text.
func (c *FlowClassifier) Classify(ctx context.Context, text string) (dragonscale.Classification, error) {
	if c.flow == nil {
		return dragonscale.Classification{}, fmt.Errorf("classifier flow is nil")
	}
	out, err := c.flow.Run(ctx, text)
	if err != nil {
		return dragonscale.Classification{}, fmt.Errorf("classifier flow failed: %w", err)
	}
	if out == nil {
		return dragonscale.Classification{}, fmt.Errorf("classifier flow returned no classification")
	}
	if !out.TaskType.Valid() {
		return dragonscale.Classification{}, fmt.Errorf("classifier flow returned unknown task type %q", out.TaskType)
	}
	subtasks := make([]string, 0, len(out.Subtasks))
	for _, s := range out.Subtasks {
		if s = strings.TrimSpace(s); s != "" {
			subtasks = append(subtasks, s)
		}
	}
	return dragonscale.Classification{TaskType: out.TaskType, Subtasks: subtasks}, nil
}

var (
	_ dragonscale.Tool       = (*GoToolAdapter)(nil)
	_ dragonscale.Tool       = (*FlowTool)(nil)
	_ dragonscale.Classifier = (*FlowClassifier)(nil)
)
