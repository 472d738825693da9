package dragonscale

// Conventional keys in tool output maps.
const (
	OutputKeyResults      = "results"
	OutputKeyDirectAnswer = "direct_answer"
	OutputKeyCode         = "code"
	OutputKeyData         = "data"
	OutputKeyShared       = "shared"
)

// Output is the merged payload of an execution. The concrete type is chosen
// by task type, so consumers switch on it instead of probing map keys.
type Output interface {
	// Kind returns the task type the output was merged for.
	Kind() TaskType
	// Items returns the flattened results list.
	Items() []any

	isOutput()
}

// FactualOutput carries a primary direct answer plus supporting evidence.
type FactualOutput struct {
	Answer     any   `json:"answer"`
	Supporting []any `json:"supporting,omitempty"`
	Results    []any `json:"results"`
}

// ResearchOutput is a deduplicated concatenation of step results.
type ResearchOutput struct {
	Results []any `json:"results"`
}

// CodeOutput holds the first successful step output as the code artifact.
type CodeOutput struct {
	Code    any   `json:"code"`
	Results []any `json:"results"`
}

// DataOutput holds the first successful step output as the data artifact.
type DataOutput struct {
	Data    any   `json:"data"`
	Results []any `json:"results"`
}

// CompositeOutput is the merge of several strategy outputs.
type CompositeOutput struct {
	Fields  map[string]any `json:"fields,omitempty"`
	Results []any          `json:"results"`
}

func (FactualOutput) Kind() TaskType   { return TaskTypeFactual }
func (ResearchOutput) Kind() TaskType  { return TaskTypeResearch }
func (CodeOutput) Kind() TaskType      { return TaskTypeCode }
func (DataOutput) Kind() TaskType      { return TaskTypeData }
func (CompositeOutput) Kind() TaskType { return TaskTypeComposite }

func (o FactualOutput) Items() []any   { return o.Results }
func (o ResearchOutput) Items() []any  { return o.Results }
func (o CodeOutput) Items() []any      { return o.Results }
func (o DataOutput) Items() []any      { return o.Results }
func (o CompositeOutput) Items() []any { return o.Results }

func (FactualOutput) isOutput()   {}
func (ResearchOutput) isOutput()  {}
func (CodeOutput) isOutput()      {}
func (DataOutput) isOutput()      {}
func (CompositeOutput) isOutput() {}

// EmptyOutput is the well-formed shape returned when nothing succeeded.
func EmptyOutput() Output {
	return ResearchOutput{Results: []any{}}
}

// ScalarFields returns the non-list fields of an output, keyed by name.
func ScalarFields(o Output) map[string]any {
	fields := make(map[string]any)
	switch v := o.(type) {
	case FactualOutput:
		fields["answer"] = v.Answer
		if len(v.Supporting) > 0 {
			fields["supporting"] = v.Supporting
		}
	case CodeOutput:
		fields[OutputKeyCode] = v.Code
	case DataOutput:
		fields[OutputKeyData] = v.Data
	case CompositeOutput:
		for k, val := range v.Fields {
			fields[k] = val
		}
	case ResearchOutput:
	}
	return fields
}
