// Package aggregator merges step results into one scored output.
//
// Everything here is pure: the same inputs always produce the same output,
// confidence and success rate.
package aggregator

import (
	"errors"
	"fmt"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// ConfidenceHorizon is the step duration at which a step's confidence
// contribution bottoms out.
const ConfidenceHorizon = 60 * time.Second

// MinStepConfidence is the floor of a single step's contribution.
const MinStepConfidence = 0.5

// Combined is the aggregate of a set of step results.
type Combined struct {
	Output      dragonscale.Output
	Confidence  float64
	SuccessRate float64
	// Success is true when at least one step succeeded with usable output.
	Success bool
}

// Combine merges results for taskType. Results are taken in the order
// given, which callers keep equal to plan order. prior, when set, scales
// the confidence.
func Combine(results []dragonscale.StepResult, taskType dragonscale.TaskType, prior *float64) Combined {
	var (
		succeeded []dragonscale.StepResult
		usable    int
		stepConf  float64
	)
	for _, r := range results {
		if !r.Success {
			continue
		}
		succeeded = append(succeeded, r)
		stepConf += StepConfidence(r.ExecutionTime)
		if r.HasOutput() {
			usable++
		}
	}

	c := Combined{Output: dragonscale.EmptyOutput()}
	if len(results) > 0 {
		c.SuccessRate = float64(usable) / float64(len(results))
	}
	if usable == 0 {
		return c
	}

	c.Success = true
	c.Output = mergeOutputs(succeeded, taskType)
	c.Confidence = stepConf / float64(len(succeeded))
	if prior != nil {
		c.Confidence *= *prior
	}
	c.Confidence = clamp01(c.Confidence)
	return c
}

// StepConfidence is the contribution of one successful step that ran for d.
func StepConfidence(d time.Duration) float64 {
	return max(MinStepConfidence, 1.0-d.Seconds()/ConfidenceHorizon.Seconds())
}

func mergeOutputs(succeeded []dragonscale.StepResult, taskType dragonscale.TaskType) dragonscale.Output {
	if taskType == dragonscale.TaskTypeFactual {
		if out, ok := factual(succeeded); ok {
			return out
		}
	}
	switch taskType {
	case dragonscale.TaskTypeCode:
		primary, all := firstAndAll(succeeded)
		return dragonscale.CodeOutput{Code: primary, Results: all}
	case dragonscale.TaskTypeData:
		primary, all := firstAndAll(succeeded)
		return dragonscale.DataOutput{Data: primary, Results: all}
	default:
		return dragonscale.ResearchOutput{Results: concatResults(succeeded)}
	}
}

// factual returns the first direct answer by step order, with the other
// direct answers as supporting evidence.
func factual(succeeded []dragonscale.StepResult) (dragonscale.FactualOutput, bool) {
	var (
		out   dragonscale.FactualOutput
		found bool
	)
	for _, r := range succeeded {
		answer, ok := r.Output[dragonscale.OutputKeyDirectAnswer]
		if !ok || answer == nil {
			continue
		}
		if !found {
			out.Answer = answer
			found = true
			continue
		}
		out.Supporting = append(out.Supporting, answer)
	}
	if !found {
		return out, false
	}
	out.Results = concatResults(succeeded)
	return out, true
}

func firstAndAll(succeeded []dragonscale.StepResult) (map[string]any, []any) {
	var (
		primary map[string]any
		all     = make([]any, 0, len(succeeded))
	)
	for _, r := range succeeded {
		if !r.HasOutput() {
			continue
		}
		if primary == nil {
			primary = r.Output
		}
		all = append(all, r.Output)
	}
	return primary, all
}

// concatResults concatenates each output's results list in order, dropping
// items whose exact representation was already seen. An output without a
// results list contributes itself as one item.
func concatResults(succeeded []dragonscale.StepResult) []any {
	d := newDeduper()
	for _, r := range succeeded {
		if !r.HasOutput() {
			continue
		}
		items, ok := AsList(r.Output[dragonscale.OutputKeyResults])
		if !ok {
			d.add(r.Output)
			continue
		}
		for _, item := range items {
			d.add(item)
		}
	}
	return d.items
}

// AsList converts the list shapes tools commonly return into []any.
func AsList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

type deduper struct {
	seen  map[string]struct{}
	items []any
}

func newDeduper() *deduper {
	return &deduper{seen: make(map[string]struct{}), items: []any{}}
}

func (d *deduper) add(item any) {
	key := fmt.Sprintf("%#v", item)
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.items = append(d.items, item)
}

// MergeResults merges the results of strategies run side by side into one
// composite result. Lists are unioned without duplicates, scalar fields are
// overwritten in argument order and confidence is the weights-weighted
// mean. weights[i] belongs to results[i]; missing weights count as zero.
func MergeResults(results []*dragonscale.ExecutionResult, weights []float64) *dragonscale.ExecutionResult {
	merged := &dragonscale.ExecutionResult{
		Strategy: "composite",
		Output:   dragonscale.CompositeOutput{Fields: map[string]any{}, Results: []any{}},
		Timing:   dragonscale.Timing{PerStep: map[string]time.Duration{}},
	}
	if len(results) == 0 {
		merged.Error = "no strategy results to merge"
		return merged
	}

	items := newDeduper()
	fields := make(map[string]any)
	var (
		weightSum, weightedConf, confSum, rateSum float64
		errs                                      []error
		counted                                   int
	)
	for i, r := range results {
		if r == nil {
			continue
		}
		counted++
		w := 0.0
		if i < len(weights) {
			w = weights[i]
		}
		weightSum += w
		weightedConf += w * r.Confidence
		confSum += r.Confidence
		rateSum += r.SuccessRate

		merged.Success = merged.Success || r.Success
		merged.Cancelled = merged.Cancelled || r.Cancelled
		if r.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", r.Strategy, r.Error))
		}
		merged.StepResults = append(merged.StepResults, r.StepResults...)
		mergeTiming(&merged.Timing, r.Timing, r.Strategy)

		if r.Output == nil {
			continue
		}
		for _, item := range r.Output.Items() {
			items.add(item)
		}
		for k, v := range dragonscale.ScalarFields(r.Output) {
			fields[k] = mergeField(fields[k], v)
		}
	}
	if counted == 0 {
		merged.Error = "no strategy results to merge"
		return merged
	}

	merged.Output = dragonscale.CompositeOutput{Fields: fields, Results: items.items}
	if weightSum > 0 {
		merged.Confidence = clamp01(weightedConf / weightSum)
	} else {
		merged.Confidence = clamp01(confSum / float64(counted))
	}
	merged.SuccessRate = rateSum / float64(counted)
	if !merged.Success && len(errs) > 0 {
		merged.Error = errors.Join(errs...).Error()
	}
	return merged
}

// mergeField unions two lists, otherwise the incoming value wins.
func mergeField(existing, incoming any) any {
	cur, curOK := AsList(existing)
	next, nextOK := AsList(incoming)
	if !curOK || !nextOK {
		return incoming
	}
	d := newDeduper()
	for _, v := range cur {
		d.add(v)
	}
	for _, v := range next {
		d.add(v)
	}
	return d.items
}

// mergeTiming widens dst to cover src. Per-step timings are keyed
// "strategy/step" since step IDs repeat across plans.
func mergeTiming(dst *dragonscale.Timing, src dragonscale.Timing, strategy string) {
	if !src.StartedAt.IsZero() && (dst.StartedAt.IsZero() || src.StartedAt.Before(dst.StartedAt)) {
		dst.StartedAt = src.StartedAt
	}
	if src.FinishedAt.After(dst.FinishedAt) {
		dst.FinishedAt = src.FinishedAt
	}
	if !dst.StartedAt.IsZero() && !dst.FinishedAt.IsZero() {
		dst.Total = dst.FinishedAt.Sub(dst.StartedAt)
	}
	for id, d := range src.PerStep {
		dst.PerStep[strategy+"/"+id] = d
	}
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
