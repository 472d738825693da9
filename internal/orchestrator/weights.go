package orchestrator

import (
	"sort"
	"sync"
)

// DefaultLearningRate is the EMA and weight-scaling factor α.
const DefaultLearningRate = 0.1

// WeightTable holds the learned weight and success rate of each strategy.
// Weights always sum to 1.
type WeightTable struct {
	mu           sync.RWMutex
	alpha        float64
	order        []string
	weights      map[string]float64
	successRates map[string]float64
}

// NewWeightTable creates a table with uniform weights over names.
func NewWeightTable(learningRate float64, names ...string) *WeightTable {
	if learningRate <= 0 || learningRate > 1 {
		learningRate = DefaultLearningRate
	}
	w := &WeightTable{
		alpha:        learningRate,
		weights:      make(map[string]float64),
		successRates: make(map[string]float64),
	}
	for _, name := range names {
		if _, ok := w.weights[name]; ok {
			continue
		}
		w.order = append(w.order, name)
		w.weights[name] = 1
	}
	w.normalizeLocked()
	return w
}

// LearningRate returns α.
func (w *WeightTable) LearningRate() float64 {
	return w.alpha
}

// Ensure adds unknown strategies with the mean weight of the existing ones
// and renormalizes. Known strategies are untouched.
func (w *WeightTable) Ensure(names ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mean := 1.0
	if len(w.order) > 0 {
		var total float64
		for _, name := range w.order {
			total += w.weights[name]
		}
		mean = total / float64(len(w.order))
	}
	added := false
	for _, name := range names {
		if _, ok := w.weights[name]; ok {
			continue
		}
		w.order = append(w.order, name)
		w.weights[name] = mean
		added = true
	}
	if added {
		w.normalizeLocked()
	}
}

// Weight returns the current weight of name, 0 when unknown.
func (w *WeightTable) Weight(name string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.weights[name]
}

// SuccessRate returns the EMA success rate of name, 0 when unknown.
func (w *WeightTable) SuccessRate(name string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.successRates[name]
}

// Update folds one strategy outcome into the table:
//
//	successRate = (1-α)·successRate + α·I(success)
//	weight     *= 1 + α·confidence  on success
//	weight     *= 1 - α·0.5         on failure
//
// then renormalizes every weight to sum to 1.
func (w *WeightTable) Update(name string, success bool, confidence float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.weights[name]; !ok {
		w.order = append(w.order, name)
		w.weights[name] = 1.0 / float64(len(w.order))
	}

	indicator := 0.0
	if success {
		indicator = 1.0
	}
	w.successRates[name] = (1-w.alpha)*w.successRates[name] + w.alpha*indicator

	if success {
		w.weights[name] *= 1 + w.alpha*clamp01(confidence)
	} else {
		w.weights[name] *= 1 - w.alpha*0.5
	}
	w.normalizeLocked()
}

// Snapshot returns copies of the weights and success rates.
func (w *WeightTable) Snapshot() (weights, successRates map[string]float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	weights = make(map[string]float64, len(w.weights))
	successRates = make(map[string]float64, len(w.weights))
	for _, name := range w.order {
		weights[name] = w.weights[name]
		successRates[name] = w.successRates[name]
	}
	return weights, successRates
}

// Names returns the strategies in the order they were added.
func (w *WeightTable) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// Restore loads persisted values. Non-positive weights are ignored; names
// not yet in the table are appended in sorted order.
func (w *WeightTable) Restore(weights, successRates map[string]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		weight := weights[name]
		if weight <= 0 {
			continue
		}
		if _, ok := w.weights[name]; !ok {
			w.order = append(w.order, name)
		}
		w.weights[name] = weight
		if rate, ok := successRates[name]; ok {
			w.successRates[name] = clamp01(rate)
		}
	}
	w.normalizeLocked()
}

func (w *WeightTable) normalizeLocked() {
	var total float64
	for _, name := range w.order {
		total += w.weights[name]
	}
	if total <= 0 {
		if len(w.order) == 0 {
			return
		}
		for _, name := range w.order {
			w.weights[name] = 1.0 / float64(len(w.order))
		}
		return
	}
	for _, name := range w.order {
		w.weights[name] /= total
	}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
