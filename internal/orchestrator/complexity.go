package orchestrator

import (
	"strings"
	"unicode"
)

// categoryKeywords are the indicator words of each task category.
var categoryKeywords = map[string][]string{
	"research":   {"research", "find", "search", "investigate"},
	"analysis":   {"analyze", "analyse", "compare", "evaluate"},
	"generation": {"write", "generate", "create", "code", "implement"},
	"data":       {"data", "csv", "table", "statistics"},
}

var conjunctions = map[string]bool{"and": true, "then": true, "also": true}

// TaskComplexity scores task text in [0, 1]:
//
//	0.6 · categories hit / 4
//	0.2 · min(1, conjunctions / 3)
//	0.2 · min(1, words / 50)
func TaskComplexity(task string) float64 {
	tokens := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return 0
	}
	present := make(map[string]bool, len(tokens))
	conj := 0
	for _, tok := range tokens {
		present[tok] = true
		if conjunctions[tok] {
			conj++
		}
	}

	hit := 0
	for _, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if present[kw] {
				hit++
				break
			}
		}
	}

	score := float64(hit)/float64(len(categoryKeywords))*0.6 +
		min(1, float64(conj)/3)*0.2 +
		min(1, float64(len(tokens))/50)*0.2
	return clamp01(score)
}
