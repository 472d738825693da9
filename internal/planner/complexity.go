package planner

import "strings"

var actionVerbs = map[string]struct{}{
	"research": {}, "find": {}, "search": {}, "investigate": {}, "gather": {},
	"analyze": {}, "analyse": {}, "compare": {}, "evaluate": {}, "assess": {}, "review": {},
	"write": {}, "generate": {}, "create": {}, "implement": {}, "build": {}, "refactor": {},
	"extract": {}, "summarize": {}, "explain": {}, "design": {}, "test": {}, "plot": {},
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "is": {}, "are": {}, "what": {}, "then": {}, "also": {},
	"it": {}, "its": {}, "by": {}, "from": {}, "about": {}, "that": {}, "this": {},
}

// LexicalComplexity scores text in [0, 1] from its token count, action
// verbs and content nouns. Longer, multi-action tasks score higher.
func LexicalComplexity(text string) float64 {
	tokens := words(text)
	if len(tokens) == 0 {
		return 0
	}
	var verbs, nouns int
	for _, tok := range tokens {
		if _, ok := actionVerbs[tok]; ok {
			verbs++
			continue
		}
		if _, ok := stopWords[tok]; !ok && len(tok) > 3 {
			nouns++
		}
	}
	score := 0.4*ratio(len(tokens), 40) + 0.4*ratio(verbs, 4) + 0.2*ratio(nouns, 10)
	return min(1, score)
}

func ratio(n, saturation int) float64 {
	return min(1, float64(n)/float64(saturation))
}

// trimmed is a short helper for log fields.
func trimmed(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
