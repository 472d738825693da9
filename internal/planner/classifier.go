package planner

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// Keyword lists per task type. Multi-word entries match as phrases.
var typeKeywords = map[dragonscale.TaskType][]string{
	dragonscale.TaskTypeResearch: {"research", "find", "search", "investigate", "look up", "gather", "sources", "survey"},
	dragonscale.TaskTypeAnalysis: {"analyze", "analyse", "compare", "evaluate", "assess", "review", "summarize", "explain why"},
	dragonscale.TaskTypeCode:     {"code", "implement", "function", "program", "script", "refactor", "write a", "generate"},
	dragonscale.TaskTypeData:     {"data", "csv", "table", "statistics", "dataset", "extract", "metrics", "chart"},
	dragonscale.TaskTypeFactual:  {"what is", "who is", "who was", "when did", "when was", "where is", "how many", "capital of", "define"},
}

// classifyOrder breaks keyword-count ties, most specific first.
var classifyOrder = []dragonscale.TaskType{
	dragonscale.TaskTypeFactual,
	dragonscale.TaskTypeCode,
	dragonscale.TaskTypeAnalysis,
	dragonscale.TaskTypeData,
	dragonscale.TaskTypeResearch,
}

var subtaskSplit = regexp.MustCompile(`(?i)\s*(?:;|\.\s+|,?\s+and then\s+|,?\s+then\s+)\s*`)

// KeywordClassifier is the deterministic default Classifier. It scores
// keyword hits per task type and splits the text into subtasks at
// sentence breaks, semicolons and "then".
type KeywordClassifier struct{}

// Classify implements dragonscale.Classifier.
func (KeywordClassifier) Classify(ctx context.Context, text string) (dragonscale.Classification, error) {
	if err := ctx.Err(); err != nil {
		return dragonscale.Classification{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return dragonscale.Classification{}, dragonscale.NewValidationError("classification", "task text is empty", nil)
	}

	subtasks := splitSubtasks(text)

	taskType := dragonscale.TaskTypeResearch
	hits := keywordHits(text)
	typesHit := 0
	for _, t := range classifyOrder {
		if hits[t] > 0 {
			typesHit++
		}
	}
	switch {
	case len(subtasks) > 1 && typesHit > 1:
		taskType = dragonscale.TaskTypeComposite
	case typesHit > 0:
		taskType = dominantType(hits)
	}
	return dragonscale.Classification{TaskType: taskType, Subtasks: subtasks}, nil
}

// ClassifyStep returns the task type of a single subtask, or fallback when
// no keyword matches.
func ClassifyStep(text string, fallback dragonscale.TaskType) dragonscale.TaskType {
	hits := keywordHits(strings.TrimSpace(text))
	for _, t := range classifyOrder {
		if hits[t] > 0 {
			return dominantType(hits)
		}
	}
	if fallback == dragonscale.TaskTypeComposite || !fallback.Valid() {
		return dragonscale.TaskTypeResearch
	}
	return fallback
}

// splitSubtasks breaks text at sentence ends, semicolons and "then", and
// at commas that introduce a new action verb.
func splitSubtasks(text string) []string {
	var out []string
	for _, part := range subtaskSplit.Split(text, -1) {
		for _, clause := range splitAtVerbCommas(part) {
			clause = strings.TrimFunc(clause, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
			clause = stripConnective(clause)
			if clause != "" {
				out = append(out, clause)
			}
		}
	}
	return out
}

var connectives = []string{"and then ", "then ", "and ", "also "}

func stripConnective(clause string) string {
	for {
		lower := strings.ToLower(clause)
		stripped := false
		for _, c := range connectives {
			if strings.HasPrefix(lower, c) {
				clause = strings.TrimSpace(clause[len(c):])
				stripped = true
				break
			}
		}
		if !stripped {
			return clause
		}
	}
}

func splitAtVerbCommas(part string) []string {
	pieces := strings.Split(part, ",")
	out := []string{pieces[0]}
	for _, piece := range pieces[1:] {
		w := words(piece)
		if len(w) > 0 && w[0] == "and" {
			w = w[1:]
		}
		if len(w) > 0 {
			if _, isVerb := actionVerbs[w[0]]; isVerb {
				out = append(out, piece)
				continue
			}
		}
		out[len(out)-1] += "," + piece
	}
	return out
}

func dominantType(hits map[dragonscale.TaskType]int) dragonscale.TaskType {
	best, bestHits := dragonscale.TaskTypeResearch, 0
	for _, t := range classifyOrder {
		if hits[t] > bestHits {
			best, bestHits = t, hits[t]
		}
	}
	return best
}

func keywordHits(text string) map[dragonscale.TaskType]int {
	normalized := " " + strings.Join(words(text), " ") + " "
	hits := make(map[dragonscale.TaskType]int, len(typeKeywords))
	for t, keywords := range typeKeywords {
		for _, kw := range keywords {
			hits[t] += strings.Count(normalized, " "+kw+" ")
		}
	}
	return hits
}

// words lowercases text and splits it into letter/digit runs.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
