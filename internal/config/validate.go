package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// Validate checks decoded settings against the JSON schema. Durations are
// checked as nanosecond counts.
func Validate(cfg Config) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	documentLoader := gojsonschema.NewGoLoader(cfg)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, schemaErr := range result.Errors() {
			errs = append(errs, schemaErr.String())
		}
		sort.Strings(errs)
		return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
	}

	if _, err := govaluate.NewEvaluableExpression(cfg.ScoreExpression); err != nil {
		return fmt.Errorf("score_expression: %w", err)
	}
	return nil
}
