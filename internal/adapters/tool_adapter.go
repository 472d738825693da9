// Package adapters turns plain Go functions and Genkit flows into engine
// tools and classifiers.
package adapters

import (
	"context"
	"fmt"
	"maps"
)

// ToolFunc is the function shape a GoToolAdapter wraps.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// GoToolAdapter wraps a ToolFunc as a dragonscale.Tool. Its schema is the
// descriptive map the registry and the CLI show for the tool.
type GoToolAdapter struct {
	name      string
	fn        ToolFunc
	schema    map[string]any
	validator func(map[string]any) error
}

// ToolOption configures a GoToolAdapter.
type ToolOption func(*GoToolAdapter)

// WithValidator replaces the default validator, which only rejects nil
// input.
func WithValidator(validator func(map[string]any) error) ToolOption {
	return func(a *GoToolAdapter) {
		a.validator = validator
	}
}

func withSchemaField(key string, value any) ToolOption {
	return func(a *GoToolAdapter) {
		a.schema[key] = value
	}
}

// WithCategory sets the schema's category.
func WithCategory(category string) ToolOption { return withSchemaField("category", category) }

// WithDescription sets the schema's description.
func WithDescription(description string) ToolOption {
	return withSchemaField("description", description)
}

// WithParameters describes the parameters the tool reads, keyed by name.
func WithParameters(parameters map[string]string) ToolOption {
	return withSchemaField("parameters", parameters)
}

// WithReturns describes the output keys the tool produces.
func WithReturns(returns string) ToolOption { return withSchemaField("returns", returns) }

func rejectNil(input map[string]any) error {
	if input == nil {
		return fmt.Errorf("input cannot be nil")
	}
	return nil
}

// NewGoToolAdapter wraps fn under name.
func NewGoToolAdapter(name string, fn ToolFunc, options ...ToolOption) *GoToolAdapter {
	a := &GoToolAdapter{
		name:      name,
		fn:        fn,
		schema:    map[string]any{"name": name},
		validator: rejectNil,
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Execute validates input and runs the wrapped function.
func (a *GoToolAdapter) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if a.fn == nil {
		return nil, fmt.Errorf("%s: no function to run", a.name)
	}
	if err := a.Validate(input); err != nil {
		return nil, fmt.Errorf("input validation failed for %s: %w", a.name, err)
	}
	return a.fn(ctx, input)
}

// Schema returns a copy of the tool description.
func (a *GoToolAdapter) Schema() map[string]any {
	return maps.Clone(a.schema)
}

// Validate runs the configured validator.
func (a *GoToolAdapter) Validate(input map[string]any) error {
	if a.validator != nil {
		return a.validator(input)
	}
	return nil
}

// Name returns the tool name.
func (a *GoToolAdapter) Name() string {
	return a.name
}
