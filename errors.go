package dragonscale

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeStructural     = "STRUCTURAL_ERROR"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeToolExecution  = "TOOL_EXECUTION_ERROR"
	ErrCodeArgResolution  = "ARGUMENT_RESOLUTION_ERROR"
	ErrCodePlanGeneration = "PLAN_GENERATION_ERROR"
	ErrCodeStrategy       = "STRATEGY_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeCancelled      = "EXECUTION_CANCELLED"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrorKind classifies a step failure as recorded on a StepResult.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindTool         ErrorKind = "tool_error"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindToolNotFound ErrorKind = "tool_not_found"
	ErrorKindArguments    ErrorKind = "argument_resolution"
)

// DragonScaleError is a custom error type for DragonScale specific errors.
type DragonScaleError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *DragonScaleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *DragonScaleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DragonScaleError.
func NewError(code, stage, message string, cause error) *DragonScaleError {
	return &DragonScaleError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

// NewStructuralError reports a plan whose dependency graph cannot be executed.
func NewStructuralError(stage, message string) *DragonScaleError {
	return NewError(ErrCodeStructural, stage, message, nil)
}

func NewToolNotFoundError(stage, toolName string) *DragonScaleError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolExecutionError(stage, toolName string, cause error) *DragonScaleError {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewArgResolutionError(stage, stepID, argName string, cause error) *DragonScaleError {
	msg := fmt.Sprintf("failed to resolve argument '%s' for step '%s'", argName, stepID)
	return NewError(ErrCodeArgResolution, stage, msg, cause)
}

func NewPlanGenerationError(cause error) *DragonScaleError {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate execution plan", cause)
}

func NewStrategyError(strategy string, cause error) *DragonScaleError {
	return NewError(ErrCodeStrategy, "orchestration", fmt.Sprintf("strategy '%s' failed", strategy), cause)
}

func NewConfigurationError(message string, cause error) *DragonScaleError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *DragonScaleError {
	msg := "execution cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *DragonScaleError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCacheError(stage, operation string, cause error) *DragonScaleError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsDragonScaleError reports whether err wraps a *DragonScaleError.
func IsDragonScaleError(err error) bool {
	var dsErr *DragonScaleError
	return errors.As(err, &dsErr)
}

// HasCode reports whether err wraps a *DragonScaleError with the given code.
func HasCode(err error, code string) bool {
	var dsErr *DragonScaleError
	if errors.As(err, &dsErr) {
		return dsErr.Code == code
	}
	return false
}

// IsStructural reports whether err is a structural (graph) error.
// Structural errors are the only ones the engine propagates to callers.
func IsStructural(err error) bool {
	return HasCode(err, ErrCodeStructural)
}

// ErrorKindOf maps an execution error to the kind recorded on a StepResult.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case HasCode(err, ErrCodeCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case HasCode(err, ErrCodeTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case HasCode(err, ErrCodeToolNotFound):
		return ErrorKindToolNotFound
	case HasCode(err, ErrCodeArgResolution):
		return ErrorKindArguments
	default:
		return ErrorKindTool
	}
}
