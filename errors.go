package taskmill

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeCycle          = "CYCLE_ERROR"
	ErrCodeDanglingDep    = "DANGLING_DEPENDENCY_ERROR"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeToolExecution  = "TOOL_EXECUTION_ERROR"
	ErrCodeIterationLimit = "ITERATION_LIMIT_EXCEEDED"
	ErrCodeResponder      = "RESPONDER_ERROR"
	ErrCodeCoercion       = "STRUCTURED_OUTPUT_COERCION_ERROR"
	ErrCodePlanGeneration = "PLAN_GENERATION_ERROR"
	ErrCodeSynthesis      = "SYNTHESIS_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeCancelled      = "EXECUTION_CANCELLED"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// EngineError is the coded error type used across the engine.
type EngineError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, stage, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsEngineError reports whether err is (or wraps) an EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// ErrorCode extracts the engine error code from err, or ErrCodeInternal if none.
func ErrorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var ce *CycleError
	if errors.As(err, &ce) {
		return ErrCodeCycle
	}
	var de *DanglingDependencyError
	if errors.As(err, &de) {
		return ErrCodeDanglingDep
	}
	return ErrCodeInternal
}

// CycleError reports a dependency cycle found during plan validation.
// Cycle holds the offending task ids in traversal order; the last entry
// depends on the first.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("[validation:%s] dependency cycle: %s", ErrCodeCycle, strings.Join(e.Cycle, " -> "))
}

// DanglingDependencyError reports a task referencing a dependency id that is
// not part of the graph.
type DanglingDependencyError struct {
	TaskID    string
	MissingID string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("[validation:%s] task '%s' depends on unknown task '%s'", ErrCodeDanglingDep, e.TaskID, e.MissingID)
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewToolNotFoundError(stage, toolName string) *EngineError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolExecutionError(stage, toolName string, cause error) *EngineError {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewIterationLimitError(taskID string, iterations int) *EngineError {
	msg := fmt.Sprintf("task '%s' produced no final answer after %d iterations", taskID, iterations)
	return NewError(ErrCodeIterationLimit, "conversation", msg, nil)
}

func NewResponderError(stage string, cause error) *EngineError {
	return NewError(ErrCodeResponder, stage, "responder call failed", cause)
}

func NewCoercionError(taskID string, cause error) *EngineError {
	msg := fmt.Sprintf("final answer for task '%s' does not match the requested shape", taskID)
	return NewError(ErrCodeCoercion, "conversation", msg, cause)
}

func NewPlanGenerationError(cause error) *EngineError {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate task graph", cause)
}

func NewSynthesisError(cause error) *EngineError {
	return NewError(ErrCodeSynthesis, "synthesis", "failed to synthesize final answer", cause)
}

func NewConfigurationError(message string, cause error) *EngineError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *EngineError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *EngineError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCacheError(stage, operation string, cause error) *EngineError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeInternal, stage, message, cause)
}
