// Package tool implements the tool invocation subsystem that lets agents
// invoke structured capabilities (APIs, computations, side effects) with
// schema validated arguments, permission enforcement, per-call timeouts and
// consistent error handling.
package tool

import (
	"context"
	"fmt"

	"github.com/versionhq/outflow/internal/util"
	"github.com/versionhq/outflow/model"
)

// Error codes surfaced by the tool layer.
const (
	// CodeNotPermitted marks a call whose tool is outside the calling
	// agent's permitted set. Fatal for that call; never retried and the
	// tool is never executed.
	CodeNotPermitted = "TOOL_NOT_PERMITTED"
	// CodeExecutionFailed marks a tool implementation failure. Retried up
	// to the invoker's bound, then surfaced.
	CodeExecutionFailed = "TOOL_EXECUTION_FAILED"
	// CodeTimeout marks a call that exceeded the per-call timeout.
	CodeTimeout = "TOOL_TIMEOUT"
	// CodeValidation marks arguments that failed schema validation. Not retried.
	CodeValidation = "VALIDATION_ERROR"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Respect context cancellation
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the LLM to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	// This schema is used for parameter validation and LLM function calling.
	Parameters() map[string]any

	// Call executes the tool with structured arguments.
	// Arguments are parsed from JSON and validated against the tool's schema
	// before this method is reached.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool invocation.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Definition exposes a tool to the model layer as a function declaration.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
