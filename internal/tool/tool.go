// Package tool defines the contract for model-invocable tools and the
// built-in tools of the platform.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallContext carries the tenancy scope of one tool invocation.
type CallContext struct {
	WorkspaceID    string
	UserID         string
	ConversationID string
	AssistantID    string

	// Namespaces are the vector search namespaces visible to the
	// current generation (assistant plus workspace scope).
	Namespaces []string
}

// CallResult is the outcome of a successful tool invocation. Content is
// fed back to the model verbatim as the function output; Cost is charged
// against the workspace on settlement.
type CallResult struct {
	Content string
	Cost    float64
}

// CallError is a tool failure that should be reported to the model as
// the function output rather than aborting the generation.
type CallError struct {
	Tool    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Output renders the failure as a function output payload.
func (e *CallError) Output() string {
	data, err := json.Marshal(map[string]string{
		"error": e.Message,
	})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(data)
}

// NewCallError creates a reportable tool failure.
func NewCallError(tool, message string, err error) *CallError {
	return &CallError{Tool: tool, Message: message, Err: err}
}

// Tool is a capability the model can invoke during a generation.
type Tool interface {
	// Name returns the stable tool name used in function calls.
	Name() string

	// Description returns the model-facing description.
	Description() string

	// Parameters returns the JSON schema of the tool arguments.
	Parameters() json.RawMessage

	// SystemInstructions returns extra system guidance injected into
	// the input when the tool is available, or "" for none.
	SystemInstructions() string

	// Enabled reports whether the tool applies to this call scope.
	// Disabled tools are not advertised to the model.
	Enabled(cc CallContext) bool

	// Call executes the tool with the raw JSON arguments produced by
	// the model. A *CallError return is surfaced to the model as the
	// function output; any other error aborts the generation.
	Call(ctx context.Context, cc CallContext, args json.RawMessage) (*CallResult, error)
}
