package generation

import (
	"errors"
	"fmt"
)

// ErrToolRoundsExceeded is returned when the model keeps issuing tool
// calls past the per-session round cap. The session settles whatever
// usage it consumed before stopping.
var ErrToolRoundsExceeded = errors.New("tool rounds exceeded")

// ToolExecutionError is a fatal tool failure that aborted the
// generation. Recoverable tool failures never surface here: they are
// fed back to the model as function output instead.
type ToolExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
