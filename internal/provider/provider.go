// Package provider defines the model provider boundary: role-tagged input
// blocks in, a discriminated stream of events out. Exact wire formats are
// provider-specific and stay inside each implementation.
package provider

import (
	"context"
	"encoding/json"
)

// BlockType discriminates entries in a request's input sequence.
type BlockType string

const (
	// BlockMessage is a role-tagged content block.
	BlockMessage BlockType = "message"
	// BlockToolCall is a model-issued function call echoed back into the
	// input on the next round.
	BlockToolCall BlockType = "function_call"
	// BlockToolOutput is the result of an executed function call.
	BlockToolOutput BlockType = "function_call_output"
)

// Block is one entry of the ordered input assembled for a model call.
type Block struct {
	Type BlockType `json:"type"`

	// Role applies to message blocks: "system", "user" or "assistant".
	Role string `json:"role,omitempty"`

	// Text is the message text, or the function output for
	// BlockToolOutput blocks.
	Text string `json:"text,omitempty"`

	// ImageURL carries an inline data URL for image input blocks.
	ImageURL string `json:"image_url,omitempty"`

	// CallID links a tool call to its output block.
	CallID string `json:"call_id,omitempty"`

	// Name and Arguments describe a function call block.
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// TextBlock builds a message block.
func TextBlock(role, text string) Block {
	return Block{Type: BlockMessage, Role: role, Text: text}
}

// ImageBlock builds a user image input block from a data URL.
func ImageBlock(dataURL string) Block {
	return Block{Type: BlockMessage, Role: "user", ImageURL: dataURL}
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one streaming model call.
type Request struct {
	// Model is the model key to invoke.
	Model string

	// Blocks is the ordered input: conversation context plus any tool
	// call records and outputs accumulated in earlier rounds.
	Blocks []Block

	// Tools are the definitions the model may call.
	Tools []ToolDefinition

	// UserID tags the request for provider-side abuse tracking and
	// prompt caching.
	UserID string

	// CustomKey, when set, replaces the platform credential for this
	// call. Calls on a custom key are not billed.
	CustomKey string
}

// EventType discriminates stream events.
type EventType string

const (
	// EventContentDelta carries an answer text increment.
	EventContentDelta EventType = "content_delta"
	// EventReasoningDelta carries a reasoning-trace increment.
	EventReasoningDelta EventType = "reasoning_delta"
	// EventToolCall signals a completed tool call the caller must
	// resolve before re-entering the model.
	EventToolCall EventType = "tool_call"
	// EventUsage reports final token counts for the call.
	EventUsage EventType = "usage"
)

// ToolCallEvent is a completed model-issued function call.
type ToolCallEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage reports token counts for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one element of a provider's response stream.
type Event struct {
	Type  EventType
	Delta string
	Call  *ToolCallEvent
	Usage *Usage
}

// Stream yields provider events in order. Recv returns io.EOF after the
// final event.
type Stream interface {
	Recv() (*Event, error)
	Close() error
}

// Provider issues streaming model calls.
type Provider interface {
	// Stream starts one model call and returns its event stream.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Name returns the provider name (e.g. "openai").
	Name() string
}
