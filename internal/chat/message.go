package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall records a model-initiated tool invocation attached to a message.
// It is cleared once the call has been resolved and its output fed back.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one node of a conversation tree. Messages are append-only:
// Content and Reasoning grow by streamed increments until the message is
// finalized, after which they never change.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`

	// ParentID links to another message in the same conversation.
	// Empty only for the first message of a conversation.
	ParentID string `json:"parent_id,omitempty"`

	Call *ToolCall `json:"call,omitempty"`

	// Quote is the text span the user referred to when composing this turn.
	Quote string `json:"quote,omitempty"`

	// FileID and ImageID reference stored attachments.
	FileID  string `json:"file_id,omitempty"`
	ImageID string `json:"image_id,omitempty"`

	// ImageWidth and ImageHeight are pixel dimensions of the attached
	// image, used for token estimation.
	ImageWidth  int `json:"image_width,omitempty"`
	ImageHeight int `json:"image_height,omitempty"`

	// Model is the model key that generated (or will generate) this message.
	Model string `json:"model,omitempty"`

	AssistantID string `json:"assistant_id,omitempty"`

	// Cost is the credit cost of generating this message, set at settlement.
	Cost float64 `json:"cost"`

	// InProgress marks a message that is still being streamed.
	InProgress bool `json:"in_progress,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a generated ID and creation timestamp.
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// Conversation is the metadata envelope around a set of messages.
// LastActiveLeaf records which branch the user was last viewing; it is
// advisory and may reference a message that no longer exists.
type Conversation struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id"`
	UserID         string    `json:"user_id,omitempty"`
	AssistantID    string    `json:"assistant_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	LastActiveLeaf string    `json:"last_active_leaf,omitempty"`
	Cost           float64   `json:"cost"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewConversation creates an empty conversation for a workspace.
func NewConversation(workspaceID, userID string) *Conversation {
	return &Conversation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}
}
