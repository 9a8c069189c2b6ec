package chat

import (
	"context"
	"errors"
)

// Common errors for conversation persistence.
var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("conversation store is closed")
)

// Store abstracts conversation persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveConversation creates or updates conversation metadata.
	SaveConversation(ctx context.Context, conv *Conversation) error

	// LoadConversation retrieves conversation metadata by ID.
	// Returns ErrConversationNotFound if the conversation doesn't exist.
	LoadConversation(ctx context.Context, conversationID string) (*Conversation, error)

	// DeleteConversation removes a conversation and all its messages.
	DeleteConversation(ctx context.Context, conversationID string) error

	// ListConversations returns conversations for a workspace matching the
	// filter options, most recently created first.
	ListConversations(ctx context.Context, workspaceID string, opts ListOptions) ([]*Conversation, error)

	// SaveMessages replaces the stored message set for a conversation.
	// Messages must be ordered so that every parent precedes its children.
	SaveMessages(ctx context.Context, conversationID string, messages []*Message) error

	// LoadMessages retrieves all messages for a conversation in stored order.
	LoadMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions provides filtering for conversation listing.
type ListOptions struct {
	// UserID filters conversations by user.
	UserID string
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}

// SaveTree persists a tree's conversation metadata and full message set.
func SaveTree(ctx context.Context, store Store, tree *Tree) error {
	conv := tree.Conversation()
	if err := store.SaveConversation(ctx, conv); err != nil {
		return err
	}
	return store.SaveMessages(ctx, conv.ID, tree.Messages())
}

// LoadTree rebuilds a tree from a stored conversation.
func LoadTree(ctx context.Context, store Store, conversationID string) (*Tree, error) {
	conv, err := store.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := store.LoadMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return NewTree(conv, messages)
}
