package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using JSONL files.
// Storage layout:
//
//	<base-dir>/
//	  └── <workspace-id>/
//	      ├── conversations.json       # Conversation index
//	      └── <conversation-id>.jsonl  # Message log, parents before children
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a new file-based conversation store.
// If baseDir is empty, uses ~/.platform/conversations.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".platform", "conversations")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

// SaveConversation creates or updates conversation metadata.
func (f *FileStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	// Validate path components to prevent path traversal
	if err := validatePathComponent(conv.WorkspaceID); err != nil {
		return fmt.Errorf("invalid workspace ID: %w", err)
	}
	if err := validatePathComponent(conv.ID); err != nil {
		return fmt.Errorf("invalid conversation ID: %w", err)
	}

	workspaceDir := filepath.Join(f.baseDir, conv.WorkspaceID)
	if err := os.MkdirAll(workspaceDir, 0700); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	index, err := f.readIndex(workspaceDir)
	if err != nil {
		return err
	}
	index[conv.ID] = conv

	return f.writeIndex(workspaceDir, index)
}

// LoadConversation retrieves conversation metadata by ID.
func (f *FileStore) LoadConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	return f.loadConversationUnlocked(conversationID)
}

// DeleteConversation removes a conversation and all its messages.
func (f *FileStore) DeleteConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	conv, err := f.loadConversationUnlocked(conversationID)
	if err != nil {
		return err
	}

	workspaceDir := filepath.Join(f.baseDir, conv.WorkspaceID)

	// Remove the message log first. Ignore if it doesn't exist.
	_ = os.Remove(filepath.Join(workspaceDir, conversationID+".jsonl"))

	index, err := f.readIndex(workspaceDir)
	if err != nil {
		return err
	}
	delete(index, conversationID)

	return f.writeIndex(workspaceDir, index)
}

// ListConversations returns conversations for a workspace matching the
// filter options.
func (f *FileStore) ListConversations(ctx context.Context, workspaceID string, opts ListOptions) ([]*Conversation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	if err := validatePathComponent(workspaceID); err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}

	index, err := f.readIndex(filepath.Join(f.baseDir, workspaceID))
	if err != nil {
		return nil, err
	}

	var conversations []*Conversation
	for _, conv := range index {
		if opts.UserID != "" && conv.UserID != opts.UserID {
			continue
		}
		conversations = append(conversations, conv)
	}

	// Most recent first.
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return paginate(conversations, opts), nil
}

// SaveMessages replaces the stored message set for a conversation.
func (f *FileStore) SaveMessages(ctx context.Context, conversationID string, messages []*Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	conv, err := f.loadConversationUnlocked(conversationID)
	if err != nil {
		return err
	}

	var buf strings.Builder
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	logPath := filepath.Join(f.baseDir, conv.WorkspaceID, conversationID+".jsonl")
	if err := os.WriteFile(logPath, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("write message log: %w", err)
	}

	return nil
}

// LoadMessages retrieves all messages for a conversation in stored order.
func (f *FileStore) LoadMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	conv, err := f.loadConversationUnlocked(conversationID)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(f.baseDir, conv.WorkspaceID, conversationID+".jsonl")
	file, err := os.Open(logPath) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Message{}, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var messages []*Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}

	return messages, nil
}

// Close releases any resources held by the store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *FileStore) readIndex(workspaceDir string) (map[string]*Conversation, error) {
	index := make(map[string]*Conversation)

	data, err := os.ReadFile(filepath.Join(workspaceDir, "conversations.json")) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read conversations index: %w", err)
	}

	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse conversations index: %w", err)
	}
	return index, nil
}

func (f *FileStore) writeIndex(workspaceDir string, index map[string]*Conversation) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversations index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspaceDir, "conversations.json"), data, 0600); err != nil {
		return fmt.Errorf("write conversations index: %w", err)
	}
	return nil
}

// loadConversationUnlocked searches every workspace directory for the
// conversation. Caller must hold a lock.
func (f *FileStore) loadConversationUnlocked(conversationID string) (*Conversation, error) {
	if err := validatePathComponent(conversationID); err != nil {
		return nil, fmt.Errorf("invalid conversation ID: %w", err)
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		index, err := f.readIndex(filepath.Join(f.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		if conv, ok := index[conversationID]; ok {
			return conv, nil
		}
	}

	return nil, ErrConversationNotFound
}

func paginate(conversations []*Conversation, opts ListOptions) []*Conversation {
	if opts.Offset > 0 {
		if opts.Offset >= len(conversations) {
			return []*Conversation{}
		}
		conversations = conversations[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(conversations) {
		conversations = conversations[:opts.Limit]
	}
	return conversations
}
