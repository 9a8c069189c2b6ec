package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "platform:conv:"

// RedisStore implements Store using Redis. It provides distributed
// conversation storage suitable for multi-node deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore creates a Redis conversation store from an existing client.
// A zero ttl means conversations never expire.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) metaKey(conversationID string) string {
	return s.prefix + "meta:" + conversationID
}

func (s *RedisStore) messagesKey(conversationID string) string {
	return s.prefix + "messages:" + conversationID
}

func (s *RedisStore) workspaceIndexKey(workspaceID string) string {
	return s.prefix + "workspace:" + workspaceID
}

// SaveConversation creates or updates conversation metadata.
func (s *RedisStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.metaKey(conv.ID), data, s.ttl)
	pipe.SAdd(ctx, s.workspaceIndexKey(conv.WorkspaceID), conv.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// LoadConversation retrieves conversation metadata by ID.
func (s *RedisStore) LoadConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.metaKey(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// DeleteConversation removes a conversation and all its messages.
func (s *RedisStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	conv, err := s.LoadConversation(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrConversationNotFound) {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.metaKey(conversationID))
	pipe.Del(ctx, s.messagesKey(conversationID))
	if conv != nil {
		pipe.SRem(ctx, s.workspaceIndexKey(conv.WorkspaceID), conversationID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ListConversations returns conversations for a workspace matching the
// filter options.
func (s *RedisStore) ListConversations(ctx context.Context, workspaceID string, opts ListOptions) ([]*Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.workspaceIndexKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.LoadConversation(ctx, id)
		if err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				// The conversation expired; clean up the index.
				s.client.SRem(ctx, s.workspaceIndexKey(workspaceID), id)
				continue
			}
			return nil, err
		}
		if opts.UserID != "" && conv.UserID != opts.UserID {
			continue
		}
		conversations = append(conversations, conv)
	}

	// Most recent first. Redis sets are unordered, so sort before paging.
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return paginate(conversations, opts), nil
}

// SaveMessages replaces the stored message set for a conversation.
func (s *RedisStore) SaveMessages(ctx context.Context, conversationID string, messages []*Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	encoded := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		encoded = append(encoded, data)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.messagesKey(conversationID))
	if len(encoded) > 0 {
		pipe.RPush(ctx, s.messagesKey(conversationID), encoded...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.messagesKey(conversationID), s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	return nil
}

// LoadMessages retrieves all messages for a conversation in stored order.
func (s *RedisStore) LoadMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]*Message, 0, len(data))
	for _, d := range data {
		var msg Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// Close marks the store closed. It does not close the underlying client,
// which is shared with other subsystems.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
