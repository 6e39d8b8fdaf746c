package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/kvstore"
	"lexichat/internal/logger"
	"lexichat/internal/models"
)

// LocalStore keeps anonymous conversations in the key-value store under one browser-session namespace:
//
//	<ns>:conversations         JSON array of conversations
//	<ns>:messages:<id>         JSON array of messages
type LocalStore struct {
	kv        kvstore.Store
	namespace string
	log       *zap.Logger

	mu     sync.Mutex
	lastID int64
	now    func() time.Time
}

func NewLocalStore(kv kvstore.Store, namespace string, log *zap.Logger) *LocalStore {
	return &LocalStore{kv: kv, namespace: namespace, log: logger.OrNop(log), now: time.Now}
}

func (s *LocalStore) conversationsKey() string {
	return s.namespace + ":conversations"
}

func (s *LocalStore) messagesKey(conversationID string) string {
	return s.namespace + ":messages:" + conversationID
}

// ListConversations returns the stored list; absent or corrupted data reads as empty.
func (s *LocalStore) ListConversations(ctx context.Context) []models.Conversation {
	var list []models.Conversation
	if !s.readArray(ctx, s.conversationsKey(), &list) || list == nil {
		return []models.Conversation{}
	}
	return list
}

// LoadMessages returns the stored log; absent or corrupted data reads as empty.
func (s *LocalStore) LoadMessages(ctx context.Context, conversationID string) []models.Message {
	var msgs []models.Message
	if !s.readArray(ctx, s.messagesKey(conversationID), &msgs) || msgs == nil {
		return []models.Message{}
	}
	return msgs
}

func (s *LocalStore) SaveConversations(ctx context.Context, list []models.Conversation) error {
	return s.writeArray(ctx, s.conversationsKey(), list)
}

func (s *LocalStore) SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error {
	return s.writeArray(ctx, s.messagesKey(conversationID), messages)
}

// DeleteConversation drops the list entry and the message log.
func (s *LocalStore) DeleteConversation(ctx context.Context, id string) error {
	list := s.ListConversations(ctx)
	kept := list[:0]
	for _, c := range list {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if err := s.SaveConversations(ctx, kept); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, s.messagesKey(id)); err != nil {
		return fmt.Errorf("delete messages %s: %w", id, err)
	}
	return nil
}

// NewConversation builds an unsaved conversation with a local_<unix-millis> id.
func (s *LocalStore) NewConversation(title, style string) models.Conversation {
	s.mu.Lock()
	now := s.now()
	ms := now.UnixMilli()
	id := fmt.Sprintf("local_%d", ms)
	if ms <= s.lastID {
		ms = s.lastID + 1
		id = fmt.Sprintf("local_%d", ms)
	}
	s.lastID = ms
	s.mu.Unlock()
	if title == "" {
		title = models.PlaceholderTitle
	}
	return models.Conversation{ID: id, Title: title, Timestamp: now.UnixMilli(), Mode: style}
}

// Purge removes every key of the namespace.
func (s *LocalStore) Purge(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, s.namespace+":")
	if err != nil {
		return fmt.Errorf("list local keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("purge local keys: %w", err)
	}
	s.log.Debug("purged anonymous storage", zap.String("namespace", s.namespace), zap.Int("keys", len(keys)))
	return nil
}

// readArray decodes the entry at key into dst and reports whether it held a valid array.
func (s *LocalStore) readArray(ctx context.Context, key string, dst any) bool {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.log.Warn("read local storage failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.log.Warn("corrupted local storage entry reset to empty", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *LocalStore) writeArray(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
