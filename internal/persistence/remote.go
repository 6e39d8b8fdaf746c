package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lexichat/internal/backend"
	"lexichat/internal/models"
)

// ErrNoToken is returned when an authenticated-mode call is attempted without credentials.
var ErrNoToken = errors.New("persistence: no identity token")

// ConversationService is the authenticated-mode collaborator.
type ConversationService interface {
	List(ctx context.Context, token string) ([]models.Conversation, error)
	Create(ctx context.Context, token, title, mode string) (models.Conversation, error)
	Update(ctx context.Context, token string, conv models.Conversation) error
	Delete(ctx context.Context, token, id string) error
	Messages(ctx context.Context, token, id string) ([]backend.StoredMessage, error)
	ReplaceMessages(ctx context.Context, token, id string, messages []backend.StoredMessage) error
}

// RemoteStore keeps authenticated conversations in the conversation service.
type RemoteStore struct {
	service ConversationService
	token   func() string

	mu    sync.Mutex
	saved map[string]models.Conversation // last known server-side summaries
}

func NewRemoteStore(service ConversationService, token func() string) *RemoteStore {
	return &RemoteStore{service: service, token: token, saved: make(map[string]models.Conversation)}
}

func (s *RemoteStore) bearer() (string, error) {
	if s.token == nil {
		return "", ErrNoToken
	}
	t := s.token()
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

func (s *RemoteStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	token, err := s.bearer()
	if err != nil {
		return nil, err
	}
	list, err := s.service.List(ctx, token)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Conversation{}
	}
	s.mu.Lock()
	s.saved = make(map[string]models.Conversation, len(list))
	for _, c := range list {
		s.saved[c.ID] = c
	}
	s.mu.Unlock()
	return list, nil
}

// LoadMessages assigns positional ids so a reloaded log keeps stable message ids.
func (s *RemoteStore) LoadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	token, err := s.bearer()
	if err != nil {
		return nil, err
	}
	stored, err := s.service.Messages(ctx, token, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(stored))
	for i, m := range stored {
		msgs = append(msgs, models.Message{
			ID:        fmt.Sprintf("%s-%d", conversationID, i),
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return msgs, nil
}

// SaveConversations pushes only the summaries that changed since the last list or save.
func (s *RemoteStore) SaveConversations(ctx context.Context, list []models.Conversation) error {
	token, err := s.bearer()
	if err != nil {
		return err
	}
	s.mu.Lock()
	var changed []models.Conversation
	for _, c := range list {
		if prev, ok := s.saved[c.ID]; !ok || prev != c {
			changed = append(changed, c)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range changed {
		if err := s.service.Update(ctx, token, c); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		s.saved[c.ID] = c
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *RemoteStore) SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error {
	token, err := s.bearer()
	if err != nil {
		return err
	}
	stored := make([]backend.StoredMessage, 0, len(messages))
	for _, m := range messages {
		stored = append(stored, backend.StoredMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	return s.service.ReplaceMessages(ctx, token, conversationID, stored)
}

func (s *RemoteStore) DeleteConversation(ctx context.Context, id string) error {
	token, err := s.bearer()
	if err != nil {
		return err
	}
	if err := s.service.Delete(ctx, token, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.saved, id)
	s.mu.Unlock()
	return nil
}

func (s *RemoteStore) CreateConversation(ctx context.Context, title, style string) (models.Conversation, error) {
	token, err := s.bearer()
	if err != nil {
		return models.Conversation{}, err
	}
	if title == "" {
		title = models.PlaceholderTitle
	}
	conv, err := s.service.Create(ctx, token, title, style)
	if err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	s.saved[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}
