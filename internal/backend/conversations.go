package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/models"
)

// StoredMessage is the wire shape of a message in the conversation service.
type StoredMessage struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationClient is the HTTP client of the conversation service.
type ConversationClient struct {
	httpClient
}

func NewConversationClient(baseURL string, timeout time.Duration, log *zap.Logger) *ConversationClient {
	return &ConversationClient{httpClient: newHTTPClient(baseURL, timeout, log)}
}

func (c *ConversationClient) List(ctx context.Context, token string) ([]models.Conversation, error) {
	payload, err := c.doJSON(ctx, "list conversations", http.MethodGet, "/api/conversations", token, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return body.Conversations, nil
}

func (c *ConversationClient) Create(ctx context.Context, token, title, mode string) (models.Conversation, error) {
	payload, err := c.doJSON(ctx, "create conversation", http.MethodPost, "/api/conversations", token,
		map[string]string{"title": title, "mode": mode})
	if err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

func (c *ConversationClient) Update(ctx context.Context, token string, conv models.Conversation) error {
	_, err := c.doJSON(ctx, "update conversation", http.MethodPatch, "/api/conversations/"+url.PathEscape(conv.ID), token,
		map[string]string{"title": conv.Title, "last_message": conv.LastMessage, "mode": conv.Mode})
	return err
}

func (c *ConversationClient) Delete(ctx context.Context, token, id string) error {
	_, err := c.doJSON(ctx, "delete conversation", http.MethodDelete, "/api/conversations/"+url.PathEscape(id), token, nil)
	return err
}

func (c *ConversationClient) Messages(ctx context.Context, token, id string) ([]StoredMessage, error) {
	payload, err := c.doJSON(ctx, "load messages", http.MethodGet, "/api/conversations/"+url.PathEscape(id)+"/messages", token, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Messages []StoredMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return body.Messages, nil
}

func (c *ConversationClient) ReplaceMessages(ctx context.Context, token, id string, messages []StoredMessage) error {
	_, err := c.doJSON(ctx, "save messages", http.MethodPut, "/api/conversations/"+url.PathEscape(id)+"/messages", token,
		map[string][]StoredMessage{"messages": messages})
	return err
}

// Me resolves the identity behind token. An invalid token yields ErrUnauthorized.
func (c *ConversationClient) Me(ctx context.Context, token string) (*models.Identity, error) {
	payload, err := c.doJSON(ctx, "resolve identity", http.MethodGet, "/api/me", token, nil)
	if err != nil {
		return nil, err
	}
	var id models.Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	id.Token = token
	return &id, nil
}
