// Package persistence reads and writes conversation lists and message logs for either
// persistence mode behind one contract.
package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lexichat/internal/logger"
	"lexichat/internal/models"
	"lexichat/internal/notify"
)

// Adapter routes every operation to the store of the requested mode. The mode is always
// supplied by the caller and never inferred from which store holds data.
type Adapter struct {
	local  *LocalStore
	remote *RemoteStore
	notify notify.Notifier
	log    *zap.Logger
}

// NewAdapter wires both stores. Either may be nil when that mode is unavailable.
func NewAdapter(local *LocalStore, remote *RemoteStore, notifier notify.Notifier, log *zap.Logger) *Adapter {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Adapter{local: local, remote: remote, notify: notifier, log: logger.OrNop(log)}
}

// ListConversations never fails: authenticated-mode errors are reported and yield an empty list.
func (a *Adapter) ListConversations(ctx context.Context, mode models.PersistenceMode) []models.Conversation {
	list, err := a.FetchConversations(ctx, mode)
	if err != nil {
		a.notify.Error("Could not load your conversations. Please try again.")
		return []models.Conversation{}
	}
	return list
}

// FetchConversations is ListConversations with the failure returned instead of reported,
// for callers that keep their current state when a reload fails.
func (a *Adapter) FetchConversations(ctx context.Context, mode models.PersistenceMode) ([]models.Conversation, error) {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.ListConversations(ctx), nil
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			list, err := a.remote.ListConversations(ctx)
			if err != nil {
				a.log.Warn("list conversations failed", zap.Error(err))
				return nil, err
			}
			return list, nil
		}
	}
	return []models.Conversation{}, nil
}

// LoadMessages never fails: authenticated-mode errors are reported and yield an empty log.
func (a *Adapter) LoadMessages(ctx context.Context, conversationID string, mode models.PersistenceMode) []models.Message {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.LoadMessages(ctx, conversationID)
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			msgs, err := a.remote.LoadMessages(ctx, conversationID)
			if err != nil {
				a.log.Warn("load messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
				a.notify.Error("Could not load this conversation. Please try again.")
				return []models.Message{}
			}
			return msgs
		}
	}
	return []models.Message{}
}

// SaveConversations writes the list through to the mode's store.
func (a *Adapter) SaveConversations(ctx context.Context, list []models.Conversation, mode models.PersistenceMode) error {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.SaveConversations(ctx, list)
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			return a.remote.SaveConversations(ctx, list)
		}
	}
	return nil
}

// SaveMessages replaces the stored log of one conversation.
func (a *Adapter) SaveMessages(ctx context.Context, conversationID string, messages []models.Message, mode models.PersistenceMode) error {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.SaveMessages(ctx, conversationID, messages)
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			return a.remote.SaveMessages(ctx, conversationID, messages)
		}
	}
	return nil
}

// DeleteConversation removes the conversation and its message log.
func (a *Adapter) DeleteConversation(ctx context.Context, id string, mode models.PersistenceMode) error {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.DeleteConversation(ctx, id)
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			return a.remote.DeleteConversation(ctx, id)
		}
	}
	return nil
}

// CreateConversation allocates a conversation id in the mode's namespace.
func (a *Adapter) CreateConversation(ctx context.Context, title, style string, mode models.PersistenceMode) (models.Conversation, error) {
	switch mode {
	case models.ModeAnonymous:
		if a.local != nil {
			return a.local.NewConversation(title, style), nil
		}
	case models.ModeAuthenticated:
		if a.remote != nil {
			return a.remote.CreateConversation(ctx, title, style)
		}
	}
	return models.Conversation{}, fmt.Errorf("no store for %s mode", mode)
}

// Purge removes every anonymous key of this browser session.
func (a *Adapter) Purge(ctx context.Context) error {
	if a.local == nil {
		return nil
	}
	return a.local.Purge(ctx)
}
