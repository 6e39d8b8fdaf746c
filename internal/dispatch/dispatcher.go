// Package dispatch routes outgoing messages to the general or the document-grounded chat
// endpoint and folds the reply into the active conversation.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lexichat/internal/apperr"
	"lexichat/internal/backend"
	"lexichat/internal/logger"
	"lexichat/internal/models"
	"lexichat/internal/notify"
)

// ErrSendInFlight rejects a send while the previous one has not completed.
var ErrSendInFlight = errors.New("dispatch: a message is already being sent")

type GeneralChatter interface {
	GeneralChat(ctx context.Context, req backend.GeneralChatRequest) ([]byte, error)
}

type DocumentChatter interface {
	DocumentChat(ctx context.Context, req backend.DocumentChatRequest) ([]byte, error)
}

// Documents is the view of the document session slot the dispatcher needs.
type Documents interface {
	AttachIfPresent() *models.DocumentSession
	ConsumeOneOff(sessionID string)
}

// Conversations is the view of the coordinator the dispatcher needs.
type Conversations interface {
	Mode() models.PersistenceMode
	EnsureActive(ctx context.Context, style string) (models.Conversation, error)
	AppendUser(ctx context.Context, conversationID string, msg models.Message) error
	AppendReply(ctx context.Context, conversationID string, msg models.Message) error
	Refresh(ctx context.Context) error
}

type Revealer interface {
	Start(messageID, content string)
}

// Options tune routing.
type Options struct {
	// Style returns the answer style for general chat.
	Style                   func() string
	IncludeGeneralKnowledge bool
}

// Result is the outcome of one successful exchange.
type Result struct {
	ConversationID string         `json:"conversation_id"`
	User           models.Message `json:"user"`
	Reply          models.Message `json:"reply"`
	Route          string         `json:"route"`
	Document       string         `json:"document_session_id,omitempty"`
}

const refreshTimeout = 30 * time.Second

const (
	RouteGeneral  = "general"
	RouteDocument = "document"
)

type Dispatcher struct {
	general   GeneralChatter
	documents DocumentChatter
	docs      Documents
	convs     Conversations
	reveal    Revealer
	notify    notify.Notifier
	log       *zap.Logger
	opts      Options
	now       func() time.Time

	sending atomic.Bool
	bg      sync.WaitGroup
}

func New(general GeneralChatter, documents DocumentChatter, docs Documents, convs Conversations, reveal Revealer, notifier notify.Notifier, log *zap.Logger, opts Options) *Dispatcher {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if opts.Style == nil {
		opts.Style = func() string { return models.StyleGeneral }
	}
	return &Dispatcher{
		general:   general,
		documents: documents,
		docs:      docs,
		convs:     convs,
		reveal:    reveal,
		notify:    notifier,
		log:       logger.OrNop(log),
		opts:      opts,
		now:       time.Now,
	}
}

// InFlight reports whether a send is outstanding.
func (d *Dispatcher) InFlight() bool {
	return d.sending.Load()
}

// Send delivers one user message. Only one send may be outstanding at a time.
func (d *Dispatcher) Send(ctx context.Context, raw string) (*Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, apperr.Validation("message", "message is empty")
	}
	if !d.sending.CompareAndSwap(false, true) {
		return nil, ErrSendInFlight
	}
	defer d.sending.Store(false)

	style := d.opts.Style()
	conv, err := d.convs.EnsureActive(ctx, style)
	if err != nil {
		return nil, err
	}

	doc := d.docs.AttachIfPresent()
	useDoc := doc != nil && doc.Ready && !doc.IsPlaceholder()
	if doc != nil && doc.OneOff && useDoc {
		defer d.docs.ConsumeOneOff(doc.SessionID)
	}

	user := models.Message{ID: uuid.NewString(), Role: models.RoleUser, Content: text, Timestamp: d.now()}
	if useDoc && doc.IsImage() && doc.Preview != "" {
		user.Attachments = []string{doc.Preview}
	}
	if err := d.convs.AppendUser(ctx, conv.ID, user); err != nil {
		return nil, err
	}

	var (
		payload []byte
		op      string
		route   string
	)
	if useDoc {
		op, route = "document chat", RouteDocument
		payload, err = d.documents.DocumentChat(ctx, backend.DocumentChatRequest{
			SessionID:               doc.SessionID,
			Question:                RewriteQuestion(text),
			IncludeGeneralKnowledge: d.opts.IncludeGeneralKnowledge,
		})
	} else {
		op, route = "general chat", RouteGeneral
		payload, err = d.general.GeneralChat(ctx, backend.GeneralChatRequest{
			Message:        text,
			Mode:           style,
			ConversationID: conv.ID,
		})
	}
	var reply Reply
	if err == nil {
		reply, err = Normalize(op, payload)
	}
	if err != nil {
		d.log.Warn("send failed", zap.String("route", route), zap.String("conversation_id", conv.ID), zap.Error(err))
		d.notify.Error("The assistant could not answer. Please try again.")
		return nil, err
	}

	assistant := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Content: reply.Content, Timestamp: d.now()}
	if err := d.convs.AppendReply(ctx, conv.ID, assistant); err != nil {
		// the conversation was switched or deleted while waiting
		d.log.Debug("reply discarded", zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil, err
	}
	if d.reveal != nil {
		d.reveal.Start(assistant.ID, assistant.Content)
	}

	if route == RouteGeneral && reply.ConversationID != "" && reply.ConversationID != conv.ID &&
		d.convs.Mode() == models.ModeAuthenticated {
		d.refreshAsync()
	}

	res := &Result{ConversationID: conv.ID, User: user, Reply: assistant, Route: route}
	if useDoc {
		res.Document = doc.SessionID
	}
	return res, nil
}

func (d *Dispatcher) refreshAsync() {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := d.convs.Refresh(ctx); err != nil {
			d.log.Warn("conversation list refresh after send failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes have finished.
func (d *Dispatcher) Wait() {
	d.bg.Wait()
}
