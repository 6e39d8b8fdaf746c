// Package engine wires the conversation, document, dispatch and reveal components for one
// browser session and tracks the lifetime of those sessions.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/apperr"
	"lexichat/internal/backend"
	"lexichat/internal/conversation"
	"lexichat/internal/dispatch"
	"lexichat/internal/docsession"
	"lexichat/internal/kvstore"
	"lexichat/internal/logger"
	"lexichat/internal/models"
	"lexichat/internal/notify"
	"lexichat/internal/persistence"
	"lexichat/internal/reveal"
)

// AIBackend serves document sessions and document-grounded chat.
type AIBackend interface {
	dispatch.DocumentChatter
	docsession.Backend
}

// Deps are shared by every engine session of a gateway.
type Deps struct {
	General       dispatch.GeneralChatter
	AI            AIBackend
	Conversations persistence.ConversationService // nil disables authenticated mode
	LocalKV       kvstore.Store
	Log           *zap.Logger

	AllowAnonymous          bool
	IncludeGeneralKnowledge bool
	RevealInterval          time.Duration
	BackendTimeout          time.Duration
	NotificationLimit       int
}

// Session is the engine state of one browser session.
type Session struct {
	ID string

	log      *zap.Logger
	notes    *notify.Buffer
	reveal   *reveal.Scheduler
	docs     *docsession.Manager
	convs    *conversation.Coordinator
	dispatch *dispatch.Dispatcher
	adapter  *persistence.Adapter
	kv       kvstore.Store
	anon     bool
	remote   bool

	mu       sync.Mutex
	identity *models.Identity
	style    string // user override; empty means the role default
	lastSeen time.Time
	closed   bool
}

func newSession(ctx context.Context, id string, deps Deps) *Session {
	log := logger.OrNop(deps.Log).With(zap.String("browser_session", id))
	s := &Session{
		ID:       id,
		log:      log,
		notes:    notify.NewBuffer(deps.NotificationLimit),
		reveal:   reveal.NewScheduler(deps.RevealInterval, log),
		anon:     deps.AllowAnonymous,
		remote:   deps.Conversations != nil,
		lastSeen: time.Now(),
	}

	var local *persistence.LocalStore
	if deps.LocalKV != nil {
		s.kv = deps.LocalKV
		local = persistence.NewLocalStore(deps.LocalKV, s.namespace(), log)
	}
	var remote *persistence.RemoteStore
	if deps.Conversations != nil {
		remote = persistence.NewRemoteStore(deps.Conversations, s.token)
	}
	s.adapter = persistence.NewAdapter(local, remote, s.notes, log)
	s.docs = docsession.NewManager(deps.AI, deps.BackendTimeout, log)
	s.convs = conversation.NewCoordinator(s.adapter, s.notes, log)
	s.convs.OnDiscard(func(ids []string) { s.reveal.Cancel(ids...) })
	s.dispatch = dispatch.New(deps.General, deps.AI, s.docs, s.convs, s.reveal, s.notes, log, dispatch.Options{
		Style:                   s.Style,
		IncludeGeneralKnowledge: deps.IncludeGeneralKnowledge,
	})
	s.convs.SetMode(ctx, models.SelectMode(false, s.anon))
	return s
}

func (s *Session) Conversations() *conversation.Coordinator { return s.convs }
func (s *Session) Documents() *docsession.Manager           { return s.docs }
func (s *Session) Dispatcher() *dispatch.Dispatcher         { return s.dispatch }
func (s *Session) Reveal() *reveal.Scheduler                { return s.reveal }
func (s *Session) Notifications() *notify.Buffer            { return s.notes }

func (s *Session) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.Token
}

// Identity returns the current identity, or nil.
func (s *Session) Identity() *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Style is the answer style for general chat: the user's choice, else the role default.
func (s *Session) Style() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.style != "" {
		return s.style
	}
	if s.identity != nil {
		return models.DefaultStyle(s.identity.Role)
	}
	return models.StyleGeneral
}

// SetStyle overrides the answer style; an empty style restores the default.
func (s *Session) SetStyle(style string) error {
	if style != "" && !models.IsStyle(style) {
		return apperr.Validation("style", "unknown answer style")
	}
	s.mu.Lock()
	s.style = style
	s.mu.Unlock()
	return nil
}

// SetIdentity applies the auth context of the current request. Losing or switching identity
// clears every piece of state that belonged to the previous one.
func (s *Session) SetIdentity(ctx context.Context, identity *models.Identity) {
	if identity != nil && !s.remote {
		identity = nil
	}

	s.mu.Lock()
	prev := s.identity
	switch {
	case prev == nil && identity == nil:
		s.mu.Unlock()
		return
	case prev != nil && identity != nil && prev.UserID == identity.UserID:
		// same user, possibly a rotated token
		s.identity = identity
		s.mu.Unlock()
		return
	}
	s.identity = identity
	s.style = ""
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("authentication lost or changed, clearing state", zap.Int64("user_id", prev.UserID))
	}
	s.reset()
	s.convs.SetMode(ctx, models.SelectMode(identity != nil, s.anon))
}

func (s *Session) reset() {
	s.reveal.Reset()
	s.convs.Reset()
	s.docs.Reset()
}

// Mode is the active persistence mode.
func (s *Session) Mode() models.PersistenceMode {
	return s.convs.Mode()
}

func (s *Session) namespace() string {
	return "anon:" + s.ID
}

// keepAlive extends the lifetime of the session's anonymous keys in stores that expire them.
func (s *Session) keepAlive(ctx context.Context) {
	if s.kv == nil {
		return
	}
	if err := kvstore.KeepAlive(ctx, s.kv, s.namespace()+":"); err != nil {
		s.log.Warn("keep anonymous storage alive failed", zap.Error(err))
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// close ends the browser session: timers stop, the document session is released and
// anonymous data is purged.
func (s *Session) close(ctx context.Context) {
	if !s.shutdown() {
		return
	}
	if err := s.adapter.Purge(ctx); err != nil {
		s.log.Warn("purge anonymous storage failed", zap.Error(err))
	}
	s.log.Info("browser session closed")
}

// shutdown stops the session without touching stored data. It reports false when the
// session was already stopped.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.identity = nil
	s.mu.Unlock()

	s.reveal.Close()
	s.convs.Reset()
	s.docs.Reset()
	s.docs.Wait()
	s.dispatch.Wait()
	return true
}

// compile-time checks of the production clients against the engine contracts
var (
	_ AIBackend                       = (*backend.AIClient)(nil)
	_ dispatch.GeneralChatter         = (*backend.ProviderChat)(nil)
	_ persistence.ConversationService = (*backend.ConversationClient)(nil)
)
