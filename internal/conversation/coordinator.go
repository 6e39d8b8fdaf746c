// Package conversation tracks the active conversation, the conversation list and the
// in-memory message log of one engine session.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"lexichat/internal/apperr"
	"lexichat/internal/logger"
	"lexichat/internal/models"
	"lexichat/internal/notify"
)

// Store is the persistence contract the coordinator writes through.
type Store interface {
	FetchConversations(ctx context.Context, mode models.PersistenceMode) ([]models.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string, mode models.PersistenceMode) []models.Message
	SaveConversations(ctx context.Context, list []models.Conversation, mode models.PersistenceMode) error
	SaveMessages(ctx context.Context, conversationID string, messages []models.Message, mode models.PersistenceMode) error
	DeleteConversation(ctx context.Context, id string, mode models.PersistenceMode) error
	CreateConversation(ctx context.Context, title, style string, mode models.PersistenceMode) (models.Conversation, error)
}

// State is the coarse state of the coordinator.
type State int

const (
	StateEmpty State = iota
	StateListed
	StateActive
)

func (s State) String() string {
	switch s {
	case StateListed:
		return "listed"
	case StateActive:
		return "active"
	default:
		return "empty"
	}
}

// View is a consistent snapshot handed to callers.
type View struct {
	State         string                `json:"state"`
	ActiveID      string                `json:"active_id,omitempty"`
	Mode          string                `json:"mode"`
	Conversations []models.Conversation `json:"conversations"`
	Messages      []models.Message      `json:"messages"`
	Loading       bool                  `json:"loading"`
}

// Coordinator owns the conversation state. Every mutation goes through create, select,
// delete, append or refresh.
type Coordinator struct {
	store     Store
	notify    notify.Notifier
	log       *zap.Logger
	onDiscard func(messageIDs []string)
	refresh   singleflight.Group
	now       func() time.Time

	// writeMu orders write-through calls the same way the mutations were applied.
	writeMu sync.Mutex

	mu       sync.Mutex
	mode     models.PersistenceMode
	list     []models.Conversation
	activeID string
	messages []models.Message
	loading  bool
	gen      uint64 // bumped on every activation
	epoch    uint64 // bumped on reset and mode switch
	rev      uint64 // bumped on every local change to the list
}

// maxRefreshAttempts bounds how often Refresh re-fetches a list outdated by local changes.
const maxRefreshAttempts = 3

type fetched struct {
	list []models.Conversation
	rev  uint64
}

func NewCoordinator(store Store, notifier notify.Notifier, log *zap.Logger) *Coordinator {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Coordinator{store: store, notify: notifier, log: logger.OrNop(log), now: time.Now}
}

// OnDiscard registers a hook receiving the ids of messages that leave the in-memory log.
func (c *Coordinator) OnDiscard(fn func(messageIDs []string)) {
	c.mu.Lock()
	c.onDiscard = fn
	c.mu.Unlock()
}

func (c *Coordinator) Mode() models.PersistenceMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	switch {
	case c.activeID != "":
		return StateActive
	case len(c.list) > 0:
		return StateListed
	default:
		return StateEmpty
	}
}

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		State:         c.stateLocked().String(),
		ActiveID:      c.activeID,
		Mode:          c.mode.String(),
		Conversations: append([]models.Conversation{}, c.list...),
		Messages:      append([]models.Message{}, c.messages...),
		Loading:       c.loading,
	}
}

// Active returns the active conversation.
func (c *Coordinator) Active() (models.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == "" {
		return models.Conversation{}, false
	}
	i := c.indexLocked(c.activeID)
	if i < 0 {
		return models.Conversation{}, false
	}
	return c.list[i], true
}

// SetMode clears all state and loads the conversation list of the new mode.
func (c *Coordinator) SetMode(ctx context.Context, mode models.PersistenceMode) {
	discarded := c.resetLocked(func() { c.mode = mode })
	c.discard(discarded)
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial conversation list failed", zap.String("mode", mode.String()), zap.Error(err))
	}
}

// Reset clears the active conversation, the list and the message log.
func (c *Coordinator) Reset() {
	c.discard(c.resetLocked(nil))
}

func (c *Coordinator) resetLocked(apply func()) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := models.MessageIDs(c.messages)
	c.list = nil
	c.activeID = ""
	c.messages = nil
	c.loading = false
	c.gen++
	c.epoch++
	if apply != nil {
		apply()
	}
	return ids
}

// Create starts a new conversation with the placeholder title and activates it.
func (c *Coordinator) Create(ctx context.Context, style string) (models.Conversation, error) {
	c.mu.Lock()
	mode := c.mode
	epoch := c.epoch
	c.mu.Unlock()

	var conv models.Conversation
	if mode == models.ModeNone {
		// nothing persists without a mode; the conversation lives only in memory
		conv = models.Conversation{ID: "session_" + uuid.NewString(), Title: models.PlaceholderTitle, Timestamp: c.now().UnixMilli(), Mode: style}
	} else {
		created, err := c.store.CreateConversation(ctx, models.PlaceholderTitle, style, mode)
		if err != nil {
			c.log.Warn("create conversation failed", zap.String("mode", mode.String()), zap.Error(err))
			c.notify.Error("Could not start a new conversation. Please try again.")
			return models.Conversation{}, err
		}
		conv = created
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return models.Conversation{}, apperr.Consistency("conversation", conv.ID)
	}
	discarded := models.MessageIDs(c.messages)
	if i := c.indexLocked(conv.ID); i >= 0 {
		// a refresh already listed it
		c.list = append(c.list[:i:i], c.list[i+1:]...)
	}
	c.list = append([]models.Conversation{conv}, c.list...)
	c.rev++
	c.activeID = conv.ID
	c.messages = []models.Message{}
	c.loading = false
	c.gen++
	list := append([]models.Conversation{}, c.list...)
	c.mu.Unlock()

	c.discard(discarded)
	c.log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("mode", mode.String()))
	c.persistList(ctx, list, mode)
	return conv, nil
}

// EnsureActive returns the active conversation, creating one when there is none.
func (c *Coordinator) EnsureActive(ctx context.Context, style string) (models.Conversation, error) {
	if conv, ok := c.Active(); ok {
		return conv, nil
	}
	return c.Create(ctx, style)
}

// Select activates id and loads its message log. Selecting the active conversation is a no-op.
func (c *Coordinator) Select(ctx context.Context, id string) error {
	c.mu.Lock()
	if id == c.activeID {
		c.mu.Unlock()
		return nil
	}
	if c.indexLocked(id) < 0 {
		c.mu.Unlock()
		return apperr.Consistency("conversation", id)
	}
	discarded := c.activateLocked(id)
	c.mu.Unlock()

	c.discard(discarded)
	c.load(ctx, id)
	return nil
}

// Delete removes the conversation and its log. When it was active the first remaining
// conversation becomes active.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	mode := c.mode
	known := c.indexLocked(id) >= 0
	c.mu.Unlock()
	if !known {
		return apperr.Consistency("conversation", id)
	}

	if mode != models.ModeNone {
		if err := c.store.DeleteConversation(ctx, id, mode); err != nil {
			c.log.Warn("delete conversation failed", zap.String("conversation_id", id), zap.Error(err))
			c.notify.Error("Could not delete the conversation. Please try again.")
			return err
		}
	}

	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return nil
	}
	c.list = append(c.list[:i:i], c.list[i+1:]...)
	c.rev++
	var discarded []string
	next := ""
	if c.activeID == id {
		discarded = models.MessageIDs(c.messages)
		c.activeID = ""
		c.messages = nil
		c.loading = false
		c.gen++
		if len(c.list) > 0 {
			next = c.list[0].ID
			discarded = append(discarded, c.activateLocked(next)...)
		}
	}
	c.mu.Unlock()

	c.discard(discarded)
	c.log.Info("conversation deleted", zap.String("conversation_id", id))
	if next != "" {
		c.load(ctx, next)
	}
	return nil
}

// AppendUser appends the optimistic user message; the first one titles the conversation.
func (c *Coordinator) AppendUser(ctx context.Context, conversationID string, msg models.Message) error {
	return c.append(ctx, conversationID, msg, true)
}

// AppendReply appends an assistant reply.
func (c *Coordinator) AppendReply(ctx context.Context, conversationID string, msg models.Message) error {
	return c.append(ctx, conversationID, msg, false)
}

func (c *Coordinator) append(ctx context.Context, conversationID string, msg models.Message, titles bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	i := c.indexLocked(conversationID)
	if c.activeID != conversationID || i < 0 {
		c.mu.Unlock()
		return apperr.Consistency("conversation", conversationID)
	}
	c.messages = append(c.messages, msg)

	conv := c.list[i]
	if titles && conv.HasPlaceholderTitle() {
		conv.Title = Title(msg.Content)
	}
	conv.LastMessage = Summary(msg.Content)
	conv.Timestamp = c.now().UnixMilli()
	c.list = append(c.list[:i:i], c.list[i+1:]...)
	c.list = append([]models.Conversation{conv}, c.list...)
	c.rev++

	mode := c.mode
	loading := c.loading
	list := append([]models.Conversation{}, c.list...)
	msgs := append([]models.Message{}, c.messages...)
	c.mu.Unlock()

	c.persistList(ctx, list, mode)
	if !loading {
		c.persistMessages(ctx, conversationID, msgs, mode)
	}
	return nil
}

// Refresh reloads the list from the store. The active conversation stays active when it is
// still listed, otherwise the first listed conversation becomes active. Concurrent calls share
// one reload. A failed reload keeps the current state. A reload that started before a local
// create, delete or append is fetched again; when local changes keep racing the reload the
// local list is kept.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	mode := c.mode
	epoch := c.epoch
	c.mu.Unlock()
	if mode == models.ModeNone {
		return nil
	}

	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		res, err := c.fetch(ctx, mode)
		if err != nil {
			c.notify.Error("Could not refresh your conversations.")
			return err
		}
		applied, next, discarded, stale := c.applyFetched(res, mode, epoch)
		if stale {
			return nil
		}
		if !applied {
			c.log.Debug("conversation list changed during refresh", zap.Int("attempt", attempt))
			continue
		}
		c.discard(discarded)
		if next != "" {
			c.load(ctx, next)
		}
		return nil
	}
	return nil
}

func (c *Coordinator) fetch(ctx context.Context, mode models.PersistenceMode) (fetched, error) {
	v, err, _ := c.refresh.Do(mode.String(), func() (any, error) {
		c.mu.Lock()
		rev := c.rev
		c.mu.Unlock()
		list, err := c.store.FetchConversations(ctx, mode)
		if err != nil {
			return nil, err
		}
		return fetched{list: list, rev: rev}, nil
	})
	if err != nil {
		return fetched{}, err
	}
	return v.(fetched), nil
}

// applyFetched installs a fetched list unless the coordinator was reset (stale) or the list
// changed locally after the fetch started (not applied).
func (c *Coordinator) applyFetched(res fetched, mode models.PersistenceMode, epoch uint64) (applied bool, next string, discarded []string, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.mode != mode {
		return false, "", nil, true
	}
	if c.rev != res.rev {
		return false, "", nil, false
	}
	c.list = append([]models.Conversation{}, res.list...)
	if c.activeID != "" && c.indexLocked(c.activeID) < 0 {
		discarded = models.MessageIDs(c.messages)
		c.activeID = ""
		c.messages = nil
		c.loading = false
		c.gen++
		if len(c.list) > 0 {
			next = c.list[0].ID
			discarded = append(discarded, c.activateLocked(next)...)
		}
	}
	return true, next, discarded, false
}

// activateLocked makes id active with an empty log pending load and returns the ids of the
// messages it dropped.
func (c *Coordinator) activateLocked(id string) []string {
	discarded := models.MessageIDs(c.messages)
	c.activeID = id
	c.messages = nil
	c.loading = true
	c.gen++
	return discarded
}

// load fetches the log for the current activation outside the lock. Messages appended while
// the load was in flight are kept after the loaded ones.
func (c *Coordinator) load(ctx context.Context, id string) {
	c.mu.Lock()
	gen := c.gen
	mode := c.mode
	c.mu.Unlock()

	var loaded []models.Message
	if mode != models.ModeNone {
		loaded = c.store.LoadMessages(ctx, id, mode)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || c.activeID != id {
		c.mu.Unlock()
		c.log.Debug("stale message load discarded", zap.String("conversation_id", id))
		return
	}
	pending := c.messages
	c.messages = append(append([]models.Message{}, loaded...), pending...)
	c.loading = false
	msgs := append([]models.Message{}, c.messages...)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.persistMessages(ctx, id, msgs, mode)
	}
}

func (c *Coordinator) indexLocked(id string) int {
	for i, conv := range c.list {
		if conv.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) discard(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.onDiscard
	c.mu.Unlock()
	if fn != nil {
		fn(ids)
	}
}

func (c *Coordinator) persistList(ctx context.Context, list []models.Conversation, mode models.PersistenceMode) {
	if mode == models.ModeNone {
		return
	}
	if err := c.store.SaveConversations(ctx, list, mode); err != nil {
		c.log.Warn("save conversations failed", zap.String("mode", mode.String()), zap.Error(err))
		c.notify.Error("Your conversation list could not be saved.")
	}
}

func (c *Coordinator) persistMessages(ctx context.Context, id string, msgs []models.Message, mode models.PersistenceMode) {
	if mode == models.ModeNone {
		return
	}
	if err := c.store.SaveMessages(ctx, id, msgs, mode); err != nil {
		c.log.Warn("save messages failed", zap.String("conversation_id", id), zap.Error(err))
		c.notify.Error("This conversation could not be saved.")
	}
}
