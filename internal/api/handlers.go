package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lexichat/internal/apperr"
	"lexichat/internal/auth"
	"lexichat/internal/backend"
	"lexichat/internal/conversation"
	"lexichat/internal/dispatch"
	"lexichat/internal/docsession"
	"lexichat/internal/engine"
	"lexichat/internal/logger"
	"lexichat/internal/models"
	"lexichat/internal/notify"
	"lexichat/internal/reveal"
)

const (
	sessionCookieName = "lexichat_session"
	sessionContextKey = "engine_session"
	maxUploadBytes    = 10 << 20 // 10 MB
	maxFormBytes      = maxUploadBytes + 1<<20
	sendTimeout       = 2 * time.Minute
)

// IdentityResolver maps the bearer token of a request to an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*models.Identity, error)
}

// Handler wires the gateway HTTP routes to the per-browser-session engine.
type Handler struct {
	sessions  *engine.Manager
	resolver  IdentityResolver
	csrf      auth.CSRF
	cookieTTL time.Duration
	log       *zap.Logger
}

// NewHandler constructs a Handler instance. resolver may be nil when only anonymous use is served.
func NewHandler(sessions *engine.Manager, resolver IdentityResolver, cookieTTL time.Duration, log *zap.Logger) *Handler {
	if cookieTTL <= 0 {
		cookieTTL = engine.DefaultIdleTTL
	}
	return &Handler{
		sessions:  sessions,
		resolver:  resolver,
		csrf:      auth.DefaultCSRF(),
		cookieTTL: cookieTTL,
		log:       logger.OrNop(log).With(zap.String("component", "gateway")),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	// sendBeacon cannot carry headers, so ending a session only needs the cookie
	api.POST("/session/end", h.endSession)

	chat := api.Group("")
	chat.Use(h.browserSession(), h.csrf.Middleware(), h.identity())
	chat.GET("/state", h.getState)
	chat.GET("/reveal/stream", h.streamReveal)
	chat.POST("/conversations", h.createConversation)
	chat.POST("/conversations/refresh", h.refreshConversations)
	chat.POST("/conversations/:id/select", h.selectConversation)
	chat.DELETE("/conversations/:id", h.deleteConversation)
	chat.POST("/messages", h.sendMessage)
	chat.POST("/documents", h.uploadDocument)
	chat.DELETE("/documents", h.removeDocument)
	chat.PUT("/style", h.setStyle)
}

// browserSession binds the request to an engine session, issuing the session and CSRF cookies on first contact.
func (h *Handler) browserSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(sessionCookieName)
		if err != nil || !validSessionID(id) {
			id = uuid.NewString()
		}
		h.setCookie(c, sessionCookieName, id, true)
		if _, err := c.Cookie(h.csrf.CookieName); err != nil {
			token, err := h.csrf.NewToken()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "issue csrf token failed"})
				return
			}
			h.setCookie(c, h.csrf.CookieName, token, false)
		}
		c.Set(sessionContextKey, h.sessions.Ensure(c.Request.Context(), id))
		c.Next()
	}
}

// identity applies the auth context of the request. When the auth context cannot be
// consulted the previous identity is kept.
func (h *Handler) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessionFrom(c)
		var (
			id  *models.Identity
			err error
		)
		if h.resolver != nil {
			id, err = h.resolver.Resolve(c.Request.Context(), auth.BearerToken(c.GetHeader("Authorization")))
		}
		if err != nil {
			h.log.Warn("resolve identity failed", zap.String("browser_session", sess.ID), zap.Error(err))
		} else {
			sess.SetIdentity(c.Request.Context(), id)
		}
		c.Next()
	}
}

func sessionFrom(c *gin.Context) *engine.Session {
	return c.MustGet(sessionContextKey).(*engine.Session)
}

func validSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type stateResponse struct {
	conversation.View
	Identity      *models.Identity        `json:"identity,omitempty"`
	Style         string                  `json:"style"`
	Document      *models.DocumentSession `json:"document,omitempty"`
	Sending       bool                    `json:"sending"`
	Reveal        []reveal.Progress       `json:"reveal"`
	Notifications []notify.Notification   `json:"notifications"`
}

func (h *Handler) state(sess *engine.Session) stateResponse {
	view := sess.Conversations().View()
	progress := make([]reveal.Progress, 0)
	pending := make(map[string]struct{})
	for _, id := range sess.Reveal().Pending() {
		pending[id] = struct{}{}
	}
	for _, m := range view.Messages {
		if _, ok := pending[m.ID]; !ok {
			continue
		}
		visible, total := sess.Reveal().Visible(m.ID, m.Content)
		progress = append(progress, reveal.Progress{MessageID: m.ID, Visible: visible, Total: total})
	}
	notes := sess.Notifications().Drain()
	if notes == nil {
		notes = make([]notify.Notification, 0)
	}
	return stateResponse{
		View:          view,
		Identity:      sess.Identity(),
		Style:         sess.Style(),
		Document:      sess.Documents().AttachIfPresent(),
		Sending:       sess.Dispatcher().InFlight(),
		Reveal:        progress,
		Notifications: notes,
	}
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.state(sessionFrom(c)))
}

func (h *Handler) createConversation(c *gin.Context) {
	sess := sessionFrom(c)
	conv, err := sess.Conversations().Create(c.Request.Context(), sess.Style())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv, "state": h.state(sess)})
}

func (h *Handler) refreshConversations(c *gin.Context) {
	sess := sessionFrom(c)
	// failures are reported through notifications and the current list is kept
	_ = sess.Conversations().Refresh(c.Request.Context())
	c.JSON(http.StatusOK, h.state(sess))
}

func (h *Handler) selectConversation(c *gin.Context) {
	sess := sessionFrom(c)
	if err := sess.Conversations().Select(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state(sess))
}

func (h *Handler) deleteConversation(c *gin.Context) {
	sess := sessionFrom(c)
	if err := sess.Conversations().Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state(sess))
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	sess := sessionFrom(c)
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// the exchange outlives a dropped connection so the reply still lands in the log
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), sendTimeout)
	defer cancel()
	res, err := sess.Dispatcher().Send(ctx, req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "state": h.state(sess)})
}

func (h *Handler) uploadDocument(c *gin.Context) {
	sess := sessionFrom(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFormBytes)
	if err := c.Request.ParseMultipartForm(maxFormBytes); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 10 MB limit"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 10 MB limit"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	attach := docsession.Persistent
	if oneOff, _ := strconv.ParseBool(c.PostForm("one_off")); oneOff {
		attach = docsession.OneOff
	}
	doc, err := sess.Documents().Upload(c.Request.Context(), backend.File{Name: file.Filename, Data: data}, attach)
	if err != nil {
		h.writeError(c, err)
		return
	}
	sess.Notifications().Success(fmt.Sprintf("%s is ready for questions", doc.Filename))
	c.JSON(http.StatusCreated, gin.H{"document": doc, "state": h.state(sess)})
}

func (h *Handler) removeDocument(c *gin.Context) {
	sess := sessionFrom(c)
	var sessionID string
	if doc := sess.Documents().AttachIfPresent(); doc != nil {
		sessionID = doc.SessionID
	}
	if err := sess.Documents().Remove(c.Request.Context(), sessionID); err != nil {
		// the slot is already cleared; the backend copy expires on its own
		h.log.Debug("document dispose failed", zap.String("browser_session", sess.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, h.state(sess))
}

func (h *Handler) setStyle(c *gin.Context) {
	sess := sessionFrom(c)
	var req struct {
		Style string `json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := sess.SetStyle(strings.TrimSpace(req.Style)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state(sess))
}

func (h *Handler) endSession(c *gin.Context) {
	id, err := c.Cookie(sessionCookieName)
	if err == nil && validSessionID(id) {
		h.sessions.End(c.Request.Context(), id)
	}
	h.clearCookies(c)
	c.Status(http.StatusNoContent)
}

// streamReveal pushes reveal progress of the session as server-sent events until the client leaves.
func (h *Handler) streamReveal(c *gin.Context) {
	sess := sessionFrom(c)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	ticks, detach := sess.Reveal().Subscribe(64)
	defer detach()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := sendEvent("ready", gin.H{"browser_session": sess.ID}); err != nil {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case p, ok := <-ticks:
			if !ok {
				_ = sendEvent("closed", gin.H{})
				return
			}
			event := "reveal"
			if p.Done() {
				event = "revealed"
			}
			if err := sendEvent(event, p); err != nil {
				return
			}
		}
	}
}

// writeError maps engine errors to HTTP statuses. A reply that arrived for a conversation
// the user already left is not an error for the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	sess := sessionFrom(c)
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "field": verr.Field})
	case errors.Is(err, dispatch.ErrSendInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperr.IsConsistency(err):
		h.log.Debug("stale result discarded", zap.String("browser_session", sess.ID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"discarded": true, "state": h.state(sess)})
	case apperr.IsTransient(err), errors.Is(err, backend.ErrUnauthorized):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": h.state(sess)})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "state": h.state(sess)})
	}
}

func (h *Handler) setCookie(c *gin.Context, name, value string, httpOnly bool) {
	sameSite := http.SameSiteLaxMode
	if !httpOnly {
		sameSite = http.SameSiteStrictMode
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   int(h.cookieTTL.Seconds()),
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: httpOnly,
		SameSite: sameSite,
	})
}

func (h *Handler) clearCookies(c *gin.Context) {
	for _, name := range []string{sessionCookieName, h.csrf.CookieName} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == sessionCookieName,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
