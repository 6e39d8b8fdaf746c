package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"lexichat/internal/auth"
	"lexichat/internal/backend"
	"lexichat/internal/config"
	"lexichat/internal/convservice"
	"lexichat/internal/engine"
	"lexichat/internal/kvstore"
	"lexichat/internal/models"
	"lexichat/internal/storage"
)

type fakeAI struct {
	mu       sync.Mutex
	general  []backend.GeneralChatRequest
	document []backend.DocumentChatRequest
	disposed []string
	seq      int
}

func (f *fakeAI) GeneralChat(_ context.Context, req backend.GeneralChatRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.general = append(f.general, req)
	return []byte(`{"response":"A security deposit must be returned.\nMost states set a deadline."}`), nil
}

func (f *fakeAI) DocumentChat(_ context.Context, req backend.DocumentChatRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.document = append(f.document, req)
	return []byte(`{"answer":"The lease runs for twelve months."}`), nil
}

func (f *fakeAI) Upload(_ context.Context, file backend.File) (backend.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return backend.UploadResult{SessionID: fmt.Sprintf("doc-%d", f.seq), Filename: file.Name, FileType: file.MIMEType, CharCount: 120}, nil
}

func (f *fakeAI) Dispose(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, sessionID)
	return nil
}

func (f *fakeAI) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.general), len(f.document)
}

type testGateway struct {
	router   *gin.Engine
	sessions *engine.Manager
	ai       *fakeAI
}

func newTestGateway(t *testing.T, convs *backend.ConversationClient) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ai := &fakeAI{}
	deps := engine.Deps{
		General:                 ai,
		AI:                      ai,
		LocalKV:                 kvstore.NewMemory(),
		AllowAnonymous:          true,
		IncludeGeneralKnowledge: true,
		RevealInterval:          5 * time.Millisecond,
		BackendTimeout:          5 * time.Second,
	}
	var resolver IdentityResolver
	if convs != nil {
		deps.Conversations = convs
		resolver = auth.NewResolver(convs, time.Millisecond)
	}
	sessions := engine.NewManager(deps, time.Hour)
	t.Cleanup(func() { sessions.Stop(context.Background()) })

	router := gin.New()
	NewHandler(sessions, resolver, time.Hour, nil).RegisterRoutes(router)
	return &testGateway{router: router, sessions: sessions, ai: ai}
}

// browser replays cookies between requests and echoes the CSRF token.
type browser struct {
	t       *testing.T
	router  *gin.Engine
	cookies map[string]*http.Cookie
	bearer  string
}

func newBrowser(t *testing.T, router *gin.Engine) *browser {
	return &browser{t: t, router: router, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.t.Helper()
	for _, ck := range b.cookies {
		req.AddCookie(ck)
	}
	if ck, ok := b.cookies["csrf_token"]; ok {
		req.Header.Set("X-CSRF-Token", ck.Value)
	}
	if b.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+b.bearer)
	}
	rec := httptest.NewRecorder()
	b.router.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(b.cookies, ck.Name)
			continue
		}
		b.cookies[ck.Name] = ck
	}
	return rec
}

func (b *browser) json(method, path string, body interface{}) *httptest.ResponseRecorder {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			b.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

func (b *browser) upload(name string, data []byte, oneOff bool) *httptest.ResponseRecorder {
	b.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		b.t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		b.t.Fatalf("write form file: %v", err)
	}
	if oneOff {
		_ = w.WriteField("one_off", "true")
	}
	if err := w.Close(); err != nil {
		b.t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return b.do(req)
}

func (b *browser) state() stateBody {
	b.t.Helper()
	rec := b.json(http.MethodGet, "/api/state", nil)
	assertStatus(b.t, rec, http.StatusOK)
	var st stateBody
	decodeJSON(b.t, rec.Body.Bytes(), &st)
	return st
}

type stateBody struct {
	State         string                  `json:"state"`
	ActiveID      string                  `json:"active_id"`
	Mode          string                  `json:"mode"`
	Conversations []models.Conversation   `json:"conversations"`
	Messages      []models.Message        `json:"messages"`
	Identity      *models.Identity        `json:"identity"`
	Style         string                  `json:"style"`
	Document      *models.DocumentSession `json:"document"`
}

type sendBody struct {
	Result struct {
		ConversationID string `json:"conversation_id"`
		Route          string `json:"route"`
	} `json:"result"`
	State stateBody `json:"state"`
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func TestAnonymousConversationFlow(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)

	st := b.state()
	if st.Mode != "anonymous" || st.State != "empty" {
		t.Fatalf("unexpected initial state: %+v", st)
	}
	if _, ok := b.cookies["lexichat_session"]; !ok {
		t.Fatalf("expected session cookie")
	}

	rec := b.json(http.MethodPost, "/api/messages", map[string]string{"content": "Can my landlord keep my deposit?"})
	assertStatus(t, rec, http.StatusOK)
	var body sendBody
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Result.Route != "general" {
		t.Fatalf("expected general route, got %q", body.Result.Route)
	}
	if len(body.State.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.State.Messages))
	}
	if len(body.State.Conversations) != 1 || body.State.Conversations[0].Title != "Can my landlord keep my deposit?" {
		t.Fatalf("unexpected conversations: %+v", body.State.Conversations)
	}

	rec = b.json(http.MethodPost, "/api/conversations", nil)
	assertStatus(t, rec, http.StatusCreated)
	st = b.state()
	if len(st.Conversations) != 2 || len(st.Messages) != 0 {
		t.Fatalf("expected fresh active conversation, got %+v", st)
	}

	rec = b.json(http.MethodPost, "/api/conversations/"+body.Result.ConversationID+"/select", nil)
	assertStatus(t, rec, http.StatusOK)
	st = b.state()
	if st.ActiveID != body.Result.ConversationID || len(st.Messages) != 2 {
		t.Fatalf("reselect failed: %+v", st)
	}

	rec = b.json(http.MethodDelete, "/api/conversations/"+body.Result.ConversationID, nil)
	assertStatus(t, rec, http.StatusOK)
	st = b.state()
	if len(st.Conversations) != 1 || st.ActiveID == body.Result.ConversationID {
		t.Fatalf("delete did not fall back: %+v", st)
	}
}

func TestCSRFRequiredForCookieRequests(t *testing.T) {
	gw := newTestGateway(t, nil)
	rec := doJSONRequest(t, gw.router, http.MethodPost, "/api/messages", map[string]string{"content": "hello"}, nil)
	assertStatus(t, rec, http.StatusForbidden)
}

func TestSendValidationAndUnknownSelect(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)
	b.state()

	rec := b.json(http.MethodPost, "/api/messages", map[string]string{"content": "   "})
	assertStatus(t, rec, http.StatusBadRequest)

	rec = b.json(http.MethodPost, "/api/conversations/missing/select", nil)
	assertStatus(t, rec, http.StatusOK)
	if general, _ := gw.ai.counts(); general != 0 {
		t.Fatalf("expected no backend call, got %d", general)
	}
}

func TestOneOffDocumentGroundsSingleMessage(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)
	b.state()

	rec := b.upload("lease.pdf", samplePDF, true)
	assertStatus(t, rec, http.StatusCreated)
	st := b.state()
	if st.Document == nil || !st.Document.Ready || !st.Document.OneOff {
		t.Fatalf("expected ready one-off document, got %+v", st.Document)
	}

	rec = b.json(http.MethodPost, "/api/messages", map[string]string{"content": "How long is the lease term?"})
	assertStatus(t, rec, http.StatusOK)
	var body sendBody
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Result.Route != "document" {
		t.Fatalf("expected document route, got %q", body.Result.Route)
	}
	if body.State.Document != nil {
		t.Fatalf("one-off document should be cleared after the send")
	}

	rec = b.json(http.MethodPost, "/api/messages", map[string]string{"content": "And the deposit?"})
	assertStatus(t, rec, http.StatusOK)
	if general, document := gw.ai.counts(); general != 1 || document != 1 {
		t.Fatalf("unexpected routing counts general=%d document=%d", general, document)
	}
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)
	b.state()

	rec := b.upload("tool.exe", []byte("MZ\x90\x00binary"), false)
	assertStatus(t, rec, http.StatusBadRequest)
	if st := b.state(); st.Document != nil {
		t.Fatalf("rejected upload must not change the slot")
	}
}

func TestRemoveDocumentAndStyle(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)
	b.state()

	assertStatus(t, b.upload("lease.pdf", samplePDF, false), http.StatusCreated)
	assertStatus(t, b.json(http.MethodDelete, "/api/documents", nil), http.StatusOK)
	if st := b.state(); st.Document != nil {
		t.Fatalf("expected document cleared")
	}

	assertStatus(t, b.json(http.MethodPut, "/api/style", map[string]string{"style": "Shakespearean"}), http.StatusBadRequest)
	assertStatus(t, b.json(http.MethodPut, "/api/style", map[string]string{"style": models.StylePlainSummary}), http.StatusOK)
	if st := b.state(); st.Style != models.StylePlainSummary {
		t.Fatalf("expected style %q, got %q", models.StylePlainSummary, st.Style)
	}
}

func TestEndSessionDropsEngineState(t *testing.T) {
	gw := newTestGateway(t, nil)
	b := newBrowser(t, gw.router)
	b.state()
	assertStatus(t, b.json(http.MethodPost, "/api/messages", map[string]string{"content": "hello there"}), http.StatusOK)
	if gw.sessions.Len() != 1 {
		t.Fatalf("expected one live session")
	}

	rec := b.json(http.MethodPost, "/api/session/end", nil)
	assertStatus(t, rec, http.StatusNoContent)
	if gw.sessions.Len() != 0 {
		t.Fatalf("expected session closed")
	}
	if st := b.state(); len(st.Conversations) != 0 {
		t.Fatalf("expected a fresh session, got %+v", st.Conversations)
	}
}

func TestAuthenticatedFlowAndSignOut(t *testing.T) {
	convsURL := newConvService(t)
	client := backend.NewConversationClient(convsURL, 5*time.Second, nil)
	token := loginUser(t, convsURL, "dana", "lawyer")

	gw := newTestGateway(t, client)
	b := newBrowser(t, gw.router)
	b.bearer = token

	st := b.state()
	if st.Mode != "authenticated" || st.Identity == nil || st.Identity.DisplayName != "Dana" {
		t.Fatalf("expected authenticated state, got %+v", st)
	}
	if st.Style != models.StyleProfessional {
		t.Fatalf("expected role default style, got %q", st.Style)
	}

	rec := b.json(http.MethodPost, "/api/messages", map[string]string{"content": "Draft a demand letter outline"})
	assertStatus(t, rec, http.StatusOK)

	list, err := client.List(context.Background(), token)
	if err != nil {
		t.Fatalf("list remote conversations: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Draft a demand letter outline" {
		t.Fatalf("unexpected remote list: %+v", list)
	}
	msgs, err := client.Messages(context.Background(), token, list[0].ID)
	if err != nil {
		t.Fatalf("load remote messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 remote messages, got %d", len(msgs))
	}

	// losing the token clears everything that belonged to the user
	b.bearer = ""
	st = b.state()
	if st.Identity != nil || st.Mode != "anonymous" || len(st.Conversations) != 0 || len(st.Messages) != 0 {
		t.Fatalf("expected cleared anonymous state, got %+v", st)
	}
}

func newConvService(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	router := gin.New()
	convservice.NewHandler(convservice.NewStore(db), auth.NewService(db, nil, time.Hour), nil).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func loginUser(t *testing.T, baseURL, username, role string) string {
	t.Helper()
	post := func(path string, body map[string]string) *http.Response {
		raw, _ := json.Marshal(body)
		resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		return resp
	}
	resp := post("/api/users/register", map[string]string{
		"username": username, "password": "secret-pass", "display_name": "Dana", "role": role,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", resp.StatusCode)
	}
	resp = post("/api/users/login", map[string]string{"username": username, "password": "secret-pass"})
	defer resp.Body.Close()
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AuthToken == "" {
		t.Fatalf("login failed: %v", err)
	}
	return body.AuthToken
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
