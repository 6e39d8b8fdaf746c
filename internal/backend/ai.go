package backend

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"lexichat/internal/apperr"
)

// GeneralChatRequest is the input of the general chat endpoint.
type GeneralChatRequest struct {
	Message        string `json:"message"`
	Mode           string `json:"mode"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// DocumentChatRequest is the input of the document-grounded chat endpoint.
type DocumentChatRequest struct {
	SessionID               string `json:"session_id"`
	Question                string `json:"question"`
	IncludeGeneralKnowledge bool   `json:"include_general_knowledge"`
}

// File is an upload candidate held in memory.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// UploadResult is the normalized response of the upload endpoint.
type UploadResult struct {
	SessionID string
	Filename  string
	FileType  string
	CharCount int
}

// AIClient calls the AI backend endpoints. Chat responses are returned raw; callers normalize them.
type AIClient struct {
	httpClient
}

func NewAIClient(baseURL string, timeout time.Duration, log *zap.Logger) *AIClient {
	return &AIClient{httpClient: newHTTPClient(baseURL, timeout, log)}
}

func (c *AIClient) GeneralChat(ctx context.Context, req GeneralChatRequest) ([]byte, error) {
	return c.doJSON(ctx, "general chat", http.MethodPost, "/chat", "", req)
}

func (c *AIClient) DocumentChat(ctx context.Context, req DocumentChatRequest) ([]byte, error) {
	return c.doJSON(ctx, "document chat", http.MethodPost, "/document/chat", "", req)
}

// Upload sends the file as multipart form data.
func (c *AIClient) Upload(ctx context.Context, file File) (UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload: build form: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return UploadResult{}, fmt.Errorf("upload: write form: %w", err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("upload: close form: %w", err)
	}

	payload, err := c.do(ctx, "document upload", http.MethodPost, "/document/upload", "", w.FormDataContentType(), &buf)
	if err != nil {
		return UploadResult{}, err
	}
	return parseUpload(payload, file)
}

// Dispose releases a document session on the backend.
func (c *AIClient) Dispose(ctx context.Context, sessionID string) error {
	_, err := c.doJSON(ctx, "document dispose", http.MethodDelete, "/document/session/"+url.PathEscape(sessionID), "", nil)
	return err
}

func parseUpload(payload []byte, file File) (UploadResult, error) {
	res := gjson.ParseBytes(payload)
	if success := res.Get("success"); success.Exists() && !success.Bool() {
		return UploadResult{}, apperr.Transient("document upload", 0, fmt.Errorf("backend rejected upload: %s", res.Get("error").String()))
	}
	sessionID := firstString(res, "session_id", "sessionId")
	if sessionID == "" {
		return UploadResult{}, apperr.Transient("document upload", 0, fmt.Errorf("response carries no session id"))
	}
	out := UploadResult{
		SessionID: sessionID,
		Filename:  firstString(res, "filename", "file_name"),
		FileType:  firstString(res, "file_type", "fileType"),
		CharCount: int(res.Get("char_count").Int()),
	}
	if out.Filename == "" {
		out.Filename = file.Name
	}
	if out.FileType == "" {
		out.FileType = file.MIMEType
	}
	return out, nil
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
