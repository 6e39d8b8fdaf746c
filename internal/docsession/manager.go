// Package docsession owns the single document session that grounds the next chat messages.
package docsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"lexichat/internal/apperr"
	"lexichat/internal/backend"
	"lexichat/internal/logger"
	"lexichat/internal/models"
)

const maxUploadBytes = 10 << 20 // 10 MB

// contentTypes maps each accepted extension to the content type its bytes must carry.
var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// Attach says how long an uploaded document stays attached.
type Attach int

const (
	// Persistent documents ground every message until removed or replaced.
	Persistent Attach = iota
	// OneOff documents ground a single message and are cleared right after it is sent.
	OneOff
)

// Backend uploads and disposes document sessions.
type Backend interface {
	Upload(ctx context.Context, file backend.File) (backend.UploadResult, error)
	Dispose(ctx context.Context, sessionID string) error
}

// Manager holds at most one document session. The slot follows a last-writer-wins rule:
// each upload or removal bumps the generation, and a completion from an older generation
// is disposed instead of installed.
type Manager struct {
	backend        Backend
	log            *zap.Logger
	disposeTimeout time.Duration

	mu      sync.Mutex
	current *models.DocumentSession
	gen     uint64
	seq     uint64
	wg      sync.WaitGroup
}

func NewManager(b Backend, disposeTimeout time.Duration, log *zap.Logger) *Manager {
	if disposeTimeout <= 0 {
		disposeTimeout = 30 * time.Second
	}
	return &Manager{backend: b, disposeTimeout: disposeTimeout, log: logger.OrNop(log)}
}

// Validate checks size, extension and that the sniffed content type matches the extension.
// It performs no I/O.
func Validate(file backend.File) (string, error) {
	if len(file.Data) == 0 {
		return "", apperr.Validation("file", "file is empty")
	}
	if len(file.Data) > maxUploadBytes {
		return "", apperr.Validation("file", "file exceeds the 10 MB limit")
	}
	ext := strings.ToLower(filepath.Ext(file.Name))
	want, ok := contentTypes[ext]
	if !ok {
		return "", apperr.Validation("file", fmt.Sprintf("unsupported file type %q", ext))
	}
	detected := mimetype.Detect(file.Data)
	for mt := detected; mt != nil; mt = mt.Parent() {
		if mt.Is(want) {
			return want, nil
		}
	}
	return "", apperr.Validation("file", fmt.Sprintf("%s content is %s, not %s", ext, detected.String(), want))
}

// Upload validates the file, installs it as the live session and uploads it.
// Any previous session is released on the backend concurrently.
func (m *Manager) Upload(ctx context.Context, file backend.File, attach Attach) (*models.DocumentSession, error) {
	contentType, err := Validate(file)
	if err != nil {
		return nil, err
	}
	file.MIMEType = contentType

	pending := &models.DocumentSession{
		Filename: filepath.Base(file.Name),
		FileType: contentType,
		OneOff:   attach == OneOff,
	}
	if strings.HasPrefix(contentType, "image/") {
		pending.Preview = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(file.Data)
	}

	m.mu.Lock()
	m.seq++
	pending.SessionID = fmt.Sprintf("%s%d", models.PendingSessionPrefix, m.seq)
	previous := m.current
	m.current = pending
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if previous != nil && !previous.IsPlaceholder() {
		m.disposeAsync(previous.SessionID)
	}

	res, err := m.backend.Upload(ctx, file)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err == nil {
			m.disposeAsync(res.SessionID)
		}
		return nil, apperr.Consistency("document session", pending.SessionID)
	}
	if err != nil {
		m.current = nil
		m.gen++
		m.mu.Unlock()
		m.log.Warn("document upload failed", zap.String("filename", pending.Filename), zap.Error(err))
		return nil, err
	}
	ready := *pending
	ready.SessionID = res.SessionID
	ready.CharCount = res.CharCount
	if res.Filename != "" {
		ready.Filename = res.Filename
	}
	ready.Ready = true
	m.current = &ready
	m.mu.Unlock()

	m.log.Info("document session ready",
		zap.String("session_id", ready.SessionID),
		zap.String("filename", ready.Filename),
		zap.Bool("one_off", ready.OneOff))
	out := ready
	return &out, nil
}

// Remove clears the slot when it holds sessionID, or whatever it holds when sessionID is
// empty, and then asks the backend to dispose that session. Ids this manager does not hold
// are left alone.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.current == nil || (sessionID != "" && m.current.SessionID != sessionID) {
		m.mu.Unlock()
		return nil
	}
	sessionID = m.current.SessionID
	m.current = nil
	m.gen++
	m.mu.Unlock()

	if strings.HasPrefix(sessionID, models.PendingSessionPrefix) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.disposeTimeout)
	defer cancel()
	if err := m.backend.Dispose(ctx, sessionID); err != nil {
		m.log.Warn("document dispose failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	return nil
}

// AttachIfPresent returns a copy of the live session, or nil.
func (m *Manager) AttachIfPresent() *models.DocumentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}

// ConsumeOneOff clears the slot if it still holds the given one-off session.
func (m *Manager) ConsumeOneOff(sessionID string) {
	m.mu.Lock()
	if m.current == nil || !m.current.OneOff || m.current.SessionID != sessionID {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.gen++
	m.mu.Unlock()
	m.disposeAsync(sessionID)
}

// Reset clears the slot and releases its backend resources.
func (m *Manager) Reset() {
	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.gen++
	m.mu.Unlock()
	if previous != nil && !previous.IsPlaceholder() {
		m.disposeAsync(previous.SessionID)
	}
}

// Wait blocks until background disposals have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) disposeAsync(sessionID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.disposeTimeout)
		defer cancel()
		if err := m.backend.Dispose(ctx, sessionID); err != nil {
			m.log.Warn("release document session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}
