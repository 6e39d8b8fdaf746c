// Package notify carries user-visible success and error reports out of the engine.
package notify

import (
	"sync"
	"time"
)

// Notifier is fire-and-forget; callers never depend on its outcome.
type Notifier interface {
	Error(message string)
	Success(message string)
}

type Level string

const (
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Notification is one queued report.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Buffer queues notifications until the host drains them. Oldest entries are dropped past the limit.
type Buffer struct {
	mu    sync.Mutex
	items []Notification
	limit int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 32
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Error(message string)   { b.push(LevelError, message) }
func (b *Buffer) Success(message string) { b.push(LevelSuccess, message) }

func (b *Buffer) push(level Level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, Notification{Level: level, Message: message, At: time.Now().UTC()})
	if over := len(b.items) - b.limit; over > 0 {
		b.items = b.items[over:]
	}
}

// Drain returns and clears the queued notifications.
func (b *Buffer) Drain() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Discard drops every report.
type Discard struct{}

func (Discard) Error(string)   {}
func (Discard) Success(string) {}
