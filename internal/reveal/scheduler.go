// Package reveal staggers the visible appearance of assistant replies line by line.
package reveal

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/logger"
)

const DefaultInterval = 200 * time.Millisecond

// Progress is one reveal tick of a message.
type Progress struct {
	MessageID string `json:"message_id"`
	Visible   int    `json:"visible"`
	Total     int    `json:"total"`
}

// Done reports whether every line is visible.
func (p Progress) Done() bool {
	return p.Visible >= p.Total
}

type entry struct {
	lineIndex  int
	totalLines int
	timer      *time.Timer
}

// Scheduler tracks partially revealed messages. Messages without an entry are fully revealed.
type Scheduler struct {
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[int]chan Progress
	nextSub int
	closed  bool
}

func NewScheduler(interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		log:      logger.OrNop(log),
		entries:  make(map[string]*entry),
		subs:     make(map[int]chan Progress),
	}
}

// Start begins revealing content for a freshly delivered message. The first line is visible
// immediately; restarting an id replaces its entry.
func (s *Scheduler) Start(messageID, content string) {
	total := len(strings.Split(content, "\n"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.entries[messageID]; ok {
		old.timer.Stop()
		delete(s.entries, messageID)
	}
	if total <= 1 {
		s.publishLocked(Progress{MessageID: messageID, Visible: total, Total: total})
		return
	}
	e := &entry{lineIndex: 1, totalLines: total}
	e.timer = time.AfterFunc(s.interval, func() { s.advance(messageID, e) })
	s.entries[messageID] = e
	s.publishLocked(Progress{MessageID: messageID, Visible: 1, Total: total})
}

func (s *Scheduler) advance(messageID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a cancelled or restarted entry must not write into the id
	if s.entries[messageID] != e {
		return
	}
	e.lineIndex++
	s.publishLocked(Progress{MessageID: messageID, Visible: e.lineIndex, Total: e.totalLines})
	if e.lineIndex >= e.totalLines {
		delete(s.entries, messageID)
		return
	}
	e.timer.Reset(s.interval)
}

// Visible returns how many lines of the message are shown.
func (s *Scheduler) Visible(messageID, content string) (int, int) {
	total := len(strings.Split(content, "\n"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[messageID]; ok {
		return e.lineIndex, e.totalLines
	}
	return total, total
}

// Pending lists ids that are still being revealed.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Cancel stops the timers of messages that left the active log.
func (s *Scheduler) Cancel(messageIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if e, ok := s.entries[id]; ok {
			e.timer.Stop()
			delete(s.entries, id)
		}
	}
}

// Reset cancels every pending reveal.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

// Subscribe returns a channel of progress ticks and a function that detaches it.
// Slow subscribers miss ticks rather than stall the scheduler.
func (s *Scheduler) Subscribe(buffer int) (<-chan Progress, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Progress, buffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Close cancels all reveals and detaches every subscriber.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Scheduler) publishLocked(p Progress) {
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
			s.log.Debug("reveal tick dropped", zap.String("message_id", p.MessageID))
		}
	}
}
