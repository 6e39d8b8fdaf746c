package reveal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUnknownMessageIsFullyRevealed(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	defer s.Close()
	shown, total := s.Visible("history-1", "line one\nline two\nline three")
	assert.Equal(t, 3, shown)
	assert.Equal(t, 3, total)
}

func TestRevealIsMonotonicAndCompletes(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, nil)
	defer s.Close()
	ticks, stop := s.Subscribe(64)
	defer stop()

	content := "a\nb\nc\nd\ne"
	s.Start("m1", content)

	last := 0
	deadline := time.After(2 * time.Second)
	for last < 5 {
		select {
		case p := <-ticks:
			require.Equal(t, "m1", p.MessageID)
			require.GreaterOrEqual(t, p.Visible, last)
			require.Equal(t, 5, p.Total)
			last = p.Visible
		case <-deadline:
			t.Fatalf("reveal stalled at %d lines", last)
		}
	}
	shown, total := s.Visible("m1", content)
	assert.Equal(t, total, shown)
	assert.Empty(t, s.Pending())
}

func TestSingleLineNeedsNoTimer(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	defer s.Close()
	s.Start("m1", "short answer")
	assert.Empty(t, s.Pending())
	shown, total := s.Visible("m1", "short answer")
	assert.Equal(t, 1, shown)
	assert.Equal(t, 1, total)
}

func TestCancelStopsTimers(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	defer s.Close()
	s.Start("m1", "a\nb")
	s.Start("m2", "a\nb\nc")

	shown, _ := s.Visible("m1", "a\nb")
	assert.Equal(t, 1, shown)
	assert.ElementsMatch(t, []string{"m1", "m2"}, s.Pending())

	s.Cancel("m1", "missing")
	assert.Equal(t, []string{"m2"}, s.Pending())

	s.Reset()
	assert.Empty(t, s.Pending())
}

func TestRestartReplacesEntry(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	defer s.Close()
	s.Start("m1", "a\nb")
	s.Start("m1", "a\nb\nc\nd")
	shown, total := s.Visible("m1", "a\nb\nc\nd")
	assert.Equal(t, 1, shown)
	assert.Equal(t, 4, total)
	assert.Len(t, s.Pending(), 1)
}

func TestCloseDetachesSubscribers(t *testing.T) {
	s := NewScheduler(time.Millisecond, nil)
	ticks, stop := s.Subscribe(1)
	s.Start("m1", "a\nb\nc")
	s.Close()
	stop()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ticks:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	s.Start("m2", "a\nb")
	assert.Empty(t, s.Pending())
}
