package conversation

import "strings"

const (
	titleRunes   = 40
	summaryRunes = 100
)

// Title derives a conversation title from the first user message.
func Title(content string) string {
	return truncate(content, titleRunes)
}

// Summary derives the last-message preview shown in the conversation list.
func Summary(content string) string {
	return truncate(content, summaryRunes)
}

func truncate(content string, limit int) string {
	flat := strings.Join(strings.Fields(content), " ")
	runes := []rune(flat)
	if len(runes) <= limit {
		return flat
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
