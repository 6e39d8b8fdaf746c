package models

// PlaceholderTitle is the title of a conversation that has not received a user message yet.
const PlaceholderTitle = "New Conversation"

// Conversation groups a sequence of messages with its summary metadata.
type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	LastMessage string `json:"last_message"`
	Timestamp   int64  `json:"timestamp"` // unix millis of the last change
	Mode        string `json:"mode"`
}

// HasPlaceholderTitle reports whether the title is still the default one.
func (c Conversation) HasPlaceholderTitle() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}
