package dispatch

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"lexichat/internal/apperr"
)

var (
	contentFields        = []string{"response", "answer", "message", "content", "reply", "text"}
	conversationIDFields = []string{"conversation_id", "conversationId"}
)

// Reply is the canonical assistant record every endpoint payload is reduced to.
type Reply struct {
	Content        string
	ConversationID string
}

// Normalize extracts the assistant reply from a general or document chat payload.
func Normalize(op string, payload []byte) (Reply, error) {
	if !gjson.ValidBytes(payload) {
		return Reply{}, apperr.Transient(op, 0, errors.New("malformed response payload"))
	}
	res := gjson.ParseBytes(payload)
	var reply Reply
	for _, field := range contentFields {
		if v := res.Get(field); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			reply.Content = v.String()
			break
		}
	}
	for _, field := range conversationIDFields {
		if v := res.Get(field); v.Exists() && v.String() != "" {
			reply.ConversationID = v.String()
			break
		}
	}
	if reply.Content == "" {
		return Reply{}, apperr.Transient(op, 0, errors.New("response carries no content"))
	}
	return reply, nil
}

const rewriteThreshold = 20

var genericDocumentRefs = []string{
	"summarize", "summarise", "summary", "overview",
	"explain this", "explain it", "explain the document",
	"what is this", "what's this", "what is it",
	"tell me about", "analyze", "analyse", "key points",
}

// RewriteQuestion turns short generic questions about the attached document into a fuller prompt.
func RewriteQuestion(question string) string {
	q := strings.TrimSpace(question)
	if utf8.RuneCountInString(q) >= rewriteThreshold {
		return q
	}
	lower := strings.ToLower(q)
	for _, ref := range genericDocumentRefs {
		if strings.Contains(lower, ref) {
			return "Please give a clear summary of this document: its purpose, the parties involved, " +
				"the key terms and obligations, and any important dates or deadlines. (Question: " + q + ")"
		}
	}
	return q
}
