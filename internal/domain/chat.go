package domain

import (
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the maximum message content length in code points.
const MaxContentLength = 4000

// Message represents a single message in a conversation.
type Message struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Conversation represents a logical grouping of messages between one
// user and the assistant.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	MessageCount   int       `json:"message_count"`
	Active         bool      `json:"active"`
}

var (
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
	leadingWS  = regexp.MustCompile(`\n[ \t]+`)
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
)

// SanitizeContent normalizes message content for storage: HTML-escapes
// the text, collapses runs of spaces and tabs to a single space, and
// strips spaces around newlines. Newlines themselves are preserved.
func SanitizeContent(raw string) string {
	sanitized := html.EscapeString(strings.TrimSpace(raw))
	sanitized = spaceRuns.ReplaceAllString(sanitized, " ")
	sanitized = leadingWS.ReplaceAllString(sanitized, "\n")
	sanitized = trailingWS.ReplaceAllString(sanitized, "\n")
	return sanitized
}

// ValidateContent checks raw message content before any side effect.
// Empty or whitespace-only content and content longer than
// MaxContentLength code points fail with a ValidationError.
func ValidateContent(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return NewValidationError("message", "message content cannot be empty")
	}
	if utf8.RuneCountInString(raw) > MaxContentLength {
		return NewValidationError("message", "message content exceeds maximum length")
	}
	return nil
}
