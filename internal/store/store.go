// Package store provides message history and conversation persistence.
// The reference implementation is in-memory; a SQLite implementation
// backs deployments that need durability.
package store

import (
	"context"
	"time"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

// ContentGuard screens raw message content before it is stored.
// A block decision surfaces as a ValidationError.
type ContentGuard interface {
	Check(ctx context.Context, content string) error
}

// Store is the persistence interface for messages and conversations.
type Store interface {
	// AppendMessage validates and sanitizes content, resolves or
	// creates the conversation, and appends the message to the
	// (user, conversation) history.
	AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, metadata map[string]string) (*domain.Message, error)

	// GetHistory returns the conversation's messages, or the user's
	// messages across all conversations re-sorted by timestamp when
	// conversationID is empty. Returns an empty slice, never an
	// error, when nothing matches.
	GetHistory(ctx context.Context, userID, conversationID string, limit, offset int) ([]domain.Message, error)

	// CountMessages mirrors GetHistory's scoping rule.
	CountMessages(ctx context.Context, userID, conversationID string) (int, error)

	// UpdateStatus updates a message's status by identifier. Returns
	// false, not an error, when the identifier is unknown.
	UpdateStatus(ctx context.Context, messageID string, status domain.Status) (bool, error)

	// GetOrCreateConversation resolves a caller-supplied conversation
	// or creates one lazily. An ownership mismatch is treated as not
	// found; the caller never sees another user's conversation.
	GetOrCreateConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)

	// GetConversation looks up a conversation with no ownership
	// check. Callers must verify ownership themselves.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations ordered by
	// most recent activity.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// DeleteHistory removes the conversation and its messages, or all
	// of the user's conversations when conversationID is empty.
	DeleteHistory(ctx context.Context, userID, conversationID string) error

	// CleanupConversations removes conversations idle beyond maxAge
	// and returns how many were removed.
	CleanupConversations(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}

// prepareContent runs the shared ingestion pipeline: validation,
// content-guard screening, then sanitization.
func prepareContent(ctx context.Context, guard ContentGuard, raw string) (string, error) {
	if err := domain.ValidateContent(raw); err != nil {
		return "", err
	}
	if guard != nil {
		if err := guard.Check(ctx, raw); err != nil {
			return "", err
		}
	}
	sanitized := domain.SanitizeContent(raw)
	if sanitized == "" {
		return "", domain.NewValidationError("message", "message content cannot be empty")
	}
	return sanitized, nil
}

func clampPage(limit, offset, total int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
