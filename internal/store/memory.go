package store

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

// history holds the ordered messages of one (user, conversation) pair.
// Appends and status updates lock the entry, not the whole store.
type history struct {
	mu       sync.Mutex
	userID   string
	messages []*domain.Message
}

// MemoryStore is the volatile reference implementation. Collection
// maps are guarded by a single RWMutex; per-history mutation takes the
// entry lock only. A message-id index avoids the linear scan across
// histories on status updates.
type MemoryStore struct {
	guard ContentGuard

	mu            sync.RWMutex
	histories     map[string]*history             // "user:conversation" -> history
	conversations map[string]*domain.Conversation // conversation id -> conversation
	index         map[string]*history             // message id -> owning history
}

// NewMemoryStore creates an empty in-memory store. The guard screens
// content on every append; it may be nil in tests.
func NewMemoryStore(guard ContentGuard) *MemoryStore {
	return &MemoryStore{
		guard:         guard,
		histories:     make(map[string]*history),
		conversations: make(map[string]*domain.Conversation),
		index:         make(map[string]*history),
	}
}

func historyKey(userID, conversationID string) string {
	return userID + ":" + conversationID
}

func (s *MemoryStore) AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, metadata map[string]string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, domain.NewValidationError("role", "unknown message role")
	}

	sanitized, err := prepareContent(ctx, s.guard, content)
	if err != nil {
		return nil, err
	}

	conv, err := s.GetOrCreateConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &domain.Message{
		MessageID:      "msg_" + uuid.New().String()[:8],
		ConversationID: conv.ConversationID,
		UserID:         userID,
		Role:           role,
		Content:        sanitized,
		Status:         domain.StatusSent,
		CreatedAt:      now,
		Metadata:       metadata,
	}

	key := historyKey(userID, conv.ConversationID)

	s.mu.Lock()
	h, ok := s.histories[key]
	if !ok {
		h = &history{userID: userID}
		s.histories[key] = h
	}
	s.index[msg.MessageID] = h
	if c, ok := s.conversations[conv.ConversationID]; ok {
		c.MessageCount++
		c.LastActivity = now
	}
	s.mu.Unlock()

	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()

	out := *msg
	return &out, nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, userID, conversationID string, limit, offset int) ([]domain.Message, error) {
	messages := s.collect(userID, conversationID)
	start, end := clampPage(limit, offset, len(messages))
	return messages[start:end], nil
}

func (s *MemoryStore) CountMessages(ctx context.Context, userID, conversationID string) (int, error) {
	return len(s.collect(userID, conversationID)), nil
}

// collect snapshots the scoped messages. The cross-conversation merge
// re-sorts by timestamp, which costs O(total messages) per call.
func (s *MemoryStore) collect(userID, conversationID string) []domain.Message {
	var snapshots []*history

	s.mu.RLock()
	if conversationID != "" {
		if h, ok := s.histories[historyKey(userID, conversationID)]; ok {
			snapshots = append(snapshots, h)
		}
	} else {
		for _, h := range s.histories {
			if h.userID == userID {
				snapshots = append(snapshots, h)
			}
		}
	}
	s.mu.RUnlock()

	messages := make([]domain.Message, 0)
	for _, h := range snapshots {
		h.mu.Lock()
		for _, m := range h.messages {
			messages = append(messages, *m)
		}
		h.mu.Unlock()
	}

	if conversationID == "" {
		sort.SliceStable(messages, func(i, j int) bool {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		})
	}
	return messages
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, messageID string, status domain.Status) (bool, error) {
	if !status.Valid() {
		return false, domain.NewValidationError("status", "unknown message status")
	}

	s.mu.RLock()
	h, ok := s.index[messageID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.messages {
		if m.MessageID == messageID {
			m.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != "" {
		if c, ok := s.conversations[conversationID]; ok {
			if c.UserID == userID {
				c.LastActivity = now
				out := *c
				return &out, nil
			}
			// Never leak another user's conversation. Logged apart
			// from a genuine miss so an integration bug where a
			// client sends a foreign id is visible.
			log.Printf("WARN: conversation %s requested by non-owner %s, creating fresh", conversationID, userID)
			conversationID = ""
		}
	}

	id := conversationID
	if id == "" {
		id = "conv_" + uuid.New().String()[:8]
	}
	c := &domain.Conversation{
		ConversationID: id,
		UserID:         userID,
		CreatedAt:      now,
		LastActivity:   now,
		Active:         true,
	}
	s.conversations[id] = c
	out := *c
	return &out, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	out := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *MemoryStore) DeleteHistory(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := func(id string) {
		key := historyKey(userID, id)
		if h, ok := s.histories[key]; ok {
			h.mu.Lock()
			for _, m := range h.messages {
				delete(s.index, m.MessageID)
			}
			h.mu.Unlock()
			delete(s.histories, key)
		}
		delete(s.conversations, id)
	}

	if conversationID != "" {
		if c, ok := s.conversations[conversationID]; ok && c.UserID == userID {
			remove(conversationID)
		}
		return nil
	}

	for id, c := range s.conversations {
		if c.UserID == userID {
			remove(id)
		}
	}
	return nil
}

func (s *MemoryStore) CleanupConversations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, c := range s.conversations {
		if c.LastActivity.Before(cutoff) {
			key := historyKey(c.UserID, id)
			if h, ok := s.histories[key]; ok {
				h.mu.Lock()
				for _, m := range h.messages {
					delete(s.index, m.MessageID)
				}
				h.mu.Unlock()
				delete(s.histories, key)
			}
			delete(s.conversations, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
