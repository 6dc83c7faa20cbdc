// Package service orchestrates chat requests: it persists messages,
// invokes the completion runtime, and relays the resulting event
// sequence through streaming sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/runtime"
	"github.com/tomofuminijo/HealthmateUI/internal/store"
)

const (
	defaultTimezone = "Asia/Tokyo"
	defaultLanguage = "ja"

	thinkingMessage  = "AI is processing your message..."
	completedMessage = "Response completed"

	// maxHistoryLimit caps one history page.
	maxHistoryLimit = 100
)

// Completer is the completion runtime surface the service needs.
type Completer interface {
	Complete(ctx context.Context, req *runtime.Request) (string, error)
	CompleteStream(ctx context.Context, req *runtime.Request) (<-chan runtime.Chunk, error)
}

// ChatService wires the message store, the streaming broker and the
// completion runtime together.
type ChatService struct {
	store     store.Store
	broker    *broker.Broker
	completer Completer

	// Runtime session ids are sticky per conversation so the runtime
	// can keep its own context across turns. Like chat history in the
	// memory store, they do not survive a restart.
	mu              sync.Mutex
	runtimeSessions map[string]string
}

// NewChatService creates the orchestration service.
func NewChatService(st store.Store, br *broker.Broker, completer Completer) *ChatService {
	return &ChatService{
		store:           st,
		broker:          br,
		completer:       completer,
		runtimeSessions: make(map[string]string),
	}
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	UserID         string
	AccessToken    string
	Message        string
	ConversationID string
	Timezone       string
	Language       string
	// Attributes are caller-supplied extras forwarded to the runtime.
	Attributes map[string]any
}

func (r *SendRequest) normalize() {
	if r.Timezone == "" {
		r.Timezone = defaultTimezone
	}
	if r.Language == "" {
		r.Language = defaultLanguage
	}
}

// SendResult is the synchronous response to a non-streaming send.
type SendResult struct {
	UserMessage *domain.Message
	AIMessage   *domain.Message
	Metadata    map[string]string
}

// HistoryResult is one page of conversation history.
type HistoryResult struct {
	Messages   []domain.Message
	TotalCount int
	HasMore    bool
}

func (s *ChatService) runtimeSessionFor(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.runtimeSessions[conversationID]; ok {
		return id
	}
	id := runtime.EnsureSessionID("")
	s.runtimeSessions[conversationID] = id
	return id
}

func (s *ChatService) forgetRuntimeSessions(conversationIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range conversationIDs {
		delete(s.runtimeSessions, id)
	}
}

// SendMessage runs the whole-response chat flow: store the user
// message, block on the runtime, store the assistant message. On
// runtime failure the user message is marked errored and the
// classified error is returned.
func (s *ChatService) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	req.normalize()

	userMsg, err := s.store.AppendMessage(ctx, req.UserID, req.ConversationID, domain.RoleUser, req.Message, map[string]string{
		"timezone": req.Timezone,
		"language": req.Language,
	})
	if err != nil {
		return nil, err
	}

	text, err := s.completer.Complete(ctx, &runtime.Request{
		Prompt:      req.Message,
		AccessToken: req.AccessToken,
		Timezone:    req.Timezone,
		Language:    req.Language,
		SessionID:   s.runtimeSessionFor(userMsg.ConversationID),
		Attributes:  req.Attributes,
	})
	if err != nil {
		s.markError(ctx, userMsg.MessageID)
		log.Printf("ERROR: completion failed for user %s: %v", req.UserID, err)
		return nil, err
	}

	aiMsg, err := s.store.AppendMessage(ctx, req.UserID, userMsg.ConversationID, domain.RoleAssistant, text, map[string]string{
		"timezone": req.Timezone,
		"language": req.Language,
	})
	if err != nil {
		s.markError(ctx, userMsg.MessageID)
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}

	s.markDelivered(ctx, userMsg.MessageID, aiMsg.MessageID)
	userMsg.Status = domain.StatusDelivered
	aiMsg.Status = domain.StatusDelivered

	return &SendResult{
		UserMessage: userMsg,
		AIMessage:   aiMsg,
		Metadata: map[string]string{
			"conversation_id": userMsg.ConversationID,
			"timezone":        req.Timezone,
			"language":        req.Language,
		},
	}, nil
}

// Connect opens a new streaming session for the user. Its event
// sequence begins with a connected event; no producer is started.
func (s *ChatService) Connect(userID string) *broker.Session {
	sess := s.broker.CreateSession(userID)
	s.broker.Push(sess.SessionID, domain.ConnectedEvent{
		Timestamp: time.Now(),
		SessionID: sess.SessionID,
		UserID:    userID,
		Message:   "Streaming session established",
	})
	return sess
}

// Stream opens a new streaming session for the request and starts the
// producer. The returned session is ready for the transport to
// consume. Cancelling ctx aborts the producer.
func (s *ChatService) Stream(ctx context.Context, req *SendRequest) *broker.Session {
	req.normalize()

	sess := s.Connect(req.UserID)
	go s.produce(ctx, sess.SessionID, req)
	return sess
}

// Dispatch runs the streaming chat flow against an already-connected
// session. It fails with ErrNotFound when the session does not exist
// or is not owned by the requesting user. The producer is detached
// from ctx's cancellation: it outlives the dispatching request and
// delivers to the session's own consumer.
func (s *ChatService) Dispatch(ctx context.Context, sessionID string, req *SendRequest) error {
	req.normalize()

	sess, err := s.broker.Lookup(sessionID, req.UserID)
	if err != nil {
		return err
	}

	go s.produce(context.WithoutCancel(ctx), sess.SessionID, req)
	return nil
}

// produce emits the canonical event sequence for one message into the
// session: user_message, ai_thinking, ai_chunk*, ai_message_complete,
// then exactly one terminal complete or error event.
func (s *ChatService) produce(ctx context.Context, sessionID string, req *SendRequest) {
	userMsg, err := s.store.AppendMessage(ctx, req.UserID, req.ConversationID, domain.RoleUser, req.Message, map[string]string{
		"timezone": req.Timezone,
		"language": req.Language,
	})
	if err != nil {
		s.pushError(sessionID, err)
		return
	}

	s.broker.Push(sessionID, domain.UserMessageEvent{
		Timestamp: time.Now(),
		MessageID: userMsg.MessageID,
		Content:   userMsg.Content,
		CreatedAt: userMsg.CreatedAt,
	})
	s.broker.Push(sessionID, domain.ThinkingEvent{
		Timestamp: time.Now(),
		Message:   thinkingMessage,
	})

	chunks, err := s.completer.CompleteStream(ctx, &runtime.Request{
		Prompt:      req.Message,
		AccessToken: req.AccessToken,
		Timezone:    req.Timezone,
		Language:    req.Language,
		SessionID:   s.runtimeSessionFor(userMsg.ConversationID),
		Attributes:  req.Attributes,
	})
	if err != nil {
		s.markError(ctx, userMsg.MessageID)
		log.Printf("ERROR: streaming completion failed for user %s: %v", req.UserID, err)
		s.pushError(sessionID, err)
		return
	}

	var assembled string
	var accumulated int
	for chunk := range chunks {
		if chunk.Err != nil {
			s.markError(ctx, userMsg.MessageID)
			log.Printf("ERROR: completion stream broke for user %s: %v", req.UserID, chunk.Err)
			s.pushError(sessionID, chunk.Err)
			return
		}
		if chunk.Done {
			break
		}
		if chunk.Text == "" {
			continue
		}
		assembled += chunk.Text
		// Accumulated length counts code points, not bytes, so
		// multibyte responses report the length the client sees.
		accumulated += utf8.RuneCountInString(chunk.Text)
		s.broker.Push(sessionID, domain.ChunkEvent{
			Timestamp:         time.Now(),
			Text:              chunk.Text,
			AccumulatedLength: accumulated,
		})
	}

	if assembled == "" {
		s.markError(ctx, userMsg.MessageID)
		s.pushError(sessionID, domain.ErrEmptyCompletion)
		return
	}

	aiMsg, err := s.store.AppendMessage(ctx, req.UserID, userMsg.ConversationID, domain.RoleAssistant, assembled, map[string]string{
		"timezone": req.Timezone,
		"language": req.Language,
	})
	if err != nil {
		s.markError(ctx, userMsg.MessageID)
		s.pushError(sessionID, fmt.Errorf("failed to store assistant message: %w", err))
		return
	}
	s.markDelivered(ctx, userMsg.MessageID, aiMsg.MessageID)

	s.broker.Push(sessionID, domain.AIMessageCompleteEvent{
		Timestamp: time.Now(),
		MessageID: aiMsg.MessageID,
		Content:   aiMsg.Content,
		CreatedAt: aiMsg.CreatedAt,
	})
	s.broker.Push(sessionID, domain.CompleteEvent{
		Timestamp: time.Now(),
		Message:   completedMessage,
	})
}

func (s *ChatService) markError(ctx context.Context, messageID string) {
	if _, err := s.store.UpdateStatus(ctx, messageID, domain.StatusError); err != nil {
		log.Printf("WARN: failed to mark message %s errored: %v", messageID, err)
	}
}

func (s *ChatService) markDelivered(ctx context.Context, messageIDs ...string) {
	for _, id := range messageIDs {
		if _, err := s.store.UpdateStatus(ctx, id, domain.StatusDelivered); err != nil {
			log.Printf("WARN: failed to mark message %s delivered: %v", id, err)
		}
	}
}

// pushError emits the single terminal error event with a user-facing
// message derived from the error taxonomy.
func (s *ChatService) pushError(sessionID string, err error) {
	s.broker.Push(sessionID, domain.ErrorEvent{
		Timestamp: time.Now(),
		Message:   UserFacingError(err),
	})
}

// UserFacingError maps an internal error onto the message shown to the
// client. Internal details never cross this boundary.
func UserFacingError(err error) string {
	switch {
	case err == nil:
		return ""
	case domain.IsValidation(err):
		return err.Error()
	case errors.Is(err, domain.ErrAuthRejected):
		return "Authentication with the AI service failed. Please sign in again."
	case errors.Is(err, domain.ErrAuthDenied):
		return "You are not authorized to use the AI service."
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "The AI service took too long to respond. Please try again."
	case errors.Is(err, domain.ErrEmptyCompletion):
		return "The AI service returned no response. Please try again."
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "The AI service is temporarily unavailable. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// History returns one page of messages with pagination metadata. The
// limit is clamped to the maximum page size; has-more is computed
// against the total count.
func (s *ChatService) History(ctx context.Context, userID, conversationID string, limit, offset int) (*HistoryResult, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	total, err := s.store.CountMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.GetHistory(ctx, userID, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}

	return &HistoryResult{
		Messages:   messages,
		TotalCount: total,
		HasMore:    offset+len(messages) < total,
	}, nil
}

// ClearHistory deletes the conversation's messages, or the user's
// entire history when no conversation is given.
func (s *ChatService) ClearHistory(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		convs, err := s.store.ListConversations(ctx, userID)
		if err == nil {
			ids := make([]string, 0, len(convs))
			for _, c := range convs {
				ids = append(ids, c.ConversationID)
			}
			s.forgetRuntimeSessions(ids...)
		}
	} else {
		s.forgetRuntimeSessions(conversationID)
	}
	return s.store.DeleteHistory(ctx, userID, conversationID)
}

// ListConversations returns the user's conversations, most recently
// active first.
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// StartCleanup launches the periodic conversation cleanup loop.
func (s *ChatService) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.CleanupConversations(ctx, maxAge)
				if err != nil {
					log.Printf("WARN: conversation cleanup failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("INFO: cleaned up %d stale conversations", n)
				}
			}
		}
	}()
}
