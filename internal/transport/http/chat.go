package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
)

type sendMessageRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Language       string         `json:"language,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

type messageJSON struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Status         string            `json:"status"`
	Timestamp      string            `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type conversationJSON struct {
	ConversationID string `json:"conversation_id"`
	CreatedAt      string `json:"created_at"`
	LastActivity   string `json:"last_activity"`
	MessageCount   int    `json:"message_count"`
	Active         bool   `json:"active"`
}

func toMessageJSON(m *domain.Message) messageJSON {
	return messageJSON{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		Status:         string(m.Status),
		Timestamp:      m.CreatedAt.Format(time.RFC3339Nano),
		Metadata:       m.Metadata,
	}
}

func toConversationJSON(cv *domain.Conversation) conversationJSON {
	return conversationJSON{
		ConversationID: cv.ConversationID,
		CreatedAt:      cv.CreatedAt.Format(time.RFC3339Nano),
		LastActivity:   cv.LastActivity.Format(time.RFC3339Nano),
		MessageCount:   cv.MessageCount,
		Active:         cv.Active,
	}
}

// SendMessage handles a chat message. With stream unset it blocks for
// the whole assistant response; with stream set it answers with an
// event stream instead.
// POST /api/chat/send
func (h *Handler) SendMessage(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "invalid request body",
		})
	}

	sreq := &service.SendRequest{
		UserID:         ident.UserID,
		AccessToken:    ident.AccessToken,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Timezone:       req.Timezone,
		Language:       req.Language,
		Attributes:     req.Attributes,
	}

	if req.Stream {
		sess := h.svc.Stream(c.Request().Context(), sreq)
		return h.streamSession(c, sess.SessionID)
	}

	result, err := h.svc.SendMessage(c.Request().Context(), sreq)
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":      true,
		"message_id":   result.UserMessage.MessageID,
		"user_message": toMessageJSON(result.UserMessage),
		"ai_response":  toMessageJSON(result.AIMessage),
		"metadata":     result.Metadata,
	})
}

// GetHistory returns one page of chat history.
// GET /api/chat/history?conversation_id=&limit=&offset=
func (h *Handler) GetHistory(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	result, err := h.svc.History(c.Request().Context(), ident.UserID, c.QueryParam("conversation_id"), limit, offset)
	if err != nil {
		return httpError(c, err)
	}

	messages := make([]messageJSON, 0, len(result.Messages))
	for i := range result.Messages {
		messages = append(messages, toMessageJSON(&result.Messages[i]))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages":    messages,
		"total_count": result.TotalCount,
		"has_more":    result.HasMore,
	})
}

// ClearHistory deletes a conversation, or all of the caller's history
// when no conversation is given.
// DELETE /api/chat/history?conversation_id=
func (h *Handler) ClearHistory(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	if err := h.svc.ClearHistory(c.Request().Context(), ident.UserID, c.QueryParam("conversation_id")); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Chat history cleared",
	})
}

// ListConversations returns the caller's conversations.
// GET /api/chat/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	convs, err := h.svc.ListConversations(c.Request().Context(), ident.UserID)
	if err != nil {
		return httpError(c, err)
	}

	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, toConversationJSON(&convs[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": out,
		"total_count":   len(out),
	})
}

func queryInt(c echo.Context, name string, defaultVal int) int {
	if raw := c.QueryParam(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return defaultVal
}
