package http

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
)

type streamChatRequest struct {
	SessionID      string         `json:"session_id"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Language       string         `json:"language,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Connect opens a long-lived event stream for the caller. Messages
// dispatched to the returned session id via StreamChat are delivered
// here.
// GET /api/streaming/connect
func (h *Handler) Connect(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	sess := h.svc.Connect(ident.UserID)
	return h.streamSession(c, sess.SessionID)
}

// StreamChat dispatches a message into an existing streaming session.
// The response acknowledges the dispatch; events flow to the session's
// consumer.
// POST /api/streaming/chat
func (h *Handler) StreamChat(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	var req streamChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "invalid request body",
		})
	}
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "session_id is required",
		})
	}

	err = h.svc.Dispatch(c.Request().Context(), req.SessionID, &service.SendRequest{
		UserID:         ident.UserID,
		AccessToken:    ident.AccessToken,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Timezone:       req.Timezone,
		Language:       req.Language,
		Attributes:     req.Attributes,
	})
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
}

// StreamingStatus reports the broker's live session counts and the
// caller's own sessions.
// GET /api/streaming/status
func (h *Handler) StreamingStatus(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"active_sessions": h.broker.SessionCount(),
		"active_users":    h.broker.UserCount(),
		"user_sessions":   h.broker.ListUserSessions(ident.UserID),
	})
}

// CloseSession tears down one of the caller's streaming sessions.
// DELETE /api/streaming/sessions/:session_id
func (h *Handler) CloseSession(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}

	sessionID := c.Param("session_id")
	if err := h.broker.Close(sessionID, ident.UserID); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
	})
}

// streamSession consumes the session's events and writes them to the
// response as Server-Sent Events. After the broker's queue drains, a
// final disconnected frame marks the end of the connection.
func (h *Handler) streamSession(c echo.Context, sessionID string) error {
	ctx := c.Request().Context()

	events, err := h.broker.Consume(ctx, sessionID)
	if err != nil {
		return httpError(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().Header().Set("X-Session-ID", sessionID)
	c.Response().WriteHeader(http.StatusOK)

	flusher, _ := c.Response().Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for ev := range events {
		frame, err := domain.EncodeSSE(ev)
		if err != nil {
			log.Printf("ERROR: failed to encode stream event: %v", err)
			continue
		}
		if _, err := io.WriteString(c.Response().Writer, frame); err != nil {
			// Client went away; the broker tears the session down via
			// the consumer context.
			return nil
		}
		flush()
	}

	frame, err := domain.EncodeSSE(domain.DisconnectedEvent{
		Timestamp: time.Now(),
		Message:   "Stream ended",
	})
	if err == nil {
		if _, werr := io.WriteString(c.Response().Writer, frame); werr == nil {
			flush()
		}
	}
	return nil
}
