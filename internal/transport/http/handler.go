// Package http provides the HTTP handlers for the chat backend.
package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tomofuminijo/HealthmateUI/internal/auth"
	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	svc    *service.ChatService
	broker *broker.Broker
}

// NewHandler creates a new handler.
func NewHandler(svc *service.ChatService, br *broker.Broker) *Handler {
	return &Handler{svc: svc, broker: br}
}

// RegisterRoutes registers routes with the echo server. The auth
// middleware applies to everything under /api.
func (h *Handler) RegisterRoutes(e *echo.Echo, authMW echo.MiddlewareFunc) {
	api := e.Group("/api", authMW)

	// Chat API
	api.POST("/chat/send", h.SendMessage)
	api.GET("/chat/history", h.GetHistory)
	api.DELETE("/chat/history", h.ClearHistory)
	api.GET("/chat/conversations", h.ListConversations)

	// Streaming API
	api.GET("/streaming/connect", h.Connect)
	api.POST("/streaming/chat", h.StreamChat)
	api.GET("/streaming/status", h.StreamingStatus)
	api.DELETE("/streaming/sessions/:session_id", h.CloseSession)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"active_sessions": h.broker.SessionCount(),
	})
}

func identity(c echo.Context) (*auth.Identity, error) {
	ident, ok := auth.FromContext(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}
	return ident, nil
}

// httpError maps the internal error taxonomy onto an HTTP response.
func httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAuthRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrAuthDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrUpstreamUnavailable), errors.Is(err, domain.ErrEmptyCompletion):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   service.UserFacingError(err),
	})
}
