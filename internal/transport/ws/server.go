// Package ws relays streaming chat sessions over WebSocket for
// clients that cannot hold an SSE connection.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tomofuminijo/HealthmateUI/internal/auth"
	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// Inbound message types.
const (
	typeChat  = "chat"
	typeClose = "close"
)

type inboundMessage struct {
	Type           string         `json:"type"`
	Message        string         `json:"message,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Language       string         `json:"language,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Server handles WebSocket chat connections.
type Server struct {
	svc      *service.ChatService
	broker   *broker.Broker
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(svc *service.ChatService, br *broker.Broker) *Server {
	return &Server{
		svc:    svc,
		broker: br,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin enforcement happens at the proxy layer.
				return true
			},
		},
	}
}

// HandleChat upgrades the connection and binds it to a fresh streaming
// session. Inbound chat messages dispatch producers into the session;
// the session's events flow back as JSON frames.
func (s *Server) HandleChat(c echo.Context) error {
	ident, ok := auth.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ERROR: failed to upgrade WebSocket: %v", err)
		return err
	}

	sess := s.svc.Connect(ident.UserID)
	ctx, cancel := context.WithCancel(c.Request().Context())

	go s.readPump(ctx, cancel, conn, sess, ident)
	s.writePump(ctx, cancel, conn, sess)
	return nil
}

// readPump consumes inbound frames until the connection drops, then
// tears the session down.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *broker.Session, ident *auth.Identity) {
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: WebSocket read error on session %s: %v", sess.SessionID, err)
			}
			return
		}
		s.handleMessage(ctx, sess, ident, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *broker.Session, ident *auth.Identity, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.broker.Push(sess.SessionID, domain.ErrorEvent{
			Timestamp: time.Now(),
			Message:   "invalid message",
		})
		return
	}

	switch msg.Type {
	case typeChat:
		err := s.svc.Dispatch(ctx, sess.SessionID, &service.SendRequest{
			UserID:         ident.UserID,
			AccessToken:    ident.AccessToken,
			Message:        msg.Message,
			ConversationID: msg.ConversationID,
			Timezone:       msg.Timezone,
			Language:       msg.Language,
			Attributes:     msg.Attributes,
		})
		if err != nil {
			log.Printf("WARN: dispatch on session %s failed: %v", sess.SessionID, err)
		}
	case typeClose:
		s.broker.Close(sess.SessionID, ident.UserID)
	default:
		s.broker.Push(sess.SessionID, domain.ErrorEvent{
			Timestamp: time.Now(),
			Message:   "unknown message type: " + msg.Type,
		})
	}
}

// writePump relays session events to the socket and keeps the
// connection alive with pings.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *broker.Session) {
	defer func() {
		cancel()
		conn.Close()
	}()

	events, err := s.broker.Consume(ctx, sess.SessionID)
	if err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.writeDisconnect(conn)
				return
			}
			frame, err := domain.EncodeJSON(ev)
			if err != nil {
				log.Printf("ERROR: failed to encode stream event: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeDisconnect(conn *websocket.Conn) {
	frame, err := domain.EncodeJSON(domain.DisconnectedEvent{
		Timestamp: time.Now(),
		Message:   "Stream ended",
	})
	if err == nil {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
