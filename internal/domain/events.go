package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a stream event variant on the wire.
type EventType string

const (
	EventStart             EventType = "start"
	EventConnected         EventType = "connected"
	EventUserMessage       EventType = "user_message"
	EventAIThinking        EventType = "ai_thinking"
	EventAIChunk           EventType = "ai_chunk"
	EventAIMessageComplete EventType = "ai_message_complete"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
	EventDisconnected      EventType = "disconnected"
	EventKeepalive         EventType = "keepalive"
)

// StreamEvent is one event delivered over a streaming session. Each
// variant carries its own payload; the encoder switches exhaustively
// over the variants.
type StreamEvent interface {
	Kind() EventType
	At() time.Time
}

// StartEvent opens an event sequence.
type StartEvent struct {
	Timestamp time.Time
}

// ConnectedEvent announces an established streaming session.
type ConnectedEvent struct {
	Timestamp time.Time
	SessionID string
	UserID    string
	Message   string
}

// UserMessageEvent echoes the stored user message back to the client.
type UserMessageEvent struct {
	Timestamp time.Time
	MessageID string
	Content   string
	CreatedAt time.Time
}

// ThinkingEvent signals that the assistant is composing a response.
type ThinkingEvent struct {
	Timestamp time.Time
	Message   string
}

// ChunkEvent carries one incremental fragment of assistant output and
// the running length of the accumulated response.
type ChunkEvent struct {
	Timestamp         time.Time
	Text              string
	AccumulatedLength int
}

// AIMessageCompleteEvent carries the fully assembled assistant message.
type AIMessageCompleteEvent struct {
	Timestamp time.Time
	MessageID string
	Content   string
	CreatedAt time.Time
}

// CompleteEvent terminates a successful event sequence.
type CompleteEvent struct {
	Timestamp time.Time
	Message   string
}

// ErrorEvent terminates a failed event sequence with a human-readable
// message. Exactly one is emitted per failed stream.
type ErrorEvent struct {
	Timestamp time.Time
	Message   string
}

// DisconnectedEvent marks the end of the transport connection.
type DisconnectedEvent struct {
	Timestamp time.Time
	Message   string
}

// KeepaliveEvent is injected when no event arrived within the idle
// interval so intermediary proxies do not drop the connection.
type KeepaliveEvent struct {
	Timestamp time.Time
	Message   string
}

func (e StartEvent) Kind() EventType             { return EventStart }
func (e ConnectedEvent) Kind() EventType         { return EventConnected }
func (e UserMessageEvent) Kind() EventType       { return EventUserMessage }
func (e ThinkingEvent) Kind() EventType          { return EventAIThinking }
func (e ChunkEvent) Kind() EventType             { return EventAIChunk }
func (e AIMessageCompleteEvent) Kind() EventType { return EventAIMessageComplete }
func (e CompleteEvent) Kind() EventType          { return EventComplete }
func (e ErrorEvent) Kind() EventType             { return EventError }
func (e DisconnectedEvent) Kind() EventType      { return EventDisconnected }
func (e KeepaliveEvent) Kind() EventType         { return EventKeepalive }

func (e StartEvent) At() time.Time             { return e.Timestamp }
func (e ConnectedEvent) At() time.Time         { return e.Timestamp }
func (e UserMessageEvent) At() time.Time       { return e.Timestamp }
func (e ThinkingEvent) At() time.Time          { return e.Timestamp }
func (e ChunkEvent) At() time.Time             { return e.Timestamp }
func (e AIMessageCompleteEvent) At() time.Time { return e.Timestamp }
func (e CompleteEvent) At() time.Time          { return e.Timestamp }
func (e ErrorEvent) At() time.Time             { return e.Timestamp }
func (e DisconnectedEvent) At() time.Time      { return e.Timestamp }
func (e KeepaliveEvent) At() time.Time         { return e.Timestamp }

// IsTerminal reports whether ev ends its session's event sequence.
// A complete or error event is always the last event before the
// session becomes eligible for teardown.
func IsTerminal(ev StreamEvent) bool {
	switch ev.Kind() {
	case EventComplete, EventError:
		return true
	}
	return false
}

// EncodeSSE serializes one event into a Server-Sent Events frame:
// a "data: " prefixed JSON object followed by a blank-line terminator.
// The frame shape depends only on the event content.
func EncodeSSE(ev StreamEvent) (string, error) {
	data, err := EncodeJSON(ev)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data: %s\n\n", data), nil
}

// EncodeJSON serializes one event into its JSON object form, the
// payload shared by the SSE and WebSocket transports.
func EncodeJSON(ev StreamEvent) ([]byte, error) {
	payload := map[string]interface{}{
		"event_type": string(ev.Kind()),
		"timestamp":  ev.At().Format(time.RFC3339Nano),
	}

	switch e := ev.(type) {
	case StartEvent:
		// No payload beyond the envelope.
	case ConnectedEvent:
		payload["session_id"] = e.SessionID
		payload["user_id"] = e.UserID
		if e.Message != "" {
			payload["message"] = e.Message
		}
	case UserMessageEvent:
		payload["message_id"] = e.MessageID
		payload["content"] = e.Content
		payload["message_timestamp"] = e.CreatedAt.Format(time.RFC3339Nano)
	case ThinkingEvent:
		payload["message"] = e.Message
	case ChunkEvent:
		payload["text"] = e.Text
		payload["accumulated_length"] = e.AccumulatedLength
	case AIMessageCompleteEvent:
		payload["message_id"] = e.MessageID
		payload["content"] = e.Content
		payload["message_timestamp"] = e.CreatedAt.Format(time.RFC3339Nano)
	case CompleteEvent:
		if e.Message != "" {
			payload["message"] = e.Message
		}
	case ErrorEvent:
		payload["error"] = e.Message
	case DisconnectedEvent:
		if e.Message != "" {
			payload["message"] = e.Message
		}
	case KeepaliveEvent:
		if e.Message != "" {
			payload["message"] = e.Message
		}
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
