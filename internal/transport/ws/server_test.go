package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tomofuminijo/HealthmateUI/internal/auth"
	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/runtime"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
	"github.com/tomofuminijo/HealthmateUI/internal/store"
)

type fakeCompleter struct {
	chunks []string
}

func (f *fakeCompleter) Complete(ctx context.Context, req *runtime.Request) (string, error) {
	return strings.Join(f.chunks, ""), nil
}

func (f *fakeCompleter) CompleteStream(ctx context.Context, req *runtime.Request) (<-chan runtime.Chunk, error) {
	out := make(chan runtime.Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			out <- runtime.Chunk{Text: c}
		}
		out <- runtime.Chunk{Done: true}
	}()
	return out, nil
}

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()

	st := store.NewMemoryStore(nil)
	br := broker.New(broker.Options{Keepalive: time.Minute, IdleTimeout: time.Minute, ReapInterval: time.Minute})
	t.Cleanup(br.Shutdown)
	svc := service.NewChatService(st, br, &fakeCompleter{chunks: []string{"Hi", " there"}})

	e := echo.New()
	server := NewServer(svc, br)
	mw := auth.Middleware(auth.NewJWTVerifier([]byte("test")), true)
	e.GET("/ws/chat", server.HandleChat, mw)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return payload
}

func TestWebSocketChatFlow(t *testing.T) {
	conn := dialTestServer(t)

	connected := readEvent(t, conn)
	if connected["event_type"] != "connected" {
		t.Fatalf("first event = %v, want connected", connected["event_type"])
	}
	if connected["session_id"] == "" {
		t.Fatal("connected event missing session_id")
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "chat", "message": "Hello"}); err != nil {
		t.Fatalf("failed to send chat message: %v", err)
	}

	want := []string{"user_message", "ai_thinking", "ai_chunk", "ai_chunk", "ai_message_complete", "complete"}
	for _, kind := range want {
		ev := readEvent(t, conn)
		if ev["event_type"] != kind {
			t.Fatalf("event = %v, want %s", ev["event_type"], kind)
		}
	}

	// After the terminal event the server sends the disconnected
	// frame and closes.
	final := readEvent(t, conn)
	if final["event_type"] != "disconnected" {
		t.Fatalf("final event = %v, want disconnected", final["event_type"])
	}
}

func TestWebSocketUnknownMessageType(t *testing.T) {
	conn := dialTestServer(t)

	if ev := readEvent(t, conn); ev["event_type"] != "connected" {
		t.Fatalf("first event = %v, want connected", ev["event_type"])
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "dance"}); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	ev := readEvent(t, conn)
	if ev["event_type"] != "error" {
		t.Fatalf("event = %v, want error", ev["event_type"])
	}
}
