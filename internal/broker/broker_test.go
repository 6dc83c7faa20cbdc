package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

func newTestBroker(opts Options) *Broker {
	if opts.Keepalive == 0 {
		opts.Keepalive = time.Minute
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.ReapInterval == 0 {
		opts.ReapInterval = time.Minute
	}
	return New(opts)
}

func collect(t *testing.T, events <-chan domain.StreamEvent, n int) []domain.StreamEvent {
	t.Helper()
	out := make([]domain.StreamEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func waitClosed(t *testing.T, events <-chan domain.StreamEvent) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("channel not closed")
		}
	}
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	for i := 0; i < 3; i++ {
		b.Push(sess.SessionID, domain.ChunkEvent{Timestamp: time.Now(), Text: string(rune('a' + i)), AccumulatedLength: i + 1})
	}
	b.Push(sess.SessionID, domain.CompleteEvent{Timestamp: time.Now()})

	events, err := b.Consume(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	got := collect(t, events, 4)
	for i := 0; i < 3; i++ {
		chunk, ok := got[i].(domain.ChunkEvent)
		if !ok || chunk.Text != string(rune('a'+i)) {
			t.Fatalf("event %d = %+v, want chunk %q", i, got[i], string(rune('a'+i)))
		}
	}
	if got[3].Kind() != domain.EventComplete {
		t.Fatalf("last event = %s, want complete", got[3].Kind())
	}

	// The channel closes after the terminal event and the session is
	// released.
	waitClosed(t, events)
	if b.SessionCount() != 0 {
		t.Fatalf("session still registered: %d", b.SessionCount())
	}
}

func TestBrokerConsumeUnknownSession(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	if _, err := b.Consume(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Consume = %v, want ErrNotFound", err)
	}
}

func TestBrokerPushAfterCloseIsNoop(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	if err := b.Close(sess.SessionID, "u1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Must not panic or block.
	b.Push(sess.SessionID, domain.ChunkEvent{Timestamp: time.Now(), Text: "late"})
	b.Push("missing", domain.ChunkEvent{Timestamp: time.Now(), Text: "ghost"})
}

func TestBrokerCloseOwnership(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")

	if err := b.Close(sess.SessionID, "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Close by non-owner = %v, want ErrNotFound", err)
	}
	if b.SessionCount() != 1 {
		t.Fatal("session closed by non-owner")
	}

	if err := b.Close(sess.SessionID, "u1"); err != nil {
		t.Fatalf("Close by owner failed: %v", err)
	}
	if err := b.Close(sess.SessionID, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Close = %v, want ErrNotFound", err)
	}
}

func TestBrokerLookupOwnership(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	if _, err := b.Lookup(sess.SessionID, "u1"); err != nil {
		t.Fatalf("Lookup by owner failed: %v", err)
	}
	if _, err := b.Lookup(sess.SessionID, "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Lookup by non-owner = %v, want ErrNotFound", err)
	}
}

func TestBrokerTerminalEventStopsAcceptingPushes(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	b.Push(sess.SessionID, domain.ErrorEvent{Timestamp: time.Now(), Message: "boom"})
	// Draining: further pushes are dropped.
	b.Push(sess.SessionID, domain.ChunkEvent{Timestamp: time.Now(), Text: "late"})

	events, err := b.Consume(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	got := collect(t, events, 1)
	if got[0].Kind() != domain.EventError {
		t.Fatalf("event = %s, want error", got[0].Kind())
	}
	waitClosed(t, events)
}

func TestBrokerQueueOverflowClosesSession(t *testing.T) {
	b := newTestBroker(Options{QueueSize: 2})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	for i := 0; i < 5; i++ {
		b.Push(sess.SessionID, domain.ChunkEvent{Timestamp: time.Now(), Text: "x"})
	}

	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
	if b.SessionCount() != 0 {
		t.Fatal("overflowed session still registered")
	}
}

func TestBrokerKeepaliveInjection(t *testing.T) {
	b := newTestBroker(Options{Keepalive: 20 * time.Millisecond})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	events, err := b.Consume(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	got := collect(t, events, 1)
	if got[0].Kind() != domain.EventKeepalive {
		t.Fatalf("event = %s, want keepalive", got[0].Kind())
	}

	b.Close(sess.SessionID, "u1")
	waitClosed(t, events)
}

func TestBrokerConsumerCancelTearsDown(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	sess := b.CreateSession("u1")
	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.Consume(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	cancel()
	waitClosed(t, events)

	deadline := time.Now().Add(time.Second)
	for b.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after consumer cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerReapsIdleSessions(t *testing.T) {
	b := newTestBroker(Options{IdleTimeout: 20 * time.Millisecond, ReapInterval: 10 * time.Millisecond})
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.CreateSession("u1")
	b.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for b.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session was not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerSessionAccounting(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Shutdown()

	s1 := b.CreateSession("u1")
	s2 := b.CreateSession("u1")
	s3 := b.CreateSession("u2")

	if b.SessionCount() != 3 || b.UserCount() != 2 {
		t.Fatalf("counts = %d sessions, %d users; want 3, 2", b.SessionCount(), b.UserCount())
	}

	ids := b.ListUserSessions("u1")
	if len(ids) != 2 {
		t.Fatalf("ListUserSessions = %v, want 2 ids", ids)
	}

	b.Close(s1.SessionID, "u1")
	b.Close(s2.SessionID, "u1")
	if b.UserCount() != 1 {
		t.Fatalf("UserCount = %d, want 1", b.UserCount())
	}
	b.Close(s3.SessionID, "u2")
	if b.SessionCount() != 0 || b.UserCount() != 0 {
		t.Fatalf("counts not zeroed: %d, %d", b.SessionCount(), b.UserCount())
	}
}
