package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/domain"
	"github.com/tomofuminijo/HealthmateUI/internal/runtime"
	"github.com/tomofuminijo/HealthmateUI/internal/store"
)

// stubCompleter plays back canned chunks and records the requests it
// receives.
type stubCompleter struct {
	chunks   []string
	err      error
	requests []*runtime.Request
}

func (s *stubCompleter) Complete(ctx context.Context, req *runtime.Request) (string, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	var text string
	for _, c := range s.chunks {
		text += c
	}
	if text == "" {
		return "", domain.ErrEmptyCompletion
	}
	return text, nil
}

func (s *stubCompleter) CompleteStream(ctx context.Context, req *runtime.Request) (<-chan runtime.Chunk, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan runtime.Chunk)
	go func() {
		defer close(out)
		for _, c := range s.chunks {
			out <- runtime.Chunk{Text: c}
		}
		out <- runtime.Chunk{Done: true}
	}()
	return out, nil
}

func newTestService(completer Completer) (*ChatService, store.Store, *broker.Broker) {
	st := store.NewMemoryStore(nil)
	br := broker.New(broker.Options{Keepalive: time.Minute, IdleTimeout: time.Minute, ReapInterval: time.Minute})
	return NewChatService(st, br, completer), st, br
}

func drain(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestSendMessage(t *testing.T) {
	completer := &stubCompleter{chunks: []string{"Hi", " there"}}
	svc, st, _ := newTestService(completer)

	result, err := svc.SendMessage(context.Background(), &SendRequest{
		UserID:      "u1",
		AccessToken: "tok",
		Message:     "Hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.UserMessage.Content)
	assert.Equal(t, domain.RoleUser, result.UserMessage.Role)
	assert.Equal(t, "Hi there", result.AIMessage.Content)
	assert.Equal(t, domain.RoleAssistant, result.AIMessage.Role)
	assert.Equal(t, result.UserMessage.ConversationID, result.AIMessage.ConversationID)
	assert.Equal(t, domain.StatusDelivered, result.UserMessage.Status)

	// Defaults flow to the runtime.
	require.Len(t, completer.requests, 1)
	assert.Equal(t, "Asia/Tokyo", completer.requests[0].Timezone)
	assert.Equal(t, "ja", completer.requests[0].Language)
	assert.Equal(t, "tok", completer.requests[0].AccessToken)

	// Both messages are persisted as delivered.
	history, err := st.GetHistory(context.Background(), "u1", result.UserMessage.ConversationID, 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusDelivered, history[0].Status)
	assert.Equal(t, domain.StatusDelivered, history[1].Status)
}

func TestSendMessageRuntimeSessionContinuity(t *testing.T) {
	completer := &stubCompleter{chunks: []string{"ok"}}
	svc, _, _ := newTestService(completer)
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, &SendRequest{UserID: "u1", Message: "one"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, &SendRequest{UserID: "u1", Message: "two", ConversationID: first.UserMessage.ConversationID})
	require.NoError(t, err)

	require.Len(t, completer.requests, 2)
	assert.NotEmpty(t, completer.requests[0].SessionID)
	assert.Equal(t, completer.requests[0].SessionID, completer.requests[1].SessionID,
		"same conversation must reuse the runtime session id")

	// A fresh conversation gets a fresh runtime session.
	_, err = svc.SendMessage(ctx, &SendRequest{UserID: "u1", Message: "three"})
	require.NoError(t, err)
	assert.NotEqual(t, completer.requests[0].SessionID, completer.requests[2].SessionID)
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	completer := &stubCompleter{err: domain.ErrUpstreamUnavailable}
	svc, st, _ := newTestService(completer)

	_, err := svc.SendMessage(context.Background(), &SendRequest{UserID: "u1", Message: "Hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))

	// The user message is kept and marked errored.
	history, err := st.GetHistory(context.Background(), "u1", "", 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusError, history[0].Status)
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(&stubCompleter{chunks: []string{"ok"}})

	_, err := svc.SendMessage(context.Background(), &SendRequest{UserID: "u1", Message: "   "})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestStreamEventSequence(t *testing.T) {
	completer := &stubCompleter{chunks: []string{"Hi", " there"}}
	svc, st, br := newTestService(completer)
	defer br.Shutdown()

	sess := svc.Stream(context.Background(), &SendRequest{UserID: "u1", AccessToken: "tok", Message: "Hello"})
	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)

	got := drain(t, events)
	kinds := make([]domain.EventType, 0, len(got))
	for _, ev := range got {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []domain.EventType{
		domain.EventConnected,
		domain.EventUserMessage,
		domain.EventAIThinking,
		domain.EventAIChunk,
		domain.EventAIChunk,
		domain.EventAIMessageComplete,
		domain.EventComplete,
	}, kinds)

	first := got[3].(domain.ChunkEvent)
	second := got[4].(domain.ChunkEvent)
	assert.Equal(t, "Hi", first.Text)
	assert.Equal(t, 2, first.AccumulatedLength)
	assert.Equal(t, " there", second.Text)
	assert.Equal(t, 8, second.AccumulatedLength)

	complete := got[5].(domain.AIMessageCompleteEvent)
	assert.Equal(t, "Hi there", complete.Content)

	// Assembled assistant message is persisted.
	history, err := st.GetHistory(context.Background(), "u1", "", 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hi there", history[1].Content)
	assert.Equal(t, domain.StatusDelivered, history[1].Status)
}

func TestStreamAccumulatedLengthCountsRunes(t *testing.T) {
	completer := &stubCompleter{chunks: []string{"こんにちは", "、元気です"}}
	svc, _, br := newTestService(completer)
	defer br.Shutdown()

	sess := svc.Stream(context.Background(), &SendRequest{UserID: "u1", Message: "Hello"})
	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)

	got := drain(t, events)
	require.GreaterOrEqual(t, len(got), 5)

	first := got[3].(domain.ChunkEvent)
	second := got[4].(domain.ChunkEvent)
	assert.Equal(t, "こんにちは", first.Text)
	assert.Equal(t, 5, first.AccumulatedLength, "length is code points, not bytes")
	assert.Equal(t, "、元気です", second.Text)
	assert.Equal(t, 10, second.AccumulatedLength)

	complete := got[5].(domain.AIMessageCompleteEvent)
	assert.Equal(t, "こんにちは、元気です", complete.Content)
}

func TestStreamEmptyCompletion(t *testing.T) {
	completer := &stubCompleter{}
	svc, st, br := newTestService(completer)
	defer br.Shutdown()

	sess := svc.Stream(context.Background(), &SendRequest{UserID: "u1", Message: "Hello"})
	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)

	got := drain(t, events)
	kinds := make([]domain.EventType, 0, len(got))
	for _, ev := range got {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []domain.EventType{
		domain.EventConnected,
		domain.EventUserMessage,
		domain.EventAIThinking,
		domain.EventError,
	}, kinds)

	// User message kept, marked error; no assistant message stored.
	history, err := st.GetHistory(context.Background(), "u1", "", 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.StatusError, history[0].Status)
}

func TestStreamUpstreamFailureEmitsSingleError(t *testing.T) {
	completer := &stubCompleter{err: domain.ErrUpstreamTimeout}
	svc, st, br := newTestService(completer)
	defer br.Shutdown()

	sess := svc.Stream(context.Background(), &SendRequest{UserID: "u1", Message: "Hello"})
	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)

	got := drain(t, events)
	var errCount int
	for _, ev := range got {
		if ev.Kind() == domain.EventError {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount, "exactly one error event per failed stream")
	assert.Equal(t, domain.EventError, got[len(got)-1].Kind(), "error event is terminal")

	history, err := st.GetHistory(context.Background(), "u1", "", 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusError, history[0].Status)
}

func TestStreamValidationFailure(t *testing.T) {
	svc, _, br := newTestService(&stubCompleter{chunks: []string{"ok"}})
	defer br.Shutdown()

	sess := svc.Stream(context.Background(), &SendRequest{UserID: "u1", Message: ""})
	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)

	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventConnected, got[0].Kind())
	assert.Equal(t, domain.EventError, got[len(got)-1].Kind())
}

func TestDispatchOwnership(t *testing.T) {
	svc, _, br := newTestService(&stubCompleter{chunks: []string{"ok"}})
	defer br.Shutdown()

	sess := svc.Connect("u1")

	err := svc.Dispatch(context.Background(), sess.SessionID, &SendRequest{UserID: "u2", Message: "hi"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = svc.Dispatch(context.Background(), "missing", &SendRequest{UserID: "u1", Message: "hi"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, svc.Dispatch(context.Background(), sess.SessionID, &SendRequest{UserID: "u1", Message: "hi"}))

	events, err := br.Consume(context.Background(), sess.SessionID)
	require.NoError(t, err)
	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventComplete, got[len(got)-1].Kind())
}

func TestHistoryPagination(t *testing.T) {
	svc, st, _ := newTestService(&stubCompleter{chunks: []string{"ok"}})
	ctx := context.Background()

	first, err := st.AppendMessage(ctx, "u1", "", domain.RoleUser, "m0", nil)
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		_, err := st.AppendMessage(ctx, "u1", first.ConversationID, domain.RoleUser, "more", nil)
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "u1", first.ConversationID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Equal(t, 5, page.TotalCount)
	assert.True(t, page.HasMore)

	last, err := svc.History(ctx, "u1", first.ConversationID, 2, 4)
	require.NoError(t, err)
	assert.Len(t, last.Messages, 1)
	assert.False(t, last.HasMore)

	// Limit above the cap falls back to the maximum page size.
	capped, err := svc.History(ctx, "u1", first.ConversationID, 1000, 0)
	require.NoError(t, err)
	assert.Len(t, capped.Messages, 5)
	assert.False(t, capped.HasMore)
}

func TestClearHistoryForgetsRuntimeSession(t *testing.T) {
	completer := &stubCompleter{chunks: []string{"ok"}}
	svc, _, _ := newTestService(completer)
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, &SendRequest{UserID: "u1", Message: "one"})
	require.NoError(t, err)

	require.NoError(t, svc.ClearHistory(ctx, "u1", first.UserMessage.ConversationID))

	// Reusing the old conversation id creates a new conversation with
	// a new runtime session.
	_, err = svc.SendMessage(ctx, &SendRequest{UserID: "u1", Message: "two", ConversationID: first.UserMessage.ConversationID})
	require.NoError(t, err)
	require.Len(t, completer.requests, 2)
	assert.NotEqual(t, completer.requests[0].SessionID, completer.requests[1].SessionID)
}

func TestUserFacingError(t *testing.T) {
	assert.Contains(t, UserFacingError(domain.ErrAuthRejected), "sign in")
	assert.Contains(t, UserFacingError(domain.ErrUpstreamTimeout), "too long")
	assert.Contains(t, UserFacingError(domain.ErrEmptyCompletion), "no response")
	assert.Contains(t, UserFacingError(errors.New("sql: internal detail")), "unexpected error")
	assert.NotContains(t, UserFacingError(errors.New("sql: internal detail")), "sql")
}
