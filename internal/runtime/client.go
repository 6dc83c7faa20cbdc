// Package runtime is the client for the completion runtime that turns
// a prompt into assistant text, either as one response or as an
// incremental stream of text deltas.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

const (
	// SessionIDPrefix is prepended to generated runtime session ids.
	// Prefix plus a uuid hex comfortably clears the runtime's minimum
	// session id length of 33 characters.
	SessionIDPrefix = "healthmate-session-"

	defaultTimeout = 60 * time.Second
)

// excludedAttributes are caller-supplied session attributes the
// runtime derives itself or ignores; they are stripped before
// invocation.
var excludedAttributes = map[string]bool{
	"user_id":         true,
	"auth_session_id": true,
	"chat_session_id": true,
}

// Client invokes the completion runtime over HTTP.
type Client struct {
	baseURL    string
	runtimeID  string
	httpClient *http.Client
}

// NewClient creates a runtime client. timeout bounds a whole
// invocation including stream consumption.
func NewClient(baseURL, runtimeID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		runtimeID: runtimeID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Request carries one completion invocation.
type Request struct {
	Prompt      string
	AccessToken string
	Timezone    string
	Language    string
	SessionID   string
	// Attributes are extra session attributes passed through to the
	// runtime, minus the excluded set.
	Attributes map[string]any
}

// Chunk is one element of a streaming completion. Exactly one of the
// final elements has Done set; Err is only ever set alongside Done.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// invocationPayload is the wire shape the runtime accepts.
type invocationPayload struct {
	Prompt            string         `json:"prompt"`
	SessionAttributes map[string]any `json:"sessionAttributes"`
}

// streamEnvelope matches the runtime's line-delimited event stream.
// Only the delta-text path is interesting; everything else is skipped.
type streamEnvelope struct {
	Event *struct {
		ContentBlockDelta *struct {
			Delta *struct {
				Text string `json:"text"`
			} `json:"delta"`
		} `json:"contentBlockDelta"`
	} `json:"event"`
}

// EnsureSessionID returns id unchanged when set, otherwise generates a
// fresh runtime session id meeting the minimum-length constraint.
func EnsureSessionID(id string) string {
	if id != "" {
		return id
	}
	return SessionIDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (c *Client) buildPayload(req *Request) *invocationPayload {
	attrs := map[string]any{
		"session_id": req.SessionID,
		"jwt_token":  req.AccessToken,
		"timezone":   req.Timezone,
		"language":   req.Language,
	}
	for key, value := range req.Attributes {
		if excludedAttributes[key] {
			continue
		}
		if _, reserved := attrs[key]; reserved {
			continue
		}
		attrs[key] = value
	}
	return &invocationPayload{
		Prompt:            req.Prompt,
		SessionAttributes: attrs,
	}
}

func (c *Client) invoke(ctx context.Context, req *Request) (*http.Response, error) {
	req.SessionID = EnsureSessionID(req.SessionID)

	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/runtimes/%s/invocations", c.baseURL, c.runtimeID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Runtime-Session-Id", req.SessionID)
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("runtime invocation: %w", domain.ErrUpstreamTimeout)
		}
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("runtime invocation: %w", domain.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("runtime invocation: %v: %w", err, domain.ErrUpstreamUnavailable)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("runtime rejected credentials [%d]: %w", resp.StatusCode, domain.ErrAuthRejected)
		case http.StatusForbidden:
			return nil, fmt.Errorf("runtime denied access [%d]: %w", resp.StatusCode, domain.ErrAuthDenied)
		default:
			return nil, fmt.Errorf("runtime error [%d]: %s: %w", resp.StatusCode, strings.TrimSpace(string(respBody)), domain.ErrUpstreamUnavailable)
		}
	}

	return resp, nil
}

// Complete sends the prompt and blocks until the runtime's full answer
// has been assembled from the event stream.
func (c *Client) Complete(ctx context.Context, req *Request) (string, error) {
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var text strings.Builder
	if err := c.scanDeltas(ctx, resp.Body, func(delta string) {
		text.WriteString(delta)
	}); err != nil {
		return "", err
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("runtime returned no text: %w", domain.ErrEmptyCompletion)
	}
	return text.String(), nil
}

// CompleteStream sends the prompt and returns a channel of text
// deltas. The channel always ends with exactly one Done chunk, which
// carries the error if the stream failed. Cancelling ctx abandons the
// stream.
func (c *Client) CompleteStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := c.scanDeltas(ctx, resp.Body, func(delta string) {
			select {
			case out <- Chunk{Text: delta}:
			case <-ctx.Done():
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case out <- Chunk{Done: true, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// scanDeltas reads the runtime's line-delimited stream and calls emit
// for each extractable text delta. Lines that are not data-prefixed or
// do not decode are skipped rather than failing the stream.
func (c *Client) scanDeltas(ctx context.Context, body io.Reader, emit func(string)) error {
	reader := bufio.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("runtime stream: %w", domain.ErrUpstreamTimeout)
			}
			return fmt.Errorf("runtime stream read: %v: %w", err, domain.ErrUpstreamUnavailable)
		}

		if delta, ok := extractDelta(line); ok {
			emit(delta)
		}

		if err == io.EOF {
			return nil
		}
	}
}

func extractDelta(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	data := strings.TrimPrefix(line, "data: ")
	if data == "" {
		return "", false
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		// Skip malformed envelopes
		return "", false
	}
	if env.Event == nil || env.Event.ContentBlockDelta == nil || env.Event.ContentBlockDelta.Delta == nil {
		return "", false
	}
	return env.Event.ContentBlockDelta.Delta.Text, true
}
