package upstream_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cursive-ai/gateway/pkg/upstream"
)

func TestSendMessage(t *testing.T) {
	var gotPath, gotKey, gotVersion, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		gotContentType = r.Header.Get("Content-Type")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-3-sonnet",
			"role": "assistant",
			"content": [{"type": "text", "text": "hello"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL, APIKey: "sk-platform"})
	resp, err := client.SendMessage(context.Background(), &upstream.MessageRequest{
		Model:     "claude-3-sonnet",
		MaxTokens: 1024,
		Messages:  []upstream.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if gotKey != "sk-platform" {
		t.Errorf("X-Api-Key = %q, want platform key", gotKey)
	}
	if gotVersion != "2023-06-01" || gotContentType != "application/json" {
		t.Errorf("headers = %q/%q", gotVersion, gotContentType)
	}
	if resp.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", resp.Text())
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 10/5", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
}

func TestSendMessageCredentialOverride(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `{"id": "msg_1", "usage": {"input_tokens": 1, "output_tokens": 1}}`)
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL, APIKey: "sk-platform"})
	_, err := client.SendMessage(context.Background(), &upstream.MessageRequest{
		Model:      "claude-3-sonnet",
		Credential: "sk-byok",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotKey != "sk-byok" {
		t.Errorf("X-Api-Key = %q, want the per-request credential", gotKey)
	}
}

func TestSendMessageAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"type": "rate_limit_error", "message": "overloaded"}}`)
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	_, err := client.SendMessage(context.Background(), &upstream.MessageRequest{Model: "claude-3-sonnet"})

	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Type != "rate_limit_error" || apiErr.Message != "overloaded" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestSendMessageNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "bad gateway")
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	_, err := client.SendMessage(context.Background(), &upstream.MessageRequest{Model: "claude-3-sonnet"})

	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "bad gateway" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestStreamMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type": "message_start", "message": {"usage": {"input_tokens": 25}}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "hel"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "lo"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type": "message_delta", "usage": {"output_tokens": 7}}`+"\n\n")
		fmt.Fprint(w, `data: {"type": "message_stop"}`+"\n\n")
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	stream, err := client.StreamMessage(context.Background(), &upstream.MessageRequest{Model: "claude-3-sonnet"})
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	var text string
	for {
		ev, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		text += ev.Text
		if ev.Final {
			if ev.Usage == nil {
				t.Fatal("final event carries no usage")
			}
			if ev.Usage.Input != 25 || ev.Usage.Output != 7 {
				t.Errorf("usage = %d/%d, want 25/7", ev.Usage.Input, ev.Usage.Output)
			}
			break
		}
	}
	if text != "hello" {
		t.Errorf("streamed text = %q, want hello", text)
	}
}

// A stream the server drops before message_stop must surface a transport
// error, never a fabricated final event.
func TestStreamMessageTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"type": "message_start", "message": {"usage": {"input_tokens": 25}}}`+"\n\n")
		fmt.Fprint(w, `data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "hel"}}`+"\n\n")
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	stream, err := client.StreamMessage(context.Background(), &upstream.MessageRequest{Model: "claude-3-sonnet"})
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	for {
		ev, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
			}
			return
		}
		if ev.Final {
			t.Fatal("truncated stream produced a final event")
		}
	}
}

func TestStreamMessageErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"type": "authentication_error", "message": "invalid key"}}`)
	}))
	defer server.Close()

	client := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	_, err := client.StreamMessage(context.Background(), &upstream.MessageRequest{Model: "claude-3-sonnet"})

	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
}
