// Package upstream talks to the model provider. The gateway core only sees
// the Provider interface; the concrete client speaks the Anthropic Messages
// API over HTTP with SSE streaming.
package upstream

import (
	"context"
	"fmt"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageRequest is a non-streaming or streaming model invocation.
type MessageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int64     `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`

	// Credential overrides the client's default API key for this call.
	// Used when the account brings its own key.
	Credential string `json:"-"`
}

// ContentBlock is one block of a model response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage reports the token counts the provider metered for one invocation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// MessageResponse is a complete model response.
type MessageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *MessageResponse) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Provider is the model backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// SendMessage performs a synchronous invocation and returns the full
	// response including provider-metered usage.
	SendMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error)

	// StreamMessage starts a streaming invocation. The returned stream
	// yields text chunks and terminates with a final event carrying usage.
	StreamMessage(ctx context.Context, req *MessageRequest) (meter.Stream, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}
