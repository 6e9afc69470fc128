package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

const (
	defaultBaseURL     = "https://api.anthropic.com"
	defaultHTTPTimeout = 120 * time.Second
	apiVersion         = "2023-06-01"
	messagesPath       = "/v1/messages"
)

// Config configures the Anthropic-compatible client.
type Config struct {
	// BaseURL of the provider API. Defaults to the Anthropic endpoint.
	BaseURL string

	// APIKey is the platform key used when a request carries no credential
	// of its own.
	APIKey string

	// HTTPClient used for non-streaming calls. Defaults to a client with a
	// 120s timeout. Streaming calls use a transport-sharing client without
	// an overall timeout; cancel via context instead.
	HTTPClient *http.Client

	Logger meter.Logger
}

// Client implements Provider against an Anthropic-compatible Messages API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       meter.Logger
}

// NewClient creates a provider client.
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	// An overall client timeout would cut long streams short, so the
	// streaming client shares the transport but drops the deadline.
	streamClient := &http.Client{Transport: httpClient.Transport}

	logger := config.Logger
	if logger == nil {
		logger = &meter.NoopLogger{}
	}

	return &Client{
		baseURL:      baseURL,
		apiKey:       config.APIKey,
		httpClient:   httpClient,
		streamClient: streamClient,
		logger:       logger,
	}
}

// SendMessage performs a synchronous invocation.
func (c *Client) SendMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	body := *req
	body.Stream = false

	resp, err := c.post(ctx, c.httpClient, &body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// StreamMessage starts a streaming invocation and returns the event stream.
// The caller owns the stream and must Close it.
func (c *Client) StreamMessage(ctx context.Context, req *MessageRequest) (meter.Stream, error) {
	body := *req
	body.Stream = true

	resp, err := c.post(ctx, c.streamClient, &body)
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body), nil
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, req *MessageRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	apiKey := req.Credential
	if apiKey == "" {
		apiKey = c.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

// readAPIError decodes the provider's error envelope, falling back to the
// raw body when it is not JSON.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
