// Package enrichment talks to a TensorZero-style inference gateway to turn
// product images into a schema.org Product and to write listing copy.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFunctionName is the gateway function used when none is configured.
	DefaultFunctionName = "hsuf_enrichment"

	defaultTimeout = 30 * time.Second
)

// ErrNoText is returned when a response carries no text content block.
var ErrNoText = errors.New("inference response has no text content")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIKey sets the X-API-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithFunctionName sets the gateway function name.
func WithFunctionName(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.functionName = name
		}
	}
}

// WithModel pins a model name; empty lets the gateway choose.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// Client calls the gateway's /inference endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	functionName string
	model        string
	httpClient   *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		functionName: DefaultFunctionName,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption when the gateway provides it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the text answer of one inference.
type Response struct {
	Text  string
	Usage *Usage
}

type inferenceRequest struct {
	FunctionName string         `json:"function_name"`
	ModelName    string         `json:"model_name,omitempty"`
	Input        inferenceInput `json:"input"`
}

type inferenceInput struct {
	Messages []Message `json:"messages"`
}

type inferenceResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *Usage `json:"usage"`
}

// HTTPError is returned for non-2xx gateway responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference gateway returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Infer sends messages and returns the first text block of the answer.
func (c *Client) Infer(ctx context.Context, messages []Message) (*Response, error) {
	if c.baseURL == "" {
		return nil, errors.New("inference gateway url is not configured")
	}

	body, err := json.Marshal(inferenceRequest{
		FunctionName: c.functionName,
		ModelName:    c.model,
		Input:        inferenceInput{Messages: messages},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return &Response{Text: block.Text, Usage: parsed.Usage}, nil
		}
	}
	return nil, ErrNoText
}
