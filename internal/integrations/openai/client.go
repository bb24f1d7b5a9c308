package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"chat-relay/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// streamRequest is the request shape for a streaming Chat Completions call.
type streamRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an OpenAI-compatible chat completions endpoint. The API key
// is supplied per call because every session resolves its own credential.
type Client struct {
	baseURL    string
	proxyURL   string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithProxy routes upstream traffic through a forward proxy. It is ignored
// when WithHTTPClient is also given.
func WithProxy(proxyURL string) Option {
	return func(c *Client) {
		c.proxyURL = strings.TrimSpace(proxyURL)
	}
}

// NewClient creates a Client. Streams have no overall deadline; request
// lifetime is bound by the caller's context.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.proxyURL != "" {
			u, err := url.Parse(c.proxyURL)
			if err != nil || u.Host == "" {
				return nil, errors.Errorf("openai: invalid proxy url %q", c.proxyURL)
			}
			transport.Proxy = http.ProxyURL(u)
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

func apiBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func chatURL(baseURL string) string {
	return apiBase(baseURL) + "/chat/completions"
}

// OpenStream starts a streaming completion and returns the raw event stream.
// The caller must close the returned body; closing it aborts the request.
func (c *Client) OpenStream(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (io.ReadCloser, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}

	body, err := json.Marshal(streamRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return nil, errors.Wrap(err, "openai: marshal stream request")
	}

	endpoint := chatURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "openai: create stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "openai: stream request failed")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	return res.Body, nil
}

// Complete runs one non-streaming completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = apiBase(c.baseURL)
	cfg.HTTPClient = c.httpClient

	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]goopenai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := goopenai.NewClientWithConfig(cfg).CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: chatURL(c.baseURL), Body: apiErr.Message}
		}
		return "", errors.Wrap(err, "openai: completion request failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
