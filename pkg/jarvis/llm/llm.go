// Package llm implements the chat completion client used by the unit
// generator and the intent classifier. Uses the OpenAI-compatible API
// format, which works with OpenAI, Anthropic proxies and any compatible
// endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "https://api.openai.com/v1"

// Config configures a Client.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is sent only when set; unit generation wants a low value.
	Temperature *float64 `yaml:"temperature"`

	// Timeout bounds a whole HTTP exchange. Defaults to 120s.
	Timeout time.Duration `yaml:"timeout"`
}

// Client handles communication with the LLM provider API.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With("component", "llm"),
	}
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool { return c != nil && c.apiKey != "" }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Choices []choice      `json:"choices"`
	Usage   Usage         `json:"usage"`
	Error   *apiErrorBody `json:"error,omitempty"`
}

// Response is a parsed completion.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorKind classifies provider failures. The generator maps Timeout to
// a transport timeout and everything else to "unavailable".
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529
	ErrorTimeout                     // 408, 504, client deadline
	ErrorAuth                        // 401, 403, missing key
	ErrorBilling                     // 402, quota
	ErrorContext                     // prompt too long
	ErrorBadRequest                  // 400
	ErrorFatal
)

var errorKindNames = [...]string{
	ErrorRetryable:  "retryable",
	ErrorRateLimit:  "rate_limit",
	ErrorOverloaded: "overloaded",
	ErrorTimeout:    "timeout",
	ErrorAuth:       "auth",
	ErrorBilling:    "billing",
	ErrorContext:    "context",
	ErrorBadRequest: "bad_request",
	ErrorFatal:      "fatal",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindNames) {
		return "unknown"
	}
	return errorKindNames[k]
}

// Retryable reports whether the kind warrants retrying.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorRetryable, ErrorRateLimit, ErrorOverloaded, ErrorTimeout:
		return true
	}
	return false
}

// APIError is a failed answer from the provider.
type APIError struct {
	StatusCode int
	Body       string
	Kind       ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
}

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("LLM API key not configured; run 'jarvis config set-key' or set JARVIS_API_KEY")

// ClassifyError maps any client error to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	var apiErr *APIError
	var netErr interface{ Timeout() bool }
	switch {
	case err == nil:
		return ErrorFatal
	case errors.As(err, &apiErr):
		return apiErr.Kind
	case errors.Is(err, ErrNotConfigured):
		return ErrorAuth
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTimeout
	}
	return ErrorRetryable
}

// bodyMarkers are checked in order; the first kind whose marker appears in
// the lower-cased body wins over the status code.
var bodyMarkers = []struct {
	kind    ErrorKind
	markers []string
}{
	{ErrorContext, []string{"context_length_exceeded", "maximum context length"}},
	{ErrorBilling, []string{"billing", "insufficient_quota", "payment required"}},
	{ErrorRateLimit, []string{"rate_limit", "rate limit", "too many requests"}},
	{ErrorOverloaded, []string{"overloaded", "capacity"}},
	{ErrorTimeout, []string{"timeout", "timed out"}},
}

var statusKinds = map[int]ErrorKind{
	http.StatusBadRequest:      ErrorBadRequest,
	http.StatusUnauthorized:    ErrorAuth,
	http.StatusPaymentRequired: ErrorBilling,
	http.StatusForbidden:       ErrorAuth,
	http.StatusRequestTimeout:  ErrorTimeout,
	http.StatusTooManyRequests: ErrorRateLimit,
	http.StatusGatewayTimeout:  ErrorTimeout,
	529:                        ErrorOverloaded,
}

func classifyAPIError(status int, body string) ErrorKind {
	lower := strings.ToLower(body)
	for _, bm := range bodyMarkers {
		for _, m := range bm.markers {
			if strings.Contains(lower, m) {
				return bm.kind
			}
		}
	}
	if kind, ok := statusKinds[status]; ok {
		return kind
	}
	if status >= 500 {
		return ErrorRetryable
	}
	return ErrorFatal
}

// Complete sends a system + user prompt and returns the reply text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userMessage})

	resp, err := c.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Chat sends one chat completion request.
func (c *Client) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	start := time.Now()
	status, raw, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if status != http.StatusOK {
		detail := string(raw)
		if json.Unmarshal(raw, &out) == nil && out.Error != nil {
			detail = out.Error.Message
		}
		kind := classifyAPIError(status, detail)
		c.logger.Warn("completion failed", "status", status, "kind", kind.String(), "body", truncate(string(raw), 500))
		return nil, &APIError{StatusCode: status, Body: detail, Kind: kind}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if out.Error != nil {
		return nil, &APIError{StatusCode: status, Body: out.Error.Message, Kind: classifyAPIError(status, out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("no choices in completion response")
	}

	first := out.Choices[0]
	c.logger.Info("completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens", out.Usage.TotalTokens,
		"finish_reason", first.FinishReason,
	)
	return &Response{
		Content:      strings.TrimSpace(first.Message.Content),
		FinishReason: first.FinishReason,
		Usage:        out.Usage,
	}, nil
}

// post sends a JSON body and returns the raw response.
func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("llm request", "path", path, "model", c.model, "bytes", len(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
