package openai

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

	"github.com/cenkalti/backoff/v4"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	observer       ObserverFunc
	logger         *slog.Logger
	maxRetry       time.Duration
	retryInitial   time.Duration
	requestTimeout time.Duration
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multi-part user message.
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
}

type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	Messages       []ChatMessage   `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ChatCompletionResponse struct {
	Content string
	Usage   *TokenUsage
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetry bounds the total time spent retrying one call. Zero disables
// retries.
func WithRetry(maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.maxRetry = maxElapsed
	}
}

// WithRequestTimeout bounds each HTTP attempt.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

func New(baseURL, apiKey string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       strings.TrimSpace(apiKey),
		httpClient:   httpClient,
		logger:       slog.Default(),
		retryInitial: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ChatCompletion posts to /chat/completions, retrying network errors, 408,
// 429 and 5xx responses until the retry budget or ctx runs out.
func (c *Client) ChatCompletion(ctx context.Context, reqPayload ChatCompletionRequest) (ChatCompletionResponse, error) {
	payload, err := json.Marshal(reqPayload)
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	var (
		out     ChatCompletionResponse
		attempt int
	)
	op := func() error {
		attempt++
		resp, err := c.postChat(ctx, payload)
		if err == nil {
			out = resp
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("upstream_retry", "endpoint", "chat_completions", "model", reqPayload.Model, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return ChatCompletionResponse{}, err
	}
	return out, nil
}

func (c *Client) postChat(ctx context.Context, payload []byte) (ChatCompletionResponse, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	started := time.Now()
	statusCode := 0
	defer func() { c.observe("chat_completions", statusCode, time.Since(started)) }()

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return ChatCompletionResponse{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatCompletionResponse{}, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return ChatCompletionResponse{}, &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}

	return parseChatCompletion(respBody)
}

func (c *Client) CheckModels(ctx context.Context) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("models", statusCode, time.Since(started)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return nil
}

type requestKeyContext struct{}

// WithRequestAPIKey attaches a caller-supplied upstream key to ctx. It takes
// precedence over the key the client was built with.
func WithRequestAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, requestKeyContext{}, strings.TrimSpace(apiKey))
}

func RequestAPIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(requestKeyContext{}).(string)
	return key
}

func (c *Client) authorize(req *http.Request) {
	key := RequestAPIKeyFromContext(req.Context())
	if key == "" {
		key = c.apiKey
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.maxRetry <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxElapsedTime = c.maxRetry
	return b
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

// errInvalidResponse marks a 200 response whose body could not be read as a
// chat completion. Retrying would not change it.
var errInvalidResponse = errors.New("invalid chat completion response")

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errInvalidResponse) {
		return false
	}
	var upErr *Error
	if errors.As(err, &upErr) {
		switch {
		case upErr.StatusCode == http.StatusRequestTimeout,
			upErr.StatusCode == http.StatusTooManyRequests,
			upErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Transport-level failures: connection refused, resets, per-attempt timeouts.
	return true
}

func parseChatCompletion(data []byte) (ChatCompletionResponse, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return ChatCompletionResponse{}, fmt.Errorf("%w: missing choices", errInvalidResponse)
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		return ChatCompletionResponse{}, fmt.Errorf("%w: missing choices[0].message.content", errInvalidResponse)
	}

	resp := ChatCompletionResponse{Content: content}
	if parsed.Usage != nil {
		resp.Usage = &TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}
