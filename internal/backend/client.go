package backend

import (
	"bufio"
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

	"github.com/jpillora/backoff"
)

const (
	DefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	APIKeyEnv      = "ARK_API_KEY"
	BaseURLEnv     = "ARK_BASE_URL"
)

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	maxRetries   int
	minBackoff   time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the client used for non-streaming calls
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithBackoff(min, max time.Duration) ClientOption {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		// No global timeout for streams; ctx controls it
		streamClient: &http.Client{},
		minBackoff:   500 * time.Millisecond,
		maxBackoff:   8 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Transport != nil {
		c.streamClient.Transport = c.httpClient.Transport
	}
	return c
}

// Chat sends a non-streaming completion request
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	req.StreamOptions = nil

	resp, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	return &decoded, nil
}

// ChatStream streams completion deltas via SSE.
// It returns immediately with two channels; both will be closed when streaming ends.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		req.Stream = true
		req.StreamOptions = &StreamOptions{IncludeUsage: true}

		resp, err := c.send(ctx, c.streamClient, req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			errs <- decodeErrorBody(resp.Body)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var frame ChatStreamResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				errs <- fmt.Errorf("failed to unmarshal stream frame: %w", err)
				return
			}
			if frame.Error != nil && frame.Error.Message != "" {
				errs <- errors.New(frame.Error.Message)
				return
			}

			var d Delta
			if len(frame.Choices) > 0 {
				d.Content = frame.Choices[0].Delta.Content
				d.ReasoningContent = frame.Choices[0].Delta.ReasoningContent
			}
			d.Usage = frame.Usage
			if d.Content == "" && d.ReasoningContent == "" && d.Usage == nil {
				continue
			}

			select {
			case deltas <- d:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- fmt.Errorf("stream ended before [DONE]: %w", io.ErrUnexpectedEOF)
	}()

	return deltas, errs
}

// decodeErrorBody reads a JSON body sent in place of an event stream
func decodeErrorBody(r io.Reader) error {
	var decoded ChatResponse
	if err := json.NewDecoder(r).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return errors.New(decoded.Error.Message)
	}
	return errors.New("expected an event stream, got a JSON body")
}

// send posts req, retrying transient failures before any body is consumed
func (c *Client) send(ctx context.Context, hc *http.Client, req ChatRequest) (*http.Response, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("%s not set", APIKeyEnv)
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	b := &backoff.Backoff{
		Min:    c.minBackoff,
		Max:    c.maxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.post(ctx, hc, jsonData)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.maxRetries || !retryable(err) {
			return nil, err
		}

		wait := b.Duration()
		c.logger.Warn("retrying request", "attempt", attempt+1, "wait", wait, "model", req.Model, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) post(ctx context.Context, hc *http.Client, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
