package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"easyaikit/internal/backend"
	"easyaikit/internal/cache"
	"easyaikit/internal/chat"
	"easyaikit/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultModel      = "doubao-1-5-pro-32k-250115"
	DefaultThinkModel = "deepseek-r1-250120"

	instrumentationName = "easyaikit"
)

var (
	ErrMissingAPIKey = errors.New(backend.APIKeyEnv + " not set")
	ErrEmptyResponse = errors.New("empty response from model")
)

// AI is a client for the hosted chat completions API. It is safe for
// concurrent use once built.
type AI struct {
	backend       *backend.Client
	model         string
	thinkModel    string
	systemMessage string
	cache         cache.Cache
	logger        *slog.Logger
	tracer        trace.Tracer
	meter         metric.Meter
	duration      metric.Float64Histogram
}

type options struct {
	apiKey        string
	baseURL       string
	model         string
	thinkModel    string
	systemMessage string
	maxRetries    int
	timeout       time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	cache         cache.Cache
}

type Option func(*options)

func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

func WithThinkModel(model string) Option {
	return func(o *options) { o.thinkModel = model }
}

// WithSystemMessage sets the system prompt used by single calls and as the
// default for new sessions
func WithSystemMessage(msg string) Option {
	return func(o *options) { o.systemMessage = msg }
}

// WithMaxRetries sets how often transient failures are retried, default 3
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCache enables response caching for non-streaming Ask and AskJSON
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// New creates a client. The API key and base URL fall back to the
// ARK_API_KEY and ARK_BASE_URL environment variables.
func New(opts ...Option) (*AI, error) {
	o := options{
		model:      DefaultModel,
		thinkModel: DefaultThinkModel,
		maxRetries: 3,
		timeout:    120 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv(backend.APIKeyEnv)
	}
	if o.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if o.baseURL == "" {
		o.baseURL = os.Getenv(backend.BaseURLEnv)
	}

	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: o.timeout}
	}

	meter := otel.Meter(instrumentationName)
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return &AI{
		backend: backend.NewClient(o.baseURL, o.apiKey,
			backend.WithHTTPClient(hc),
			backend.WithMaxRetries(o.maxRetries),
			backend.WithLogger(o.logger),
		),
		model:         o.model,
		thinkModel:    o.thinkModel,
		systemMessage: o.systemMessage,
		cache:         o.cache,
		logger:        o.logger,
		tracer:        otel.Tracer(instrumentationName),
		meter:         meter,
		duration:      histogram,
	}, nil
}

// Model returns the default chat model
func (ai *AI) Model() string { return ai.model }

// ThinkModel returns the model used for think calls
func (ai *AI) ThinkModel() string { return ai.thinkModel }

// SystemMessage returns the client-wide system prompt
func (ai *AI) SystemMessage() string { return ai.systemMessage }

// Session starts a multi-turn conversation. The client's system message
// applies unless overridden by opts.
func (ai *AI) Session(opts ...chat.Option) *chat.Session {
	all := make([]chat.Option, 0, len(opts)+1)
	if ai.systemMessage != "" {
		all = append(all, chat.WithSystemMessage(ai.systemMessage))
	}
	all = append(all, opts...)
	return chat.NewSession(ai, all...)
}

// LoadDB opens (or creates) a SQLite chat history at path
func (ai *AI) LoadDB(path string) (*storage.DBStorage, error) {
	return storage.OpenDB(path, storage.WithLogger(ai.logger))
}

// LoadJSON opens (or creates) a JSON chat history file at path
func (ai *AI) LoadJSON(path string) (*storage.JSONStorage, error) {
	return storage.OpenJSON(path, storage.WithLogger(ai.logger))
}
