// Package easyaikit is a small convenience layer over the Ark chat
// completions API: one-shot questions, streaming, reasoning ("think")
// calls, JSON replies, multi-turn sessions and local chat history.
//
//	ai, err := easyaikit.New(easyaikit.WithSystemMessage("be brief"))
//	reply, err := ai.Ask(ctx, "what is a goroutine?")
//
// The package-level Ask, StreamAsk, Think, StreamThink and AskJSON use a
// default client configured from the environment (ARK_API_KEY).
package easyaikit

import (
	"context"
	"sync"

	"easyaikit/internal/backend"
	"easyaikit/internal/chat"
	"easyaikit/internal/client"
	"easyaikit/internal/session"
	"easyaikit/internal/storage"
	"easyaikit/internal/streamutil"
)

// Version is the library version
const Version = "0.1.0"

type (
	AI            = client.AI
	Option        = client.Option
	ChatSession   = chat.Session
	SessionOption = chat.Option
	RequestOption = backend.RequestOption
	APIError      = backend.APIError

	Message       = session.Message
	ThinkChunk    = session.ThinkChunk
	SessionInfo   = session.Info
	StoredMessage = session.StoredMessage

	Store       = storage.Store
	DBStorage   = storage.DBStorage
	JSONStorage = storage.JSONStorage
)

const (
	RoleSystem    = session.RoleSystem
	RoleUser      = session.RoleUser
	RoleAssistant = session.RoleAssistant

	DefaultModel      = client.DefaultModel
	DefaultThinkModel = client.DefaultThinkModel
)

var (
	ErrMissingAPIKey   = client.ErrMissingAPIKey
	ErrEmptyResponse   = client.ErrEmptyResponse
	ErrSessionNotFound = storage.ErrSessionNotFound
)

// Client options
var (
	WithAPIKey        = client.WithAPIKey
	WithBaseURL       = client.WithBaseURL
	WithModel         = client.WithModel
	WithThinkModel    = client.WithThinkModel
	WithSystemMessage = client.WithSystemMessage
	WithMaxRetries    = client.WithMaxRetries
	WithTimeout       = client.WithTimeout
	WithHTTPClient    = client.WithHTTPClient
	WithLogger        = client.WithLogger
	WithCache         = client.WithCache
)

// Per-request options
var (
	WithTemperature  = backend.WithTemperature
	WithMaxTokens    = backend.WithMaxTokens
	WithTopP         = backend.WithTopP
	WithRequestModel = backend.WithModel
)

// Session options
var (
	WithSessionSystemMessage = chat.WithSystemMessage
	WithHistory              = chat.WithHistory
	WithMaxHistory           = chat.WithMaxHistory
	WithRecorder             = chat.WithRecorder
)

// Utilities
var (
	PrintStreamToConsole = streamutil.PrintStreamToConsole
	SaveStreamToFile     = streamutil.SaveStreamToFile
	StreamWithCallback   = streamutil.StreamWithCallback
	FormatHistory        = streamutil.FormatHistory
	IsJSONError          = client.IsJSONError
)

// New creates a client
func New(opts ...Option) (*AI, error) {
	return client.New(opts...)
}

// OpenDB opens (or creates) a SQLite chat history
func OpenDB(path string, opts ...storage.Option) (*DBStorage, error) {
	return storage.OpenDB(path, opts...)
}

// OpenJSON opens (or creates) a JSON chat history file
func OpenJSON(path string, opts ...storage.Option) (*JSONStorage, error) {
	return storage.OpenJSON(path, opts...)
}

var (
	defaultMu     sync.Mutex
	defaultClient *AI
)

// Default returns the package-level client, built from the environment on
// first use. A failed build is retried on the next call.
func Default() (*AI, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient != nil {
		return defaultClient, nil
	}
	ai, err := client.New()
	if err != nil {
		return nil, err
	}
	defaultClient = ai
	return ai, nil
}

// Ask sends a single prompt with the default client
func Ask(ctx context.Context, prompt string, opts ...RequestOption) (string, error) {
	ai, err := Default()
	if err != nil {
		return "", err
	}
	return ai.Ask(ctx, prompt, opts...)
}

// StreamAsk streams a reply with the default client
func StreamAsk(ctx context.Context, prompt string, opts ...RequestOption) (<-chan string, <-chan error) {
	ai, err := Default()
	if err != nil {
		return failedStream[string](err)
	}
	return ai.StreamAsk(ctx, prompt, opts...)
}

// Think returns reasoning and answer from the default client's think model
func Think(ctx context.Context, prompt string, opts ...RequestOption) (string, string, error) {
	ai, err := Default()
	if err != nil {
		return "", "", err
	}
	return ai.Think(ctx, prompt, opts...)
}

// StreamThink streams reasoning then answer chunks with the default client
func StreamThink(ctx context.Context, prompt string, opts ...RequestOption) (<-chan ThinkChunk, <-chan error) {
	ai, err := Default()
	if err != nil {
		return failedStream[ThinkChunk](err)
	}
	return ai.StreamThink(ctx, prompt, opts...)
}

// AskJSON asks the default client for a JSON object reply
func AskJSON(ctx context.Context, prompt string, opts ...RequestOption) (map[string]any, error) {
	ai, err := Default()
	if err != nil {
		return nil, err
	}
	return ai.AskJSON(ctx, prompt, opts...)
}

func failedStream[T any](err error) (<-chan T, <-chan error) {
	chunks := make(chan T)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}
