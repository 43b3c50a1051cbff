// Package storage persists chat history as sessions of messages, either in
// a SQLite database or in a single JSON file.
package storage

import (
	"context"
	"errors"
	"log/slog"

	"easyaikit/internal/session"

	"github.com/oklog/ulid/v2"
)

var ErrSessionNotFound = errors.New("session not found")

// Store is an append-only chat history keyed by session id. Each store has
// a current session that SaveMessage appends to.
type Store interface {
	SessionID() string
	SaveMessage(ctx context.Context, role, content string) error
	ViewSessions(ctx context.Context) ([]session.Info, error)
	ViewSessionMessages(ctx context.Context, sessionID string) ([]session.StoredMessage, error)
	LoadSession(ctx context.Context, sessionID string, update bool) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	History(ctx context.Context) ([]session.Message, error)
	Close() error
}

var (
	_ Store = (*DBStorage)(nil)
	_ Store = (*JSONStorage)(nil)
)

type options struct {
	logger    *slog.Logger
	sessionID string
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionID resumes an existing session instead of starting a new one
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSessionID returns a time-sortable session identifier
func NewSessionID() string {
	return ulid.Make().String()
}

func toMessages(stored []session.StoredMessage) []session.Message {
	out := make([]session.Message, len(stored))
	for i, m := range stored {
		out[i] = m.ToMessage()
	}
	return out
}
