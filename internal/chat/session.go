// Package chat keeps multi-turn conversations with a completion backend.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"easyaikit/internal/backend"
	"easyaikit/internal/session"
)

// Completer is the message-list API a Session drives
type Completer interface {
	Complete(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (string, error)
	CompleteStream(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (<-chan string, <-chan error)
	CompleteThink(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (string, string, error)
	CompleteThinkStream(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error)
	CompleteJSON(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (map[string]any, string, error)
}

// Recorder receives every message a session commits to its history
type Recorder interface {
	SaveMessage(ctx context.Context, role, content string) error
}

// Session is a named sequence of turns sharing conversational context.
// Turns are serialised; a failed turn leaves the history unchanged.
type Session struct {
	completer     Completer
	systemMessage string
	maxHistory    int
	recorder      Recorder
	logger        *slog.Logger

	mu      sync.Mutex
	history []session.Message
}

type Option func(*Session)

func WithSystemMessage(msg string) Option {
	return func(s *Session) { s.systemMessage = msg }
}

// WithHistory seeds the conversation, e.g. from a history store
func WithHistory(msgs []session.Message) Option {
	return func(s *Session) {
		for _, m := range msgs {
			if m.Role == session.RoleSystem {
				continue
			}
			s.history = append(s.history, m)
		}
	}
}

// WithMaxHistory limits how many past messages are sent with each turn.
// Zero means no limit. The full history is still kept.
func WithMaxHistory(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxHistory = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder persists committed turns, e.g. to a DBStorage
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

func NewSession(c Completer, opts ...Option) *Session {
	s := &Session{completer: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask sends prompt with the conversation so far and records both turns
func (s *Session) Ask(ctx context.Context, prompt string, opts ...backend.RequestOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := session.NewMessage(session.RoleUser, prompt)
	reply, err := s.completer.Complete(ctx, s.context(user), opts...)
	if err != nil {
		return "", err
	}
	s.commit(ctx, user, reply)
	return reply, nil
}

// StreamAsk streams the reply. The turn is recorded once the stream has
// finished without error.
//
// The session stays locked until the stream ends. Callers must drain out or
// cancel ctx; a cancelled stream is discarded and reports ctx.Err().
func (s *Session) StreamAsk(ctx context.Context, prompt string, opts ...backend.RequestOption) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		s.mu.Lock()
		defer s.mu.Unlock()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		user := session.NewMessage(session.RoleUser, prompt)
		chunks, cErrs := s.completer.CompleteStream(ctx, s.context(user), opts...)

		var b strings.Builder
		for c := range chunks {
			b.WriteString(c)
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := <-cErrs; err != nil {
			errs <- err
			return
		}
		s.commit(ctx, user, b.String())
	}()

	return out, errs
}

// Think asks the reasoning model. Only the answer enters the history.
func (s *Session) Think(ctx context.Context, prompt string, opts ...backend.RequestOption) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := session.NewMessage(session.RoleUser, prompt)
	reasoning, answer, err := s.completer.CompleteThink(ctx, s.context(user), opts...)
	if err != nil {
		return "", "", err
	}
	s.commit(ctx, user, answer)
	return reasoning, answer, nil
}

// StreamThink streams reasoning then answer chunks and records the answer.
// As with StreamAsk, callers must drain out or cancel ctx.
func (s *Session) StreamThink(ctx context.Context, prompt string, opts ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error) {
	out := make(chan session.ThinkChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		s.mu.Lock()
		defer s.mu.Unlock()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		user := session.NewMessage(session.RoleUser, prompt)
		chunks, cErrs := s.completer.CompleteThinkStream(ctx, s.context(user), opts...)

		var answer strings.Builder
		for c := range chunks {
			answer.WriteString(c.Answer)
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := <-cErrs; err != nil {
			errs <- err
			return
		}
		s.commit(ctx, user, answer.String())
	}()

	return out, errs
}

// AskJSON asks for a JSON object reply; the raw reply enters the history
func (s *Session) AskJSON(ctx context.Context, prompt string, opts ...backend.RequestOption) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := session.NewMessage(session.RoleUser, prompt)
	result, raw, err := s.completer.CompleteJSON(ctx, s.context(user), opts...)
	if err != nil {
		return nil, err
	}
	s.commit(ctx, user, raw)
	return result, nil
}

// GetHistory returns a copy of the conversation, system message first
func (s *Session) GetHistory() []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.Message, 0, len(s.history)+1)
	if s.systemMessage != "" {
		out = append(out, session.Message{Role: session.RoleSystem, Content: s.systemMessage})
	}
	return append(out, s.history...)
}

// Clear resets the conversation to just the system message
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// SystemMessage returns the session's system prompt
func (s *Session) SystemMessage() string {
	return s.systemMessage
}

// context builds the request messages for a new user turn. Caller holds mu.
// A trimmed window never starts with an assistant reply.
func (s *Session) context(user session.Message) []session.Message {
	past := s.history
	if s.maxHistory > 0 && len(past) > s.maxHistory {
		past = past[len(past)-s.maxHistory:]
		for len(past) > 0 && past[0].Role == session.RoleAssistant {
			past = past[1:]
		}
	}
	msgs := make([]session.Message, 0, len(past)+2)
	if s.systemMessage != "" {
		msgs = append(msgs, session.NewMessage(session.RoleSystem, s.systemMessage))
	}
	msgs = append(msgs, past...)
	return append(msgs, user)
}

// commit appends a finished turn. Caller holds mu.
func (s *Session) commit(ctx context.Context, user session.Message, reply string) {
	assistant := session.NewMessage(session.RoleAssistant, reply)
	s.history = append(s.history, user, assistant)

	if s.recorder == nil {
		return
	}
	for _, m := range []session.Message{user, assistant} {
		if err := s.recorder.SaveMessage(ctx, m.Role, m.Content); err != nil {
			s.logger.Warn("failed to record message", "role", m.Role, "error", err)
		}
	}
}
