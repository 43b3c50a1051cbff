package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"easyaikit/internal/session"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type jsonSession struct {
	SessionID string                  `json:"session_id"`
	CreatedAt time.Time               `json:"created_at"`
	Messages  []session.StoredMessage `json:"messages"`
}

type jsonDocument struct {
	Sessions map[string]*jsonSession `json:"sessions"`
}

// JSONStorage keeps chat history in a single JSON file. The whole document
// is rewritten atomically after every change.
type JSONStorage struct {
	path   string
	logger *slog.Logger

	mu               sync.Mutex
	doc              jsonDocument
	sessionID        string
	sessionCreatedAt time.Time
}

// OpenJSON loads the file at path, creating it if missing, and starts a new
// session
func OpenJSON(path string, opts ...Option) (*JSONStorage, error) {
	o := buildOptions(opts)

	s := &JSONStorage{
		path:   path,
		logger: o.logger,
		doc:    jsonDocument{Sessions: map[string]*jsonSession{}},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.flush(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if s.doc.Sessions == nil {
			s.doc.Sessions = map[string]*jsonSession{}
		}
	}

	if o.sessionID != "" {
		if _, err := s.LoadSession(context.Background(), o.sessionID, false); err != nil {
			return nil, err
		}
	} else {
		s.rotate()
	}
	return s, nil
}

func (s *JSONStorage) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *JSONStorage) rotate() string {
	s.sessionID = NewSessionID()
	s.sessionCreatedAt = time.Now()
	s.logger.Info("created new session", "session_id", s.sessionID)
	return s.sessionID
}

// SaveMessage appends a message to the current session
func (s *JSONStorage) SaveMessage(_ context.Context, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.doc.Sessions[s.sessionID]
	if !ok {
		sess = &jsonSession{SessionID: s.sessionID, CreatedAt: s.sessionCreatedAt}
		s.doc.Sessions[s.sessionID] = sess
	}
	sess.Messages = append(sess.Messages, session.StoredMessage{
		ID:        uuid.NewString(),
		SessionID: s.sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})

	if err := s.flush(); err != nil {
		// keep memory and file in step
		sess.Messages = sess.Messages[:len(sess.Messages)-1]
		if len(sess.Messages) == 0 {
			delete(s.doc.Sessions, s.sessionID)
		}
		return err
	}
	return nil
}

// ViewSessions lists stored sessions, newest first
func (s *JSONStorage) ViewSessions(_ context.Context) ([]session.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := lo.MapToSlice(s.doc.Sessions, func(id string, sess *jsonSession) session.Info {
		return session.Info{
			SessionID:    id,
			CreatedAt:    sess.CreatedAt,
			MessageCount: len(sess.Messages),
		}
	})
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].SessionID > infos[j].SessionID
	})
	return infos, nil
}

// ViewSessionMessages returns the messages of sessionID, or of the current
// session when sessionID is empty, oldest first
func (s *JSONStorage) ViewSessionMessages(_ context.Context, sessionID string) ([]session.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = s.sessionID
	}
	sess, ok := s.doc.Sessions[sessionID]
	if !ok {
		return []session.StoredMessage{}, nil
	}
	return append([]session.StoredMessage{}, sess.Messages...), nil
}

// LoadSession switches the current session. With update set it starts a
// brand new session instead and returns its id.
func (s *JSONStorage) LoadSession(_ context.Context, sessionID string, update bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update {
		return s.rotate(), nil
	}
	if sessionID == "" || sessionID == s.sessionID {
		return s.sessionID, nil
	}
	sess, ok := s.doc.Sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.sessionID = sessionID
	s.sessionCreatedAt = sess.CreatedAt
	s.logger.Info("loaded existing session", "session_id", sessionID)
	return sessionID, nil
}

// DeleteSession removes a session. Deleting the current session starts a
// new one.
func (s *JSONStorage) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.doc.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.doc.Sessions, sessionID)
	if err := s.flush(); err != nil {
		s.doc.Sessions[sessionID] = sess
		return err
	}

	s.logger.Info("session deleted", "session_id", sessionID)
	if sessionID == s.sessionID {
		s.rotate()
	}
	return nil
}

func (s *JSONStorage) History(ctx context.Context) ([]session.Message, error) {
	stored, err := s.ViewSessionMessages(ctx, "")
	if err != nil {
		return nil, err
	}
	return toMessages(stored), nil
}

// Close is a no-op; every change is already on disk
func (s *JSONStorage) Close() error {
	return nil
}

// flush writes the document via a temp file and rename. Caller holds mu.
func (s *JSONStorage) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
