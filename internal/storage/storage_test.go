package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"easyaikit/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opener func(t *testing.T, path string, opts ...Option) Store

func openers() map[string]struct {
	open opener
	file string
} {
	return map[string]struct {
		open opener
		file string
	}{
		"db": {
			file: "chat.db",
			open: func(t *testing.T, path string, opts ...Option) Store {
				s, err := OpenDB(path, opts...)
				require.NoError(t, err)
				return s
			},
		},
		"json": {
			file: "chat.json",
			open: func(t *testing.T, path string, opts ...Option) Store {
				s, err := OpenJSON(path, opts...)
				require.NoError(t, err)
				return s
			},
		},
	}
}

func TestStore_SaveAndView(t *testing.T) {
	for name, tc := range openers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t, filepath.Join(t.TempDir(), tc.file))
			defer s.Close()

			sessions, err := s.ViewSessions(ctx)
			require.NoError(t, err)
			assert.Empty(t, sessions, "a session is only stored once it has messages")

			require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "what is machine learning?"))
			require.NoError(t, s.SaveMessage(ctx, session.RoleAssistant, "a field of AI"))

			sessions, err = s.ViewSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, s.SessionID(), sessions[0].SessionID)
			assert.Equal(t, 2, sessions[0].MessageCount)
			assert.False(t, sessions[0].CreatedAt.IsZero())

			msgs, err := s.ViewSessionMessages(ctx, "")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, session.RoleUser, msgs[0].Role)
			assert.Equal(t, "a field of AI", msgs[1].Content)
			assert.Equal(t, s.SessionID(), msgs[0].SessionID)
			assert.NotEmpty(t, msgs[0].ID)
		})
	}
}

func TestStore_RotateSession(t *testing.T) {
	for name, tc := range openers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t, filepath.Join(t.TempDir(), tc.file))
			defer s.Close()

			first := s.SessionID()
			require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "one"))

			second, err := s.LoadSession(ctx, first, true)
			require.NoError(t, err)
			assert.NotEqual(t, first, second)
			assert.Equal(t, second, s.SessionID())

			require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "two"))
			require.NoError(t, s.SaveMessage(ctx, session.RoleAssistant, "three"))

			sessions, err := s.ViewSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.Equal(t, second, sessions[0].SessionID, "newest first")
			assert.Equal(t, 2, sessions[0].MessageCount)
			assert.Equal(t, 1, sessions[1].MessageCount)

			// each message belongs to exactly one session
			firstMsgs, err := s.ViewSessionMessages(ctx, first)
			require.NoError(t, err)
			require.Len(t, firstMsgs, 1)
			assert.Equal(t, "one", firstMsgs[0].Content)

			// switch back
			got, err := s.LoadSession(ctx, first, false)
			require.NoError(t, err)
			assert.Equal(t, first, got)
			history, err := s.History(ctx)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "one", history[0].Content)
		})
	}
}

func TestStore_LoadUnknownSession(t *testing.T) {
	for name, tc := range openers() {
		t.Run(name, func(t *testing.T) {
			s := tc.open(t, filepath.Join(t.TempDir(), tc.file))
			defer s.Close()

			current := s.SessionID()
			_, err := s.LoadSession(context.Background(), "nope", false)
			require.ErrorIs(t, err, ErrSessionNotFound)
			assert.Equal(t, current, s.SessionID())
		})
	}
}

func TestStore_DeleteSession(t *testing.T) {
	for name, tc := range openers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t, filepath.Join(t.TempDir(), tc.file))
			defer s.Close()

			first := s.SessionID()
			require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "bye"))
			require.NoError(t, s.DeleteSession(ctx, first))
			assert.NotEqual(t, first, s.SessionID())

			sessions, err := s.ViewSessions(ctx)
			require.NoError(t, err)
			assert.Empty(t, sessions)

			require.ErrorIs(t, s.DeleteSession(ctx, first), ErrSessionNotFound)
		})
	}
}

func TestStore_ReopenResumesSession(t *testing.T) {
	for name, tc := range openers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), tc.file)

			s := tc.open(t, path)
			id := s.SessionID()
			require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "remember me"))
			require.NoError(t, s.Close())

			reopened := tc.open(t, path, WithSessionID(id))
			defer reopened.Close()
			assert.Equal(t, id, reopened.SessionID())

			history, err := reopened.History(ctx)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "remember me", history[0].Content)
		})
	}
}

func TestJSONStorage_FileLayout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat.json")

	s, err := OpenJSON(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, session.RoleUser, "Python features?"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Sessions map[string]struct {
			SessionID string `json:"session_id"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc.Sessions, s.SessionID())
	entry := doc.Sessions[s.SessionID()]
	assert.Equal(t, s.SessionID(), entry.SessionID)
	require.Len(t, entry.Messages, 1)
	assert.Equal(t, "Python features?", entry.Messages[0].Content)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestJSONStorage_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := OpenJSON(path)
	require.Error(t, err)
}
