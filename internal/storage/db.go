package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"easyaikit/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);`

// DBStorage keeps chat history in SQLite
type DBStorage struct {
	db     *sql.DB
	logger *slog.Logger

	mu               sync.Mutex
	sessionID        string
	sessionCreatedAt time.Time
}

// OpenDB opens or creates the database at path and starts a new session
func OpenDB(path string, opts ...Option) (*DBStorage, error) {
	o := buildOptions(opts)

	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s := &DBStorage{db: db, logger: o.logger}
	if o.sessionID != "" {
		if _, err := s.LoadSession(context.Background(), o.sessionID, false); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		s.rotate()
	}
	return s, nil
}

// SessionID returns the current session
func (s *DBStorage) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// rotate starts a new session. Caller holds mu or has exclusive access.
func (s *DBStorage) rotate() string {
	s.sessionID = NewSessionID()
	s.sessionCreatedAt = time.Now()
	s.logger.Info("created new session", "session_id", s.sessionID)
	return s.sessionID
}

// SaveMessage appends a message to the current session
func (s *DBStorage) SaveMessage(ctx context.Context, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)",
		s.sessionID, s.sessionCreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		s.sessionID, role, content, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ViewSessions lists stored sessions, newest first
func (s *DBStorage) ViewSessions(ctx context.Context) ([]session.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.created_at DESC, s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	infos := []session.Info{}
	for rows.Next() {
		var info session.Info
		if err := rows.Scan(&info.SessionID, &info.CreatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ViewSessionMessages returns the messages of sessionID, or of the current
// session when sessionID is empty, oldest first
func (s *DBStorage) ViewSessionMessages(ctx context.Context, sessionID string) ([]session.StoredMessage, error) {
	if sessionID == "" {
		sessionID = s.SessionID()
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.StoredMessage{}
	for rows.Next() {
		var id int64
		msg := session.StoredMessage{SessionID: sessionID}
		if err := rows.Scan(&id, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ID = strconv.FormatInt(id, 10)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// LoadSession switches the current session. With update set it starts a
// brand new session instead and returns its id.
func (s *DBStorage) LoadSession(ctx context.Context, sessionID string, update bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update {
		return s.rotate(), nil
	}
	if sessionID == "" || sessionID == s.sessionID {
		return s.sessionID, nil
	}

	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT created_at FROM sessions WHERE id = ?", sessionID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	s.sessionID = sessionID
	s.sessionCreatedAt = createdAt
	s.logger.Info("loaded existing session", "session_id", sessionID)
	return sessionID, nil
}

// DeleteSession removes a session and its messages. Deleting the current
// session starts a new one.
func (s *DBStorage) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("session deleted", "session_id", sessionID)
	if sessionID == s.sessionID {
		s.rotate()
	}
	return nil
}

// History returns the current session as model-ready messages
func (s *DBStorage) History(ctx context.Context) ([]session.Message, error) {
	stored, err := s.ViewSessionMessages(ctx, "")
	if err != nil {
		return nil, err
	}
	return toMessages(stored), nil
}

func (s *DBStorage) Close() error {
	return s.db.Close()
}
