// Package store persists sessions, chat history and run traces behind
// database/sql, supporting both MySQL (production) and SQLite (tests
// and local runs) through the same queries (spec.md SPEC_FULL.md §4.A).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aquagw/gateway/internal/domain"
)

// Store is the durable backing store for sessions, chat history and
// run traces. One Store is shared process-wide; per-session_id
// appends are serialized with an in-process mutex so two concurrent
// turns on the same session never interleave writes (spec.md §4.A
// "History Store append is atomic per session_id").
type Store struct {
	db     *sql.DB
	driver string // "mysql" or "sqlite3"
	locks  sync.Map // session_id -> *sync.Mutex
}

// Open opens dsn, picking the driver from its scheme: dsn prefixed with
// "file:" or "sqlite:" uses SQLite ("sqlite:" is stripped before
// sql.Open, a "file:" DSN is passed through unchanged); anything else is
// treated as a MySQL DSN.
func Open(dsn string) (*Store, error) {
	driver := "mysql"
	open := dsn
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		driver = "sqlite3"
		open = strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "file:"):
		driver = "sqlite3"
		open = dsn
	}

	db, err := sql.Open(driver, open)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: enable foreign keys: %w", err)
		}
		db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers
	} else {
		db.SetMaxOpenConns(16)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var stmts []string
	if s.driver == "sqlite3" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				config TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				session_name TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chat_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				message_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'text',
				status TEXT,
				tool_calls TEXT,
				meta_data TEXT,
				ts DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY (session_id) REFERENCES sessions(session_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id, ts)`,
			`CREATE TABLE IF NOT EXISTS run_trace (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				assistant_message_id TEXT NOT NULL DEFAULT '',
				stage TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT,
				ts DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_run_trace_session ON run_trace(session_id, ts)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id VARCHAR(64) PRIMARY KEY,
				user_id VARCHAR(64) NOT NULL DEFAULT '',
				config JSON NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'active',
				session_name VARCHAR(255) NOT NULL DEFAULT '',
				summary TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_history (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL,
				message_id VARCHAR(64) NOT NULL DEFAULT '',
				role VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				type VARCHAR(16) NOT NULL DEFAULT 'text',
				status VARCHAR(16),
				tool_calls JSON,
				meta_data JSON,
				ts DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				KEY idx_chat_history_session (session_id, ts),
				CONSTRAINT fk_chat_history_session FOREIGN KEY (session_id) REFERENCES sessions(session_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS run_trace (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL,
				assistant_message_id VARCHAR(64) NOT NULL DEFAULT '',
				stage VARCHAR(32) NOT NULL,
				outcome VARCHAR(16) NOT NULL,
				detail JSON,
				ts DATETIME NOT NULL,
				KEY idx_run_trace_session (session_id, ts)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// lockFor returns the mutex guarding writes to sessionID, creating one
// on first use.
func (s *Store) lockFor(sessionID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// WithSessionLock serializes fn against any other write for the same
// session_id, guaranteeing append order matches turn order even when
// two goroutines race on the same session (spec.md §4.A).
func (s *Store) WithSessionLock(sessionID string, fn func() error) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// -- sessions --------------------------------------------------------

// GetSession returns nil, nil if sessionID is not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	var configRaw string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, config, status, session_name, summary, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &configRaw, &sess.Status, &sess.SessionName, &sess.Summary, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configRaw), &sess.Config); err != nil {
		return nil, fmt.Errorf("store: decode session config: %w", err)
	}
	return &sess, nil
}

// CreateSession inserts a brand-new session row.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	configRaw, err := json.Marshal(sess.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, config, status, session_name, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, string(configRaw), sess.Status, sess.SessionName, sess.Summary, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// UpdateSessionConfig persists sess.Config (after Merge) and bumps
// updated_at.
func (s *Store) UpdateSessionConfig(ctx context.Context, sessionID string, cfg domain.Config, updatedAt time.Time) error {
	configRaw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET config = ?, updated_at = ? WHERE session_id = ?`,
		string(configRaw), updatedAt, sessionID)
	return err
}

// -- chat history ------------------------------------------------------

// AppendMessage inserts one chat_history row.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (session_id, message_id, role, content, type, status, tool_calls, meta_data, ts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.MessageID, msg.Role, msg.Content, msg.Type, msg.Status, nullBytes(msg.ToolCalls), nullBytes(msg.MetaData), msg.Timestamp, msg.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		msg.ID = id
	}
	return nil
}

// UpdateMessageContent overwrites a message's content/status in place,
// used to finalize a streamed assistant message after synthesis
// completes (spec.md §4.A "persist assistant" step).
func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content, status string, metaData []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_history SET content = ?, status = ?, meta_data = ?, updated_at = ? WHERE message_id = ?`,
		content, status, nullBytes(metaData), time.Now(), messageID)
	return err
}

// RecentMessages returns up to limit most recent messages for
// sessionID in chronological order (spec.md §4.A "load history").
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, role, content, type, status, tool_calls, meta_data, ts, updated_at
		 FROM chat_history WHERE session_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var status sql.NullString
		var toolCalls, metaData sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MessageID, &m.Role, &m.Content, &m.Type, &status, &toolCalls, &metaData, &m.Timestamp, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if status.Valid {
			m.Status = &status.String
		}
		if toolCalls.Valid {
			m.ToolCalls = []byte(toolCalls.String)
		}
		if metaData.Valid {
			m.MetaData = []byte(metaData.String)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// rows came back newest-first; reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearSession deletes every chat_history row for sessionID and returns
// the number of rows removed (spec.md §4.A "clear").
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// -- run trace ---------------------------------------------------------

// AppendRunTrace records one stage transition. Callers treat failures
// as non-fatal: RunTrace is an operational log, never a source of
// truth for the turn itself (SPEC_FULL.md §3 RunTrace).
func (s *Store) AppendRunTrace(ctx context.Context, sessionID, assistantMessageID, stage, outcome string, detail []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_trace (session_id, assistant_message_id, stage, outcome, detail, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, assistantMessageID, stage, outcome, nullBytes(detail), time.Now())
	return err
}

// CountRunTrace returns how many run_trace rows exist for sessionID,
// used by operational tooling and tests to confirm stage transitions
// were recorded.
func (s *Store) CountRunTrace(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_trace WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
