// Package metastore persists the relational side of the service:
// sessions, messages, agents, folders, feedback, and usage accounting.
// Single SQLite file in WAL mode; connections come from one pool and
// every operation releases them on all exit paths.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrSessionNotFound = errors.New("metastore: session not found")
	ErrMessageNotFound = errors.New("metastore: message not found")
	ErrAgentNotFound   = errors.New("metastore: agent not found")
	ErrFolderNotFound  = errors.New("metastore: folder not found")
	ErrFolderCycle     = errors.New("metastore: folder move would create a cycle")
	ErrInvalidFeedback = errors.New("metastore: feedback must be positive or negative")
)

// SessionMeta is the JSON metadata blob stored on a session. It carries
// the rolling conversation summary cache, the attachment collection
// binding, and the preferred LLM provider.
type SessionMeta struct {
	Summary              string `json:"summary,omitempty"`
	SummaryAtCount       int    `json:"summary_at_count,omitempty"`
	AttachmentCollection string `json:"attachment_collection,omitempty"`
	LLMProvider          string `json:"llm_provider,omitempty"`
}

// Session is one conversation.
type Session struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Collection string      `json:"collection,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	Meta       SessionMeta `json:"metadata"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
}

// Message is one turn in a session. Sources holds the JSON-encoded
// citation list recorded with an assistant reply.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Sources   string `json:"sources,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Store wraps the SQLite database for all relational persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema.
func New(dbPath string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database liveness for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Session operations ---

// CreateSession creates a session, optionally bound to a collection and
// an agent. A referenced agent must exist.
func (s *Store) CreateSession(ctx context.Context, collection, agentID string) (*Session, error) {
	if agentID != "" {
		if _, err := s.GetAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, collection, agent_id, metadata) VALUES (?, ?, ?, '{}')
	`, id, collection, agentID); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession retrieves one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var meta string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, collection, agent_id, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Title, &sess.Collection, &sess.AgentID,
		&meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions most-recently-updated first. limit is
// clamped to [1, 500].
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, collection, agent_id, metadata, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// SearchSessions finds sessions whose title or any message content
// contains q as a substring.
func (s *Store) SearchSessions(ctx context.Context, q string, limit int) ([]Session, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, collection, agent_id, metadata, created_at, updated_at
		FROM sessions s
		WHERE title LIKE '%' || ? || '%'
		   OR EXISTS (
		       SELECT 1 FROM messages m
		       WHERE m.session_id = s.id AND m.content LIKE '%' || ? || '%'
		   )
		ORDER BY updated_at DESC, rowid DESC LIMIT ?
	`, q, q, limit)
	if err != nil {
		return nil, fmt.Errorf("searching sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateSessionTitle sets the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("updating session title: %w", err)
	}
	return requireRow(res, ErrSessionNotFound)
}

// UpdateSessionMeta replaces the session's metadata blob.
func (s *Store) UpdateSessionMeta(ctx context.Context, id string, meta SessionMeta) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET metadata = ? WHERE id = ?", string(blob), id)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	return requireRow(res, ErrSessionNotFound)
}

// DeleteSession removes a session and, via cascade, its messages. It
// returns the session's attachment collection name (empty if none) so
// the caller can drop it from the vector store.
func (s *Store) DeleteSession(ctx context.Context, id string) (string, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("deleting session: %w", err)
	}
	return sess.Meta.AttachmentCollection, nil
}

// --- Message operations ---

// AddMessage appends a message to a session and bumps the session's
// updated_at in the same transaction. sources is a JSON-encoded list or
// empty.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content, sources string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	var src any
	if sources != "" {
		src = sources
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sources) VALUES (?, ?, ?, ?, ?)
	`, id, sessionID, role, content, src); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", sessionID)
	if err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}
	if err := requireRow(res, ErrSessionNotFound); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage retrieves one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	m := &Message{}
	var sources sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, sources, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &sources, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	m.Sources = sources.String
	return m, nil
}

// ListMessages returns a session's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sources, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sources sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &sources, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Sources = sources.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Feedback ---

// SetFeedback records thumbs-up/down for a message, replacing any
// earlier value.
func (s *Store) SetFeedback(ctx context.Context, messageID, value string) error {
	if value != "positive" && value != "negative" {
		return ErrInvalidFeedback
	}
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (message_id, value) VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, messageID, value)
	if err != nil {
		return fmt.Errorf("recording feedback: %w", err)
	}
	return nil
}

// --- helpers ---

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var sess Session
		var meta string
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Collection, &sess.AgentID,
			&meta, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// requireRow converts a zero-row update into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
