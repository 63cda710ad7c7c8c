package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Message is one stored turn of a chat session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Info is a session listing row.
type Info struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a session does not exist or belongs to
// a different owner.
var ErrNotFound = errors.New("session not found")

// Store persists chat sessions and their message history in Postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// EnsureSession returns the id of an existing session owned by owner,
// or creates a new one when id is empty or unknown.
func (s *Store) EnsureSession(ctx context.Context, id, owner string) (string, error) {
	if id != "" {
		var found string
		err := s.DB.QueryRowContext(ctx,
			`SELECT id FROM chat_sessions WHERE id = $1 AND owner = $2`, id, owner).Scan(&found)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	newID := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, owner, created_at) VALUES ($1, $2, NOW())`, newID, owner)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return newID, nil
}

// AppendMessage appends one message to a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, NOW())`,
		id, sessionID, role, content)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// RecentMessages returns the most recent limit messages of a session in
// chronological order. The bounded window keeps prompts inside the
// model context budget.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastAssistantMessage returns the most recent assistant message, or
// empty when the session has none.
func (s *Store) LastAssistantMessage(ctx context.Context, sessionID string) (string, error) {
	var content string
	err := s.DB.QueryRowContext(ctx,
		`SELECT content FROM chat_messages
		 WHERE session_id = $1 AND role = 'assistant'
		 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// ListSessions lists an owner's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, owner string) ([]Info, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, owner, created_at FROM chat_sessions WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var in Info
		if err := rows.Scan(&in.ID, &in.Owner, &in.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteSession removes a session; its messages go with it through the
// ON DELETE CASCADE on chat_messages, so the removal is atomic and
// never leaves message content behind.
func (s *Store) DeleteSession(ctx context.Context, id, owner string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
