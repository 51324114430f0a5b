// Package knowledge is the agent's long-term memory: topic-keyed notes
// in a local SQLite database, written by the knowledge_write tool and
// surfaced into system prompts as a topic list.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a topic has no note.
var ErrNotFound = errors.New("knowledge: topic not found")

// Note is one stored entry. Timestamps are UTC RFC3339 strings.
type Note struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Store wraps the notes database.
type Store struct {
	db *sql.DB
}

// Open migrates and opens the notes database at path. The DSN enables
// WAL and a busy timeout so the supervisor and workers can share it.
func Open(path string) (*Store, error) {
	if err := ApplyMigrations(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces the note for a topic.
func (s *Store) Put(ctx context.Context, topic, body string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (topic, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		topic, body, now, now)
	if err != nil {
		return fmt.Errorf("knowledge: put %q: %w", topic, err)
	}
	return nil
}

// Get returns the note for a topic, or ErrNotFound.
func (s *Store) Get(ctx context.Context, topic string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, body, created_at, updated_at
		FROM notes WHERE topic = ?`, topic)
	var n Note
	err := row.Scan(&n.ID, &n.Topic, &n.Body, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get %q: %w", topic, err)
	}
	return &n, nil
}

// Search returns notes whose topic or body contains q, most recently
// updated first.
func (s *Store) Search(ctx context.Context, q string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + q + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, body, created_at, updated_at
		FROM notes
		WHERE topic LIKE ? OR body LIKE ?
		ORDER BY updated_at DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search %q: %w", q, err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Topic, &n.Body, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("knowledge: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// List returns all topics in alphabetical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic FROM notes ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("knowledge: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}
