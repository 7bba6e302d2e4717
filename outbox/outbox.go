// Package outbox delivers engine notifications that were committed together
// with the definition change that required them.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/liamcoop/api4cep/dispatch"
)

// Entry is one pending outbox row.
type Entry struct {
	ID           int64
	DefinitionID string
	Kind         string
	Queue        string
	Body         []byte
	Attempts     int
	CreatedAt    time.Time
}

// Message returns the wire message for e.
func (e Entry) Message() dispatch.Message {
	return dispatch.Message{Queue: e.Queue, Body: e.Body}
}

// Store reads and acknowledges outbox rows.
type Store interface {
	// Pending returns undelivered entries in insertion order
	Pending(ctx context.Context, limit int) ([]Entry, error)

	// MarkDelivered records a successful publish
	MarkDelivered(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// PostgresStore implements Store over the definition_outbox table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an outbox reader.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Pending returns up to limit undelivered entries, oldest first.
func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition_id, kind, queue, body, attempts, created_at
		FROM definition_outbox
		WHERE delivered_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var body string
		if err := rows.Scan(&e.ID, &e.DefinitionID, &e.Kind, &e.Queue, &body,
			&e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Body = []byte(body)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return entries, nil
}

// MarkDelivered stamps delivered_at.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE definition_outbox
		SET delivered_at = NOW(), attempts = attempts + 1, last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d delivered: %w", id, err)
	}
	return nil
}

// MarkFailed counts a failed attempt and keeps the last error.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE definition_outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d failed: %w", id, err)
	}
	return nil
}
