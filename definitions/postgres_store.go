package definitions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

// PostgresStore implements Store and OutboxWriter on PostgreSQL.
// Every query is scoped to one kind.
type PostgresStore struct {
	db   *sql.DB
	kind Kind
}

// NewPostgresStore creates a PostgreSQL-backed store for a specific kind
func NewPostgresStore(db *sql.DB, kind Kind) *PostgresStore {
	return &PostgresStore{
		db:   db,
		kind: kind,
	}
}

const selectColumns = `id, kind, name, content, ready_to_deploy, deployed, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var d Definition
	var kind string
	if err := row.Scan(&d.ID, &kind, &d.Name, &d.Content, &d.ReadyToDeploy,
		&d.Deployed, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Kind = Kind(kind)
	return &d, nil
}

func (s *PostgresStore) mapWriteError(err error, name string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case uniqueViolation:
		return nameConflict(s.kind, name)
	case checkViolation:
		return fmt.Errorf("%w: %s", ErrInvalid, pqErr.Message)
	}
	return err
}

// Create inserts a new definition
func (s *PostgresStore) Create(ctx context.Context, def *Definition) (*Definition, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO definitions (id, kind, name, content, ready_to_deploy, deployed, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		RETURNING `+selectColumns,
		uuid.NewString(), string(s.kind), def.Name, def.Content, def.ReadyToDeploy, def.Deployed, now)

	stored, err := scanDefinition(row)
	if err != nil {
		if mapped := s.mapWriteError(err, def.Name); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to insert definition: %w", err)
	}
	return stored, nil
}

// Get retrieves a definition by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Definition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM definitions
		WHERE id = $1 AND kind = $2
	`, id, string(s.kind))

	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return def, nil
}

// FindByName returns the definitions with the given name
func (s *PostgresStore) FindByName(ctx context.Context, name string) ([]*Definition, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+`
		FROM definitions
		WHERE kind = $1 AND name = $2
		ORDER BY created_at ASC
	`, string(s.kind), name)
}

// List returns every definition of the kind
func (s *PostgresStore) List(ctx context.Context) ([]*Definition, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+`
		FROM definitions
		WHERE kind = $1
		ORDER BY created_at ASC, id ASC
	`, string(s.kind))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	defs := []*Definition{}
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}
	return defs, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) update(ctx context.Context, q execer, def *Definition) (*Definition, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE definitions
		SET name = $1, content = $2, ready_to_deploy = $3, deployed = $4,
		    version = version + 1, updated_at = $5
		WHERE id = $6 AND kind = $7 AND version = $8
		RETURNING `+selectColumns,
		def.Name, def.Content, def.ReadyToDeploy, def.Deployed, time.Now().UTC(),
		def.ID, string(s.kind), def.Version)

	stored, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		// Either the row is gone or another writer bumped the version.
		if _, getErr := s.Get(ctx, def.ID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("definition %s at version %d: %w", def.ID, def.Version, ErrStale)
	}
	if err != nil {
		if mapped := s.mapWriteError(err, def.Name); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to update definition: %w", err)
	}
	return stored, nil
}

// Update modifies an existing definition if its version still matches
func (s *PostgresStore) Update(ctx context.Context, def *Definition) (*Definition, error) {
	return s.update(ctx, s.db, def)
}

// UpdateWithEffects updates def and appends its effects to the outbox in one
// transaction. Outbox rows keep the order of effects.
func (s *PostgresStore) UpdateWithEffects(ctx context.Context, def *Definition, effects []Effect) (*Definition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := s.update(ctx, tx, def)
	if err != nil {
		return nil, err
	}

	for _, e := range effects {
		msg := e.Message()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO definition_outbox (definition_id, kind, queue, body)
			VALUES ($1, $2, $3, $4)
		`, stored.ID, string(s.kind), msg.Queue, string(msg.Body))
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue %s message: %w", msg.Queue, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, nil
}

// Delete removes a definition from the database
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return notFound(id)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM definitions
		WHERE id = $1 AND kind = $2
	`, id, string(s.kind))
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}
