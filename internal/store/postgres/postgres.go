// Package postgres keeps session stores in PostgreSQL, one JSONB row per
// identity.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // postgres driver

	"github.com/sweeney/sessiond/internal/store"
)

// Backend implements store.Backend on a session_stores table.
type Backend struct {
	db    *sql.DB
	owned bool
}

// New wraps an existing database handle. Close leaves db open.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

// Open connects to dsn, applies migrations and returns a Backend that owns
// the connection pool.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db, owned: true}, nil
}

// Load returns the stored document for identity.
func (b *Backend) Load(ctx context.Context, identity string) ([]byte, error) {
	var doc []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM session_stores WHERE identity = $1`,
		identity,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session store: %w", err)
	}
	return doc, nil
}

// Save upserts the document for identity.
func (b *Backend) Save(ctx context.Context, identity string, doc []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO session_stores (identity, data, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (identity) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		identity, string(doc),
	)
	if err != nil {
		return fmt.Errorf("saving session store: %w", err)
	}
	return nil
}

// Delete removes the row for identity.
func (b *Backend) Delete(ctx context.Context, identity string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM session_stores WHERE identity = $1`, identity,
	); err != nil {
		return fmt.Errorf("deleting session store: %w", err)
	}
	return nil
}

// Close closes the pool if the Backend opened it.
func (b *Backend) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}
