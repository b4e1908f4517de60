package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS relay_snapshots (
	    id       INTEGER     PRIMARY KEY,
	    document JSONB       NOT NULL,
	    saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

	upsertSnapshot = `
	INSERT INTO relay_snapshots (id, document, saved_at)
	     VALUES ($1, $2, now())
	ON CONFLICT (id) DO UPDATE
	        SET document = EXCLUDED.document,
	            saved_at = EXCLUDED.saved_at`

	selectSnapshot = `SELECT document FROM relay_snapshots WHERE id = $1`
)

// snapshotRow is the only row the relay writes; one process, one document.
const snapshotRow = 1

// PostgresStore archives the snapshot document in a single jsonb row. The
// upsert runs in a transaction so readers see the previous or the new
// document, never a mix.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("create relay_snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertSnapshot, snapshotRow, string(data)); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, selectSnapshot, snapshotRow).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Empty(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("select snapshot: %w", err)
	}
	return Unmarshal([]byte(doc))
}
