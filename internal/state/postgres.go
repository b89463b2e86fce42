package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	createCursorsSQL = `
CREATE TABLE IF NOT EXISTS source_cursors (
	source       TEXT PRIMARY KEY,
	last_success TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	loadCursorSQL = `SELECT last_success FROM source_cursors WHERE source = $1`

	saveCursorSQL = `
INSERT INTO source_cursors (source, last_success, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (source) DO UPDATE
SET last_success = GREATEST(source_cursors.last_success, EXCLUDED.last_success),
    updated_at = now()`
)

// DB is the subset of pgxpool.Pool used by the cursor store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCursors keeps poll cursors in the source_cursors table so all
// replicas share them. Saves never move a cursor backwards.
type PostgresCursors struct {
	db DB
}

func NewPostgresCursors(db DB) *PostgresCursors {
	return &PostgresCursors{db: db}
}

// EnsureSchema creates the cursor table if it is missing.
func (p *PostgresCursors) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createCursorsSQL); err != nil {
		return fmt.Errorf("failed to create source_cursors: %w", err)
	}
	return nil
}

func (p *PostgresCursors) Load(ctx context.Context, source string) (time.Time, bool, error) {
	var t time.Time
	err := p.db.QueryRow(ctx, loadCursorSQL, source).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load cursor for %s: %w", source, err)
	}
	return t, true, nil
}

func (p *PostgresCursors) Save(ctx context.Context, source string, at time.Time) error {
	if _, err := p.db.Exec(ctx, saveCursorSQL, source, at.UTC()); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", source, err)
	}
	return nil
}
