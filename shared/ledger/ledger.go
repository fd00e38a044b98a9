package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = time.RFC3339Nano

// Entry is one committed batch
type Entry struct {
	ID           int64          `db:"id"`
	RunID        string         `db:"run_id"`
	Flow         string         `db:"flow"`
	Key          string         `db:"object_key"`
	Location     string         `db:"location"`
	Count        int            `db:"record_count"`
	Bytes        int64          `db:"size_bytes"`
	SHA256       string         `db:"sha256"`
	CommittedAt  string         `db:"committed_at"`
	RegisteredAt sql.NullString `db:"registered_at"`
}

// Registered reports whether the batch's table declaration succeeded
func (e *Entry) Registered() bool {
	return e.RegisteredAt.Valid
}

// Ledger records every batch that reaches object storage, so operators can
// find batches whose registration failed or that overlap after a retry.
type Ledger struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite ledger at path and applies migrations
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordCommit stores a freshly committed batch and returns its id
func (l *Ledger) RecordCommit(ctx context.Context, e Entry) (int64, error) {
	if e.CommittedAt == "" {
		e.CommittedAt = time.Now().UTC().Format(timeLayout)
	}

	res, err := l.db.NamedExecContext(ctx,
		`INSERT INTO batches (run_id, flow, object_key, location, record_count, size_bytes, sha256, committed_at)
		 VALUES (:run_id, :flow, :object_key, :location, :record_count, :size_bytes, :sha256, :committed_at)`, e)
	if err != nil {
		return 0, fmt.Errorf("failed to record batch %s: %w", e.Key, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read batch id: %w", err)
	}
	return id, nil
}

// MarkRegistered flags every batch of flow committed so far as registered.
// Registration declares the whole table, so one success covers them all.
func (l *Ledger) MarkRegistered(ctx context.Context, flow string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE batches SET registered_at = ? WHERE flow = ? AND registered_at IS NULL`,
		at.UTC().Format(timeLayout), flow)
	if err != nil {
		return fmt.Errorf("failed to mark %s batches registered: %w", flow, err)
	}
	return nil
}

// Unregistered returns batches whose registration has not succeeded, oldest first
func (l *Ledger) Unregistered(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.db.SelectContext(ctx, &entries,
		`SELECT * FROM batches WHERE registered_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unregistered batches: %w", err)
	}
	return entries, nil
}

// History returns the most recent batches of flow, newest first
func (l *Ledger) History(ctx context.Context, flow string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	err := l.db.SelectContext(ctx, &entries,
		`SELECT * FROM batches WHERE flow = ? ORDER BY id DESC LIMIT ?`, flow, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s batches: %w", flow, err)
	}
	return entries, nil
}
