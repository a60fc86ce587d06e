// Package sqlite provides a single-file access ledger for local deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_entries (
  id           TEXT PRIMARY KEY,
  ip           TEXT NOT NULL UNIQUE,
  status       TEXT NOT NULL CHECK (status IN ('pending', 'whitelist', 'blacklist')),
  note         TEXT,
  requested_at INTEGER NOT NULL,
  approved_at  INTEGER
);
CREATE INDEX IF NOT EXISTS access_entries_requested_idx ON access_entries (requested_at DESC, id DESC);
`

const entryColumns = "id, ip, status, note, requested_at, approved_at"

// Ledger stores access entries in a SQLite database.
type Ledger struct {
	db    *sql.DB
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// Open opens (or creates) the database at path and ensures the schema exists.
// Use ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path string, clock pipeline.Clock, ids pipeline.IDGenerator) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection serialises inserts and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Ledger{db: db, clock: clock, ids: ids}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RequestAccess inserts a pending row or returns the row that already owns ip.
func (l *Ledger) RequestAccess(ctx context.Context, ip, note string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, err
	}
	id, err := l.ids.NewID()
	if err != nil {
		return access.Entry{}, fmt.Errorf("generate access id: %w", err)
	}
	var noteArg sql.NullString
	if note != "" {
		noteArg = sql.NullString{String: note, Valid: true}
	}
	row := l.db.QueryRowContext(ctx, `
INSERT INTO access_entries (id, ip, status, note, requested_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (ip) DO NOTHING
RETURNING `+entryColumns,
		id, ip, string(access.StatusPending), noteArg, l.clock.Now().UnixMilli(),
	)
	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return access.Entry{}, fmt.Errorf("insert access entry: %w", err)
	}
	return l.Lookup(ctx, ip)
}

// Lookup fetches the entry for ip.
func (l *Ledger) Lookup(ctx context.Context, ip string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, access.ErrNotFound
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM access_entries WHERE ip = ?`, ip)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Entry{}, access.ErrNotFound
	}
	if err != nil {
		return access.Entry{}, fmt.Errorf("lookup access entry: %w", err)
	}
	return entry, nil
}

// List returns entries, most recently requested first.
func (l *Ledger) List(ctx context.Context) ([]access.Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM access_entries ORDER BY requested_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list access entries: %w", err)
	}
	defer rows.Close()

	var out []access.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SetStatus applies an admin transition. approved_at follows access.Entry.Transition.
func (l *Ledger) SetStatus(ctx context.Context, id string, status access.Status) (access.Entry, error) {
	if !status.Valid() {
		return access.Entry{}, fmt.Errorf("%w: %q", access.ErrInvalidStatus, status)
	}
	row := l.db.QueryRowContext(ctx, `
UPDATE access_entries SET
  approved_at = CASE WHEN ?2 = 'whitelist' AND status <> 'whitelist' THEN ?3 ELSE approved_at END,
  status = ?2
WHERE id = ?1
RETURNING `+entryColumns,
		id, string(status), l.clock.Now().UnixMilli(),
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Entry{}, access.ErrNotFound
	}
	if err != nil {
		return access.Entry{}, fmt.Errorf("update access status: %w", err)
	}
	return entry, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (access.Entry, error) {
	var (
		entry       access.Entry
		status      string
		note        sql.NullString
		requestedMs int64
		approvedMs  sql.NullInt64
	)
	if err := row.Scan(&entry.ID, &entry.IP, &status, &note, &requestedMs, &approvedMs); err != nil {
		return access.Entry{}, err
	}
	entry.Status = access.Status(status)
	entry.Note = note.String
	entry.RequestedAt = time.UnixMilli(requestedMs).UTC()
	if approvedMs.Valid {
		at := time.UnixMilli(approvedMs.Int64).UTC()
		entry.ApprovedAt = &at
	}
	return entry, nil
}
