// Package postgres provides the Postgres-backed access ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "access_entries"

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger stores access entries in Postgres. Uniqueness on ip is enforced by
// the table constraint, which also settles concurrent first requests.
type Ledger struct {
	pool  queryCloser
	table string
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig, clock pipeline.Clock, ids pipeline.IDGenerator) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := resolveTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, table: table, clock: clock, ids: ids}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool queryCloser, table string, clock pipeline.Clock, ids pipeline.IDGenerator) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	table, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, table: table, clock: clock, ids: ids}, nil
}

func resolveTable(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

const entryColumns = "id, ip, status, note, requested_at, approved_at"

// RequestAccess inserts a pending row or returns the row that already owns the ip.
func (l *Ledger) RequestAccess(ctx context.Context, ip, note string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, err
	}
	id, err := l.ids.NewID()
	if err != nil {
		return access.Entry{}, fmt.Errorf("generate access id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, ip, status, note, requested_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ip) DO NOTHING
RETURNING %s`, l.table, entryColumns)

	entry, err := scanEntry(l.pool.QueryRow(ctx, query,
		id, ip, string(access.StatusPending), nullableString(note), l.clock.Now(),
	))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return access.Entry{}, fmt.Errorf("insert access entry: %w", err)
	}
	// Lost the race or the ip was already known: return the winner's row.
	existing, err := l.Lookup(ctx, ip)
	if err != nil {
		return access.Entry{}, fmt.Errorf("fetch existing access entry: %w", err)
	}
	return existing, nil
}

// Lookup fetches the entry for ip.
func (l *Ledger) Lookup(ctx context.Context, ip string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, access.ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ip = $1`, entryColumns, l.table)
	entry, err := scanEntry(l.pool.QueryRow(ctx, query, ip))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Entry{}, access.ErrNotFound
	}
	if err != nil {
		return access.Entry{}, fmt.Errorf("lookup access entry: %w", err)
	}
	return entry, nil
}

// List returns entries, most recently requested first.
func (l *Ledger) List(ctx context.Context) ([]access.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY requested_at DESC, id DESC`, entryColumns, l.table)
	rows, err := l.pool.Query(ctx, query)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access entries: %w", err)
	}
	return out, nil
}

// SetStatus applies an admin transition in a single statement. approved_at is
// stamped only when the row moves into whitelist from another status.
func (l *Ledger) SetStatus(ctx context.Context, id string, status access.Status) (access.Entry, error) {
	if !status.Valid() {
		return access.Entry{}, fmt.Errorf("%w: %q", access.ErrInvalidStatus, status)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	approved_at = CASE
		WHEN $2::text = 'whitelist' AND status <> 'whitelist' THEN $3::timestamptz
		ELSE approved_at
	END,
	status = $2::text
WHERE id = $1
RETURNING %s`, l.table, entryColumns)

	entry, err := scanEntry(l.pool.QueryRow(ctx, query, id, string(status), l.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Entry{}, access.ErrNotFound
	}
	if err != nil {
		return access.Entry{}, fmt.Errorf("update access status: %w", err)
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (access.Entry, error) {
	var (
		entry    access.Entry
		status   string
		note     *string
		approved *time.Time
	)
	if err := row.Scan(&entry.ID, &entry.IP, &status, &note, &entry.RequestedAt, &approved); err != nil {
		return access.Entry{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	entry.Status = access.Status(status)
	if note != nil {
		entry.Note = *note
	}
	if approved != nil {
		at := approved.UTC()
		entry.ApprovedAt = &at
	}
	entry.RequestedAt = entry.RequestedAt.UTC()
	return entry, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
