// Package store persists the mapping between Outlook and Google events and
// the global sync cursors. SQLite is the backing store; the schema is
// applied idempotently on open.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bridgecal/bridgecal/internal/event"
)

//go:embed schema.sql
var schema string

// Cursor names used by the engine.
const (
	CursorGoogleSyncToken   = "google_sync_token"
	CursorLastOutlookScanAt = "last_outlook_scan_at"
)

// Row is one persisted mirror pair. Origin records which side was
// authoritative at creation; the last-observed fingerprints and modification
// timestamps drive change detection.
type Row struct {
	OutlookID string
	GoogleID  string
	Origin    event.Side

	LastOutlookModified time.Time
	LastGoogleModified  time.Time

	LastOutlookFingerprint string
	LastGoogleFingerprint  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the SQLite database holding pairs and cursors.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so the same statements
// serve standalone calls and transactional ones.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const rowColumns = `outlook_id, google_id, origin,
	last_outlook_modified, last_google_modified,
	last_outlook_fingerprint, last_google_fingerprint,
	created_at, updated_at`

// GetByOutlook returns the row keyed by the Outlook id, or nil.
func (s *Store) GetByOutlook(ctx context.Context, id string) (*Row, error) {
	return getRow(ctx, s.db, "outlook_id", id)
}

// GetByGoogle returns the row keyed by the Google id, or nil.
func (s *Store) GetByGoogle(ctx context.Context, id string) (*Row, error) {
	return getRow(ctx, s.db, "google_id", id)
}

func getRow(ctx context.Context, q querier, column, id string) (*Row, error) {
	query := fmt.Sprintf("SELECT %s FROM pair WHERE %s = ?", rowColumns, column)
	row, err := scanRow(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair by %s: %w", column, err)
	}
	return row, nil
}

// ListAll returns every pair ordered by Outlook id.
func (s *Store) ListAll(ctx context.Context) ([]Row, error) {
	query := fmt.Sprintf("SELECT %s FROM pair ORDER BY outlook_id", rowColumns)
	return listRows(ctx, s.db, query)
}

// ListWhereOutlookIn returns the pairs whose Outlook id is in ids, ordered
// by Outlook id.
func (s *Store) ListWhereOutlookIn(ctx context.Context, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf("SELECT %s FROM pair WHERE outlook_id IN (%s) ORDER BY outlook_id",
		rowColumns, placeholders)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return listRows(ctx, s.db, query, args...)
}

func listRows(ctx context.Context, q querier, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Upsert inserts the row or replaces the row with the same Outlook id,
// preserving created_at.
func (s *Store) Upsert(ctx context.Context, r Row) error {
	return upsertRow(ctx, s.db, r)
}

// Delete removes the pair identified by both ids. Missing rows are not an
// error.
func (s *Store) Delete(ctx context.Context, outlookID, googleID string) error {
	return deleteRow(ctx, s.db, outlookID, googleID)
}

// GetCursor returns the named cursor and whether it exists.
func (s *Store) GetCursor(ctx context.Context, name string) (string, bool, error) {
	return getCursor(ctx, s.db, name)
}

// SetCursor writes the named cursor.
func (s *Store) SetCursor(ctx context.Context, name, value string) error {
	return setCursor(ctx, s.db, name, value)
}

// Tx exposes the mutating operations inside a transaction.
type Tx struct {
	tx *sql.Tx
}

// Upsert inserts or replaces a row within the transaction.
func (t *Tx) Upsert(ctx context.Context, r Row) error {
	return upsertRow(ctx, t.tx, r)
}

// Delete removes a pair within the transaction.
func (t *Tx) Delete(ctx context.Context, outlookID, googleID string) error {
	return deleteRow(ctx, t.tx, outlookID, googleID)
}

// SetCursor writes a cursor within the transaction.
func (t *Tx) SetCursor(ctx context.Context, name, value string) error {
	return setCursor(ctx, t.tx, name, value)
}

// Transaction runs fn atomically: either every mutation commits or none do.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertRow(ctx context.Context, q querier, r Row) error {
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pair (
			outlook_id, google_id, origin,
			last_outlook_modified, last_google_modified,
			last_outlook_fingerprint, last_google_fingerprint,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outlook_id) DO UPDATE SET
			google_id = excluded.google_id,
			origin = excluded.origin,
			last_outlook_modified = excluded.last_outlook_modified,
			last_google_modified = excluded.last_google_modified,
			last_outlook_fingerprint = excluded.last_outlook_fingerprint,
			last_google_fingerprint = excluded.last_google_fingerprint,
			updated_at = excluded.updated_at`,
		r.OutlookID, r.GoogleID, string(r.Origin),
		encodeTime(r.LastOutlookModified), encodeTime(r.LastGoogleModified),
		r.LastOutlookFingerprint, r.LastGoogleFingerprint,
		encodeTime(created), encodeTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pair: %w", err)
	}
	return nil
}

func deleteRow(ctx context.Context, q querier, outlookID, googleID string) error {
	_, err := q.ExecContext(ctx,
		"DELETE FROM pair WHERE outlook_id = ? AND google_id = ?",
		outlookID, googleID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pair: %w", err)
	}
	return nil
}

func getCursor(ctx context.Context, q querier, name string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM cursor WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	return value, true, nil
}

func setCursor(ctx context.Context, q querier, name, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cursor (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write cursor %s: %w", name, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (*Row, error) { return scanInto(row) }

func scanRows(rows *sql.Rows) (*Row, error) { return scanInto(rows) }

func scanInto(s scanner) (*Row, error) {
	var r Row
	var origin, lom, lgm, created, updated string
	if err := s.Scan(
		&r.OutlookID, &r.GoogleID, &origin,
		&lom, &lgm,
		&r.LastOutlookFingerprint, &r.LastGoogleFingerprint,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	r.Origin = event.Side(origin)
	r.LastOutlookModified = decodeTime(lom)
	r.LastGoogleModified = decodeTime(lgm)
	r.CreatedAt = decodeTime(created)
	r.UpdatedAt = decodeTime(updated)
	return &r, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
