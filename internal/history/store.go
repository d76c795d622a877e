// Package history keeps a SQLite log of finished fetches.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/storage"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultLimit caps Recent when the caller passes a non-positive limit.
const DefaultLimit = 50

var ErrNotFound = errors.New("history: entry not found")

// Entry is one recorded fetch outcome.
type Entry struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	Status      string        `json:"status"`
	StatusCode  int           `json:"status_code,omitempty"`
	ErrorKind   string        `json:"error_kind"`
	LastError   string        `json:"last_error,omitempty"`
	BodyBytes   int           `json:"body_bytes"`
	BodyDigest  string        `json:"body_digest,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Store persists fetch results to the fetch_log table.
type Store struct {
	db  *sql.DB
	own bool
}

// Open opens (or creates) the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, openError(err)
	}
	return &Store{db: db, own: true}, nil
}

func openError(err error) error {
	var nfs *storage.NetworkFSError
	if errors.As(err, &nfs) {
		return fmt.Errorf("history: %w (set history.path or --db to a file on local disk)", err)
	}
	return fmt.Errorf("history: open: %w", err)
}

// NewStore wraps an already bootstrapped database. Close leaves db open.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

// EntryFromResult flattens a fetch result into a row.
func EntryFromResult(res fetch.Result) Entry {
	e := Entry{
		ID:          res.ID,
		URL:         res.URL,
		ErrorKind:   res.Kind().String(),
		BodyDigest:  res.Digest,
		StartedAt:   res.StartedAt.UTC(),
		CompletedAt: res.FinishedAt.UTC(),
		Duration:    res.Duration(),
	}
	if res.OK() {
		e.Status = "ok"
		e.StatusCode = res.Response.StatusCode
		e.BodyBytes = len(res.Response.Body)
	} else {
		e.Status = "error"
	}
	if res.Err != nil {
		e.LastError = res.Err.Error()
	}
	return e
}

// Record appends res. Recording the same ID twice replaces the first row.
func (s *Store) Record(ctx context.Context, res fetch.Result) error {
	if res.ID == "" {
		return fmt.Errorf("history: result has no id")
	}
	e := EntryFromResult(res)

	var code sql.NullInt64
	if e.StatusCode != 0 {
		code = sql.NullInt64{Int64: int64(e.StatusCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fetch_log(id, url, status, status_code, error_kind, last_error, body_bytes, body_digest, started_at, completed_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  url = excluded.url,
  status = excluded.status,
  status_code = excluded.status_code,
  error_kind = excluded.error_kind,
  last_error = excluded.last_error,
  body_bytes = excluded.body_bytes,
  body_digest = excluded.body_digest,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  duration_ms = excluded.duration_ms;
`,
		e.ID, e.URL, e.Status, code, e.ErrorKind, nullString(e.LastError), e.BodyBytes, nullString(e.BodyDigest),
		formatTime(e.StartedAt), formatTime(e.CompletedAt), e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("history: insert %s: %w", e.ID, err)
	}
	return nil
}

const selectColumns = `id, url, status, status_code, error_kind, last_error, body_bytes, body_digest, started_at, completed_at, duration_ms`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM fetch_log ORDER BY completed_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate recent: %w", err)
	}
	return out, nil
}

// Get returns the entry with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM fetch_log WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                  Entry
		code               sql.NullInt64
		lastErr, digest    sql.NullString
		started, completed string
		durationMS         int64
	)
	err := sc.Scan(&e.ID, &e.URL, &e.Status, &code, &e.ErrorKind, &lastErr, &e.BodyBytes, &digest, &started, &completed, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, fmt.Errorf("history: scan row: %w", err)
	}
	e.StatusCode = int(code.Int64)
	e.LastError = lastErr.String
	e.BodyDigest = digest.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return Entry{}, fmt.Errorf("history: parse started_at for %s: %w", e.ID, err)
	}
	if e.CompletedAt, err = time.Parse(timeLayout, completed); err != nil {
		return Entry{}, fmt.Errorf("history: parse completed_at for %s: %w", e.ID, err)
	}
	return e, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
