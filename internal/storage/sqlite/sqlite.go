package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sessionColumns = `id, user_id, profile, sandbox_id, status, created_at, updated_at, ended_at`

func (s *SQLiteStore) RecordSession(ctx context.Context, rec *storage.Record) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = storage.StatusProvisioning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, profile, sandbox_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Profile, rec.SandboxID, string(rec.Status),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status storage.Status, sandboxID string) error {
	now := formatTime(s.now())

	query := `UPDATE sessions SET status = ?, updated_at = ?`
	args := []any{string(status), now}
	if sandboxID != "" {
		query += `, sandbox_id = ?`
		args = append(args, sandboxID)
	}
	if status.Ended() {
		query += `, ended_at = COALESCE(ended_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e storage.Event) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.Detail, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.Record, error) {
	// Try exact match first, then prefix match
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q matches %d sessions: %w", id, len(matches), errdefs.ErrInvalidConfig)
	}
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts storage.ListOptions) ([]storage.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}

	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]storage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, detail, at FROM session_events
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		var e storage.Event
		var at string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) AppendCommand(ctx context.Context, c storage.Command) error {
	if c.At.IsZero() {
		c.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_commands (session_id, text, at) VALUES (?, ?, ?)`,
		c.SessionID, c.Text, formatTime(c.At),
	)
	if err != nil {
		return fmt.Errorf("appending command: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCommands(ctx context.Context, sessionID string, limit, offset int) ([]storage.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, text, at FROM session_commands
		WHERE session_id = ? ORDER BY id LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	return scanCommands(rows)
}

func (s *SQLiteStore) SearchCommands(ctx context.Context, q storage.CommandSearch) ([]storage.Command, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT c.id, c.session_id, c.text, c.at FROM session_commands c
		JOIN sessions s ON s.id = c.session_id WHERE 1 = 1`
	var args []any
	if q.UserID != "" {
		query += ` AND s.user_id = ?`
		args = append(args, q.UserID)
	}
	if q.SessionID != "" {
		query += ` AND c.session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Term != "" {
		query += ` AND c.text LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscaper.Replace(q.Term)+"%")
	}
	query += ` ORDER BY c.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching commands: %w", err)
	}
	return scanCommands(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanCommands(rows *sql.Rows) ([]storage.Command, error) {
	defer rows.Close()
	var out []storage.Command
	for rows.Next() {
		var c storage.Command
		var at string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Text, &at); err != nil {
			return nil, err
		}
		c.At = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*storage.Record, error) {
	var rec storage.Record
	var status, createdAt, updatedAt string
	var endedAt sql.NullString
	err := sc.Scan(&rec.ID, &rec.UserID, &rec.Profile, &rec.SandboxID, &status,
		&createdAt, &updatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = storage.Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if endedAt.Valid && endedAt.String != "" {
		t := parseTime(endedAt.String)
		rec.EndedAt = &t
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}
