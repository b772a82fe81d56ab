// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: The database lives in memory and disappears with the process

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMemoryStore creates a store backed by an in-memory SQLite database.
// Nothing is written to disk.
func NewMemoryStore(logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database; pin to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("session ledger initialized")
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			frontend     TEXT NOT NULL,
			remote_addr  TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			requests     INTEGER NOT NULL DEFAULT 0,
			replies      INTEGER NOT NULL DEFAULT 0,
			silent       INTEGER NOT NULL DEFAULT 0,
			failures     INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',

			CHECK (frontend IN ('tcp', 'websocket'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// OpenSession inserts a new session row.
func (s *SQLiteStore) OpenSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, frontend, remote_addr, started_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.Frontend, sess.RemoteAddr, sess.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordExchange increments the request counter and the outcome's counter.
func (s *SQLiteStore) RecordExchange(ctx context.Context, sessionID string, outcome Outcome) error {
	var column string
	switch outcome {
	case OutcomeReply:
		column = "replies"
	case OutcomeSilent:
		column = "silent"
	case OutcomeFailure:
		column = "failures"
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	query := fmt.Sprintf(`UPDATE sessions SET requests = requests + 1, %s = %s + 1 WHERE id = ?`, column, column)
	res, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("recording exchange: %w", err)
	}
	return requireOneRow(res)
}

// CloseSession stamps ended_at on an open session.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, close_reason = ?
		WHERE id = ? AND ended_at IS NULL
	`, time.Now().UTC().Format(timeFormat), reason, sessionID)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return requireOneRow(res)
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, frontend, remote_addr, started_at, ended_at,
		       requests, replies, silent, failures, close_reason
		FROM sessions WHERE id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frontend, remote_addr, started_at, ended_at,
		       requests, replies, silent, failures, close_reason
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the database; its contents are gone afterwards.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	err := sc.Scan(&sess.ID, &sess.Frontend, &sess.RemoteAddr, &started, &ended,
		&sess.Requests, &sess.Replies, &sess.Silent, &sess.Failures, &sess.CloseReason)
	if err != nil {
		return nil, err
	}

	sess.StartedAt, err = time.Parse(timeFormat, started)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(timeFormat, ended.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
