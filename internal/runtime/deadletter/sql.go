package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
)

// SQLStore keeps entries in a dead_letters table on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type dialect struct {
	name   string
	schema string
	insert string
	list   string
	count  string
	purge  string
}

var sqliteDialect = dialect{
	name: "sqlite3",
	schema: `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reason TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB,
		error_message TEXT,
		failed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(reason, failed_at);
	`,
	insert: `INSERT INTO dead_letters (reason, topic, payload, error_message, failed_at) VALUES (?, ?, ?, ?, ?)`,
	list: `SELECT id, reason, topic, payload, error_message, failed_at FROM dead_letters
		WHERE (? = '' OR reason = ?) ORDER BY id DESC LIMIT ?`,
	count: `SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR reason = ?)`,
	purge: `DELETE FROM dead_letters WHERE (? = '' OR reason = ?)`,
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		reason TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BYTEA,
		error_message TEXT,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(reason, failed_at);
	`,
	insert: `INSERT INTO dead_letters (reason, topic, payload, error_message, failed_at) VALUES ($1, $2, $3, $4, $5)`,
	list: `SELECT id, reason, topic, payload, error_message, failed_at FROM dead_letters
		WHERE ($1::text = '' OR reason = $1::text) ORDER BY id DESC LIMIT $2`,
	count: `SELECT COUNT(*) FROM dead_letters WHERE ($1::text = '' OR reason = $1::text)`,
	purge: `DELETE FROM dead_letters WHERE ($1::text = '' OR reason = $1::text)`,
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("deadletter: sqlite path is required")
	}
	db, err := sql.Open(sqliteDialect.name, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("deadletter: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenPostgres connects to PostgreSQL using dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("deadletter: postgres DSN is required")
	}
	db, err := sql.Open(postgresDialect.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: connect postgres: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: initialize schema: %w", err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Write(ctx context.Context, entry Entry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.insert,
		string(entry.Reason), entry.Topic, entry.Payload, entry.Error, ts.UTC())
	if err != nil {
		if s.closed.Load() {
			return errspkg.ErrDeadLetterStoreClose
		}
		return fmt.Errorf("deadletter: insert entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. An empty reason matches
// every entry.
func (s *SQLStore) List(ctx context.Context, reason Reason, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.list, s.reasonArgs(reason, limit)...)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			r      string
			errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &r, &e.Topic, &e.Payload, &errMsg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("deadletter: scan entry: %w", err)
		}
		e.Reason = Reason(r)
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports how many entries carry reason, or all entries for "".
func (s *SQLStore) Count(ctx context.Context, reason Reason) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.dialect.count, s.reasonArgs(reason)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("deadletter: count entries: %w", err)
	}
	return n, nil
}

// Purge deletes entries with reason, or every entry for "".
func (s *SQLStore) Purge(ctx context.Context, reason Reason) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.purge, s.reasonArgs(reason)...)
	if err != nil {
		return 0, fmt.Errorf("deadletter: purge entries: %w", err)
	}
	return res.RowsAffected()
}

// reasonArgs binds the empty-reason-or-match filter. SQLite placeholders
// are positional so the reason is passed twice; PostgreSQL reuses $1.
func (s *SQLStore) reasonArgs(reason Reason, extra ...any) []any {
	args := []any{string(reason)}
	if s.dialect.name == sqliteDialect.name {
		args = append(args, string(reason))
	}
	return append(args, extra...)
}

func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
