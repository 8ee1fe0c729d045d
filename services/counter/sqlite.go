package counter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sensornode-go/x/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS counters (
	namespace TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     INTEGER NOT NULL,
	PRIMARY KEY (namespace, name)
) WITHOUT ROWID;
`

// SQLite is a Store backed by a single SQLite connection. Every Set is one
// IMMEDIATE transaction with synchronous=FULL, so a commit that returns
// has reached stable storage, and a crash before commit leaves the
// previous value intact.
type SQLite struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	logger = logging.Component(logger, "counter")
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("counter: %w", err)
		}
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("counter: opening %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("counter: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("counter: schema: %w", err)
	}
	logger.Debug("counter store opened", "path", path)
	return &SQLite{conn: conn, path: path, logger: logger}, nil
}

func (s *SQLite) Get(ctx context.Context, key Key) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, false, ErrClosed
	}
	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	var (
		value uint32
		found bool
	)
	err := sqlitex.Execute(s.conn,
		`SELECT value FROM counters WHERE namespace = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.Namespace, key.Name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = uint32(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("counter: get %s: %w", key, err)
	}
	return value, found, nil
}

func (s *SQLite) Set(ctx context.Context, key Key, value uint32) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	endTransaction, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("counter: begin: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(s.conn,
		`INSERT INTO counters (namespace, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, name) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key.Namespace, key.Name, int64(value)}})
	if err != nil {
		return fmt.Errorf("counter: set %s: %w", key, err)
	}
	return nil
}

// Close checkpoints and closes the database. Safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if err := sqlitex.ExecuteTransient(s.conn, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
		s.logger.Warn("wal checkpoint failed", "path", s.path, "error", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("counter: closing %s: %w", s.path, err)
	}
	return nil
}
