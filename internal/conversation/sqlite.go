package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT    NOT NULL,
	thread_id  TEXT    NOT NULL,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_thread ON checkpoints (thread_id, id);
CREATE INDEX IF NOT EXISTS checkpoints_user ON checkpoints (user_id);
`

// SQLiteConfig configures a SQLite-backed Store.
type SQLiteConfig struct {
	// Path is the database file. It is created if missing.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// MaxMessages is the per-thread retention window.
	MaxMessages int

	Logger *slog.Logger
}

// SQLite stores conversation history in a local SQLite database in WAL
// mode.
type SQLite struct {
	pool        *sqlitex.Pool
	maxMessages int
	logger      *slog.Logger
	path        string
}

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("conversation sqlite: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation sqlite: opening %s: %w", cfg.Path, err)
	}

	logger.Info("conversation store opened", "backend", "sqlite", "path", cfg.Path, "pool_size", poolSize)
	return &SQLite{pool: pool, maxMessages: maxMessages, logger: logger, path: cfg.Path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes every pooled connection.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("conversation sqlite: closing %s: %w", s.path, err)
	}
	return nil
}

// NewHandle implements Store.
func (s *SQLite) NewHandle(userID string) Handle {
	return NewHandle(userID)
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, h Handle) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	var msgs []Message
	err = sqlitex.Execute(conn,
		`SELECT role, content, created_at FROM checkpoints WHERE thread_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{h.ThreadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msgs = append(msgs, Message{
					Role:      Role(stmt.ColumnText(0)),
					Content:   stmt.ColumnText(1),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("conversation sqlite: load %s: %w", h.ThreadID, err)
	}
	return msgs, nil
}

// Append implements Store.
func (s *SQLite) Append(ctx context.Context, h Handle, messages ...Message) (err error) {
	if len(messages) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("conversation sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	for _, m := range stamp(messages, time.Now()) {
		err = sqlitex.Execute(conn,
			`INSERT INTO checkpoints (user_id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{h.UserID, h.ThreadID, string(m.Role), m.Content, m.CreatedAt.UnixNano()},
			})
		if err != nil {
			return fmt.Errorf("conversation sqlite: append %s: %w", h.ThreadID, err)
		}
	}

	err = sqlitex.Execute(conn,
		`DELETE FROM checkpoints WHERE thread_id = ? AND id NOT IN
			(SELECT id FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT ?)`,
		&sqlitex.ExecOptions{Args: []any{h.ThreadID, h.ThreadID, s.maxMessages}})
	if err != nil {
		return fmt.Errorf("conversation sqlite: trim %s: %w", h.ThreadID, err)
	}
	return nil
}

// Discard implements Store.
func (s *SQLite) Discard(ctx context.Context, h Handle) error {
	return s.exec(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, h.ThreadID)
}

// DeleteAll implements Store.
func (s *SQLite) DeleteAll(ctx context.Context, userID string) error {
	return s.exec(ctx, `DELETE FROM checkpoints WHERE user_id = ?`, userID)
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("conversation sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("conversation sqlite: %w", err)
	}
	s.logger.Debug("conversation rows deleted", "backend", "sqlite", "rows", conn.Changes())
	return nil
}
