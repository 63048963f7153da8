package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgConn is the subset of *pgxpool.Pool used by Postgres.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	thread_id  TEXT        NOT NULL,
	role       TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_messages_thread ON conversation_messages (thread_id, id);
CREATE INDEX IF NOT EXISTS conversation_messages_user ON conversation_messages (user_id);
`

// Postgres stores conversation history in a shared Postgres database.
type Postgres struct {
	db          PgConn
	maxMessages int
	logger      *slog.Logger
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresMaxMessages sets the per-thread retention window.
func WithPostgresMaxMessages(n int) PostgresOption {
	return func(p *Postgres) {
		if n > 0 {
			p.maxMessages = n
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) { p.logger = logger }
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(db PgConn, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		db:          db,
		maxMessages: DefaultMaxMessages,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenPostgres connects to url, applies the schema and returns the store
// together with the pool so the caller can close it.
func OpenPostgres(ctx context.Context, url string, opts ...PostgresOption) (*Postgres, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation postgres: connect: %w", err)
	}
	p := NewPostgres(pool, opts...)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return p, pool, nil
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("conversation postgres: migrate: %w", err)
	}
	return nil
}

// NewHandle implements Store.
func (p *Postgres) NewHandle(userID string) Handle {
	return NewHandle(userID)
}

// Load implements Store.
func (p *Postgres) Load(ctx context.Context, h Handle) ([]Message, error) {
	rows, err := p.db.Query(ctx,
		`SELECT role, content, created_at FROM conversation_messages WHERE thread_id = $1 ORDER BY id`,
		h.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("conversation postgres: load %s: %w", h.ThreadID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			role    string
			content string
			created time.Time
		)
		if err := rows.Scan(&role, &content, &created); err != nil {
			return nil, fmt.Errorf("conversation postgres: scan: %w", err)
		}
		msgs = append(msgs, Message{Role: Role(role), Content: content, CreatedAt: created})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation postgres: load %s: %w", h.ThreadID, err)
	}
	return msgs, nil
}

// Append implements Store.
func (p *Postgres) Append(ctx context.Context, h Handle, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, m := range stamp(messages, time.Now()) {
		_, err := p.db.Exec(ctx,
			`INSERT INTO conversation_messages (user_id, thread_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			h.UserID, h.ThreadID, string(m.Role), m.Content, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("conversation postgres: append %s: %w", h.ThreadID, err)
		}
	}
	_, err := p.db.Exec(ctx,
		`DELETE FROM conversation_messages WHERE thread_id = $1 AND id NOT IN
			(SELECT id FROM conversation_messages WHERE thread_id = $1 ORDER BY id DESC LIMIT $2)`,
		h.ThreadID, p.maxMessages)
	if err != nil {
		return fmt.Errorf("conversation postgres: trim %s: %w", h.ThreadID, err)
	}
	return nil
}

// Discard implements Store.
func (p *Postgres) Discard(ctx context.Context, h Handle) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM conversation_messages WHERE thread_id = $1`, h.ThreadID)
	if err != nil {
		return fmt.Errorf("conversation postgres: discard %s: %w", h.ThreadID, err)
	}
	p.logger.Debug("conversation rows deleted", "backend", "postgres", "thread_id", h.ThreadID, "rows", tag.RowsAffected())
	return nil
}

// DeleteAll implements Store.
func (p *Postgres) DeleteAll(ctx context.Context, userID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM conversation_messages WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("conversation postgres: delete user %s: %w", userID, err)
	}
	p.logger.Debug("conversation rows deleted", "backend", "postgres", "user_id", userID, "rows", tag.RowsAffected())
	return nil
}
