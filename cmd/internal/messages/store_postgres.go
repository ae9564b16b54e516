package messages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// IDs and timestamps are assigned here rather than by column defaults so a
// batch keeps its input order under the (created_at, id) ordering.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "krismini").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messages: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messages: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the clock used to stamp created_at.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now == nil {
			return errors.New("messages: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "krismini",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messages: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table() string { return pgIdent(s.schema, "chat_messages") }

// EnsureSchema creates the schema, table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tbl := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  role       TEXT NOT NULL CHECK (role IN ('user', 'ai')),
  content    TEXT NOT NULL CHECK (char_length(content) > 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_user_created
  ON %s (user_id, created_at DESC, id DESC);
`, pgx.Identifier{s.schema}.Sanitize(), tbl, tbl)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Ping runs a trivial read against the messages table.
func (s *PostgresStore) Ping(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT 1 FROM `+s.table()+` LIMIT 1`)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

// Insert stores the batch in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, in []chat.NewMessage) ([]chat.Message, error) {
	const op = "messages.Insert"
	if err := validateBatch(op, in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	out := make([]chat.Message, 0, len(in))
	for i, m := range in {
		ts := now.Add(time.Duration(i) * time.Microsecond)
		id, err := ids.NewULID(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, chat.Message{ID: id, UserID: m.UserID, Role: m.Role, Content: m.Content, CreatedAt: ts})
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `INSERT INTO ` + s.table() + ` (id, user_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`
	batch := &pgx.Batch{}
	for _, m := range out {
		batch.Queue(insert, m.ID, m.UserID, string(m.Role), m.Content, m.CreatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range out {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert message: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// List runs a bounded range query ordered by (created_at, id).
func (s *PostgresStore) List(ctx context.Context, in ListInput) ([]chat.Message, error) {
	const op = "messages.List"
	if err := in.validate(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []any{in.UserID}
	where := []string{"user_id = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if c := in.Before; c != nil {
		if c.ID == "" {
			where = append(where, "created_at < "+arg(c.CreatedAt))
		} else {
			where = append(where, "(created_at, id) < ("+arg(c.CreatedAt)+", "+arg(c.ID)+")")
		}
	}
	if c := in.After; c != nil {
		if c.ID == "" {
			where = append(where, "created_at > "+arg(c.CreatedAt))
		} else {
			where = append(where, "(created_at, id) > ("+arg(c.CreatedAt)+", "+arg(c.ID)+")")
		}
	}

	dir := "ASC"
	if in.Order == Descending {
		dir = "DESC"
	}

	q := `SELECT id, user_id, role, content, created_at
	        FROM ` + s.table() + `
	       WHERE ` + strings.Join(where, " AND ") + `
	       ORDER BY created_at ` + dir + `, id ` + dir + `
	       LIMIT ` + arg(in.Limit) + ` OFFSET ` + arg(in.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, in.Limit)
	for rows.Next() {
		var (
			m    chat.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, chat.E("messages.Count", chat.ErrInvalidInput, "user id is required")
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table()+` WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, chat.E("messages.DeleteByUser", chat.ErrInvalidInput, "user id is required")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
