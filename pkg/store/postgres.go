package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ Store  = (*Postgres)(nil)
	_ Seeder = (*Postgres)(nil)
)

// OpenPostgres creates a pgx pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Postgres, error) {
	pool, err := Connect(ctx, dsn, opts...)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Connect creates a pgx connection pool with conservative defaults.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// normalizeDSN strips driver suffixes that other ecosystems put in the scheme.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

// Pool exposes the underlying pool.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Conversation implements Store.
func (p *Postgres) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var preview *string
	err := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &preview, &c.LastMessageAt, &c.Unread1, &c.Unread2)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	if preview != nil {
		c.LastMessagePreview = *preview
	}
	return &c, nil
}

// SendMessage implements Store. The insert and the counter update run in one
// transaction; the database clock is authoritative for created_at when the
// caller leaves it zero.
func (p *Postgres) SendMessage(ctx context.Context, m *Message, recipient Slot) (*Message, int, error) {
	// now() is fixed for the transaction, so both rows carry the same time.
	q, err := recordQuery(recipient, "$1", "COALESCE($2::timestamptz, now())", "$3")
	if err != nil {
		return nil, 0, err
	}
	out := *m
	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		createdAt = &out.CreatedAt
	}

	var unread int
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, q, Preview(&out), createdAt, out.ConversationID).Scan(&unread)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("record message: %w", err)
		}
		err = tx.QueryRow(ctx, `INSERT INTO messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
			RETURNING created_at`,
			out.ID, out.ConversationID, out.SenderID, out.Content, out.Type, out.FileURL, out.FileName,
			out.FileSize, out.IsRead, createdAt).Scan(&out.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &out, unread, nil
}

// MarkRead implements Store.
func (p *Postgres) MarkRead(ctx context.Context, conversationID string, reader Slot, readerID string) (int64, error) {
	reset, err := resetQuery(reader, "$1")
	if err != nil {
		return 0, err
	}
	var n int64
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE messages SET is_read = TRUE
			WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`, conversationID, readerID)
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		n = tag.RowsAffected()
		tag, err = tx.Exec(ctx, reset, conversationID)
		if err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// User implements Store.
func (p *Postgres) User(ctx context.Context, id string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `SELECT id, name, email, image, last_active_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Image, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// TouchLastActive implements Store in one statement.
func (p *Postgres) TouchLastActive(ctx context.Context, at time.Time, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `UPDATE users SET last_active_at = $1 WHERE id = ANY($2)`, at, userIDs); err != nil {
		return fmt.Errorf("touch last active: %w", err)
	}
	return nil
}

// PutUser implements Seeder.
func (p *Postgres) PutUser(ctx context.Context, u *User) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO users (id, name, email, image, last_active_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			image = EXCLUDED.image,
			last_active_at = EXCLUDED.last_active_at`,
		u.ID, u.Name, u.Email, u.Image, u.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateConversation implements Seeder.
func (p *Postgres) CreateConversation(ctx context.Context, id, participant1, participant2 string) (*Conversation, error) {
	_, err := p.pool.Exec(ctx, `INSERT INTO conversations (id, participant1_id, participant2_id) VALUES ($1, $2, $3)`,
		id, participant1, participant2)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &Conversation{ID: id, Participant1ID: participant1, Participant2ID: participant2}, nil
}

// Messages implements Seeder, oldest first.
func (p *Postgres) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.FileURL,
			&m.FileName, &m.FileSize, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
