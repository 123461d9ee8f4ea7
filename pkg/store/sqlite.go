package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// SQLite is a single-node Store backed by a SQLite file.
type SQLite struct {
	db *sql.DB
}

var (
	_ Store  = (*SQLite)(nil)
	_ Seeder = (*SQLite)(nil)
)

// OpenSQLite opens path with WAL mode and recommended pragmas.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, participant1_id, participant2_id, last_message_preview, last_message_at,
	participant1_unread, participant2_unread`

const messageColumns = `id, conversation_id, sender_id, content, message_type, file_url, file_name,
	file_size, is_read, created_at`

// Conversation implements Store.
func (s *SQLite) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var preview *string
	err := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &preview, &c.LastMessageAt, &c.Unread1, &c.Unread2)
	if errors.Is(err, sql.ErrNoRows) {
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

// SendMessage implements Store: the INSERT and the UPDATE ... RETURNING share one transaction.
func (s *SQLite) SendMessage(ctx context.Context, m *Message, recipient Slot) (*Message, int, error) {
	q, err := recordQuery(recipient, "?", "?", "?")
	if err != nil {
		return nil, 0, err
	}
	out := *m
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	var unread int
	err = tx.QueryRowContext(ctx, q, Preview(&out), out.CreatedAt.UTC(), out.ConversationID).Scan(&unread)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("record message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.ConversationID, out.SenderID, out.Content, out.Type, out.FileURL, out.FileName,
		out.FileSize, out.IsRead, out.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}
	return &out, unread, nil
}

// MarkRead implements Store.
func (s *SQLite) MarkRead(ctx context.Context, conversationID string, reader Slot, readerID string) (int64, error) {
	reset, err := resetQuery(reader, "?")
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	res, err = tx.ExecContext(ctx, reset, conversationID)
	if err != nil {
		return 0, fmt.Errorf("reset unread: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// User implements Store.
func (s *SQLite) User(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, image, last_active_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Image, &u.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// TouchLastActive implements Store.
func (s *SQLite) TouchLastActive(ctx context.Context, at time.Time, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `UPDATE users SET last_active_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }() //nolint:errcheck // closed with the tx

	for _, id := range userIDs {
		if _, err := stmt.ExecContext(ctx, at.UTC(), id); err != nil {
			return fmt.Errorf("touch %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PutUser implements Seeder.
func (s *SQLite) PutUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name, email, image, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			image = excluded.image,
			last_active_at = excluded.last_active_at`,
		u.ID, u.Name, u.Email, u.Image, u.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateConversation implements Seeder.
func (s *SQLite) CreateConversation(ctx context.Context, id, participant1, participant2 string) (*Conversation, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (id, participant1_id, participant2_id) VALUES (?, ?, ?)`,
		id, participant1, participant2)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &Conversation{ID: id, Participant1ID: participant1, Participant2ID: participant2}, nil
}

// Messages implements Seeder, oldest first.
func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer func() { _ = rows.Close() }() //nolint:errcheck // read-only

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

// recordQuery returns the unread-increment statement for the recipient slot.
// Column names are fixed per slot; values use the dialect's placeholders.
func recordQuery(recipient Slot, previewArg, atArg, idArg string) (string, error) {
	var col string
	switch recipient {
	case Slot1:
		col = "participant1_unread"
	case Slot2:
		col = "participant2_unread"
	default:
		return "", fmt.Errorf("invalid recipient slot %d", recipient)
	}
	return `UPDATE conversations SET ` + col + ` = ` + col + ` + 1, last_message_preview = ` + previewArg +
		`, last_message_at = ` + atArg + ` WHERE id = ` + idArg + ` RETURNING ` + col, nil
}

// resetQuery returns the statement that zeroes the reader's unread counter.
func resetQuery(reader Slot, idArg string) (string, error) {
	switch reader {
	case Slot1:
		return `UPDATE conversations SET participant1_unread = 0 WHERE id = ` + idArg, nil
	case Slot2:
		return `UPDATE conversations SET participant2_unread = 0 WHERE id = ` + idArg, nil
	default:
		return "", fmt.Errorf("invalid reader slot %d", reader)
	}
}
