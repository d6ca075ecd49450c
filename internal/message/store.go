package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Store is the durable message store. Insert is idempotent on the
// (sender_id, room_id, client_message_id) tuple; the status updates enforce
// the forward-only delivery state machine at the storage layer so concurrent
// updaters cannot regress a message.
type Store interface {
	// Insert persists msg with status sent. If a message with the same
	// idempotency tuple already exists, the existing message is returned
	// and existed is true; nothing is written.
	Insert(ctx context.Context, msg *Message) (stored *Message, existed bool, err error)
	Get(ctx context.Context, messageID string) (*Message, error)
	// MarkDelivered moves sent -> delivered. Returns false if the message
	// was not in sent state (already delivered, read, or failed).
	MarkDelivered(ctx context.Context, messageID string) (bool, error)
	// MarkRead records a read receipt for readerID and advances the message
	// to read. The message must belong to roomID; ids from other rooms are
	// skipped. Idempotent per (messageID, readerID); returns false if this
	// reader already had a receipt.
	MarkRead(ctx context.Context, roomID, messageID, readerID string, at time.Time) (bool, error)
	// MarkFailed moves sent -> failed (terminal). Returns false if the
	// message had already progressed past sent.
	MarkFailed(ctx context.Context, messageID string) (bool, error)
	IncrementRetry(ctx context.Context, messageID string) (int, error)
	// ListRecent returns up to limit of the room's newest messages, oldest
	// first.
	ListRecent(ctx context.Context, roomID string, limit int) ([]*Message, error)
	// Readers returns the read receipts recorded for a message.
	Readers(ctx context.Context, messageID string) ([]ReadReceipt, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore persists messages and read receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore over the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = "id, room_id, sender_id, content, content_type, client_message_id, delivery_status, retry_count, created_at, expires_at"

func (s *PostgresStore) Insert(ctx context.Context, msg *Message) (*Message, bool, error) {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, content, content_type, client_message_id, delivery_status, retry_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sender_id, room_id, client_message_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.ContentType,
		msg.ClientMessageID, msg.DeliveryStatus, msg.RetryCount,
		msg.CreatedAt, msg.ExpiresAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("message: insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("message: rows affected: %w", err)
	}
	if affected > 0 {
		return msg, false, nil
	}

	// The tuple already exists: return the original message so the caller
	// can replay the original acknowledgment.
	existing, err := s.getByTuple(ctx, msg.SenderID, msg.RoomID, msg.ClientMessageID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("message: conflict without existing row for client key %s", msg.ClientMessageID)
	}
	return existing, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (*Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, messageID))
}

func (s *PostgresStore) getByTuple(ctx context.Context, senderID, roomID, clientMessageID string) (*Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = $1 AND room_id = $2 AND client_message_id = $3`
	return s.scanOne(s.db.QueryRowContext(ctx, query, senderID, roomID, clientMessageID))
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.ContentType,
		&m.ClientMessageID, &m.DeliveryStatus, &m.RetryCount, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message: scan: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	// The status guard in the WHERE clause makes the transition monotonic.
	const query = `
		UPDATE messages SET delivery_status = $1
		WHERE id = $2 AND delivery_status = $3`
	res, err := s.db.ExecContext(ctx, query, StatusDelivered, messageID, StatusSent)
	if err != nil {
		return false, fmt.Errorf("message: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, roomID, messageID, readerID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("message: begin tx: %w", err)
	}
	defer tx.Rollback()

	// The receipt is sourced from the messages row so a message id outside
	// the room the reader was authorized for inserts nothing.
	const receiptQuery = `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, $3
		FROM messages m
		WHERE m.id = $1 AND m.room_id = $4
		ON CONFLICT (message_id, user_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, receiptQuery, messageID, readerID, at, roomID)
	if err != nil {
		return false, fmt.Errorf("message: insert receipt: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message: rows affected: %w", err)
	}

	// A read receipt implies delivery; failed messages stay failed.
	const statusQuery = `
		UPDATE messages SET delivery_status = $1
		WHERE id = $2 AND room_id = $5 AND delivery_status IN ($3, $4)`
	if _, err := tx.ExecContext(ctx, statusQuery, StatusRead, messageID, StatusSent, StatusDelivered, roomID); err != nil {
		return false, fmt.Errorf("message: mark read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("message: commit: %w", err)
	}
	return inserted > 0, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, messageID string) (bool, error) {
	const query = `
		UPDATE messages SET delivery_status = $1
		WHERE id = $2 AND delivery_status = $3`
	res, err := s.db.ExecContext(ctx, query, StatusFailed, messageID, StatusSent)
	if err != nil {
		return false, fmt.Errorf("message: mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, messageID string) (int, error) {
	const query = `
		UPDATE messages SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count`
	var count int
	if err := s.db.QueryRowContext(ctx, query, messageID).Scan(&count); err != nil {
		return 0, fmt.Errorf("message: increment retry: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	query, args, err := psql.Select("id", "room_id", "sender_id", "content", "content_type",
		"client_message_id", "delivery_status", "retry_count", "created_at", "expires_at").
		From("messages").
		Where(sq.Eq{"room_id": roomID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("message: build list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: list recent: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.ContentType,
			&m.ClientMessageID, &m.DeliveryStatus, &m.RetryCount, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}

	// Reverse to chronological order, oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) Readers(ctx context.Context, messageID string) ([]ReadReceipt, error) {
	const query = `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = $1
		ORDER BY read_at`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("message: readers: %w", err)
	}
	defer rows.Close()

	var receipts []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("message: scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate receipts: %w", err)
	}
	return receipts, nil
}

// Purge hard-deletes messages whose retention window has elapsed. It is run
// on a schedule by the sweeper, never from the pipeline.
func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM messages WHERE expires_at <= $1`
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("message: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: rows affected: %w", err)
	}
	return n, nil
}
