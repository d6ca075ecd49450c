package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists audit records in PostgreSQL. It is used only by the auditor
// service and moderation tooling, never by the chat pipeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends one audit record. Metadata is stored as JSONB.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("activity: marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO activity_records (user_id, action, room_id, target_user_id, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.Action, rec.RoomID, rec.TargetUserID, metadata, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("activity: insert: %w", err)
	}
	return nil
}

// ListForUser returns a user's recent records for moderation review.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	const query = `
		SELECT user_id, action, COALESCE(room_id, ''), COALESCE(target_user_id, ''), metadata, created_at
		FROM activity_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			metadata []byte
		)
		if err := rows.Scan(&rec.UserID, &rec.Action, &rec.RoomID, &rec.TargetUserID, &metadata, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("activity: scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("activity: unmarshal metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate: %w", err)
	}
	return records, nil
}

// Purge deletes records older than the retention window.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `DELETE FROM activity_records WHERE created_at < $1`
	res, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("activity: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("activity: rows affected: %w", err)
	}
	return n, nil
}
