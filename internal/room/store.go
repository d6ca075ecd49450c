package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Store is the durable room store consumed by the Manager. The Postgres
// implementation lives below; tests substitute an in-memory one.
type Store interface {
	Create(ctx context.Context, room *Room) error
	Get(ctx context.Context, roomID string) (*Room, error)
	// FindActiveBySubject returns all active rooms for a subject, with
	// participants loaded.
	FindActiveBySubject(ctx context.Context, subjectID string) ([]*Room, error)
	UpdateLastMessageSummary(ctx context.Context, roomID, summary string) error
}

// psql builds queries with Postgres dollar placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore persists rooms and participants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore over the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the room and its participants in one transaction.
func (s *PostgresStore) Create(ctx context.Context, room *Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("room: begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := psql.Insert("rooms").
		Columns("id", "subject_id", "status", "created_at").
		Values(room.ID, room.SubjectID, room.Status, room.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("room: build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("room: insert room: %w", err)
	}

	insert := psql.Insert("room_participants").
		Columns("room_id", "user_id", "role", "joined_at")
	for _, p := range room.Participants {
		insert = insert.Values(room.ID, p.UserID, p.Role, p.JoinedAt)
	}
	query, args, err = insert.ToSql()
	if err != nil {
		return fmt.Errorf("room: build participant insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("room: insert participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("room: commit: %w", err)
	}
	return nil
}

// Get loads a room with its participants. Returns (nil, nil) if not found.
func (s *PostgresStore) Get(ctx context.Context, roomID string) (*Room, error) {
	query, args, err := psql.Select("id", "subject_id", "status", "last_message_summary", "created_at").
		From("rooms").
		Where(sq.Eq{"id": roomID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("room: build select: %w", err)
	}

	var (
		room    Room
		summary sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&room.ID, &room.SubjectID, &room.Status, &summary, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: select room: %w", err)
	}
	room.LastMessageSummary = summary.String

	if room.Participants, err = s.participants(ctx, roomID); err != nil {
		return nil, err
	}
	return &room, nil
}

// FindActiveBySubject returns all active rooms for the subject with
// participants loaded.
func (s *PostgresStore) FindActiveBySubject(ctx context.Context, subjectID string) ([]*Room, error) {
	query, args, err := psql.Select("id", "subject_id", "status", "last_message_summary", "created_at").
		From("rooms").
		Where(sq.Eq{"subject_id": subjectID, "status": StatusActive}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("room: build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("room: select by subject: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var (
			room    Room
			summary sql.NullString
		)
		if err := rows.Scan(&room.ID, &room.SubjectID, &room.Status, &summary, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("room: scan room: %w", err)
		}
		room.LastMessageSummary = summary.String
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: iterate rooms: %w", err)
	}

	for _, room := range rooms {
		if room.Participants, err = s.participants(ctx, room.ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// UpdateLastMessageSummary stores the preview text shown in room lists.
func (s *PostgresStore) UpdateLastMessageSummary(ctx context.Context, roomID, summary string) error {
	query, args, err := psql.Update("rooms").
		Set("last_message_summary", summary).
		Where(sq.Eq{"id": roomID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("room: build update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("room: update summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) participants(ctx context.Context, roomID string) ([]Participant, error) {
	query, args, err := psql.Select("user_id", "role", "joined_at").
		From("room_participants").
		Where(sq.Eq{"room_id": roomID}).
		OrderBy("joined_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("room: build participant select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("room: select participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("room: scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: iterate participants: %w", err)
	}
	return participants, nil
}
