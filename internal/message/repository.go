package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/postgres"
)

const selectColumns = `id, room_id, sender_id, sender_type, sender_name, msg_type, content,
mentions, reply_to_id, deleted, edited_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// CreateInTx inserts a message with a sender-chosen ID inside tx. A reused ID
// maps to ErrDuplicateID via the primary key.
func (r *PGRepository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (*Message, error) {
	mentions := params.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_type, sender_name, msg_type, content, mentions, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+selectColumns,
		params.ID, params.RoomID, params.SenderID, params.SenderType, params.SenderName,
		params.Type, params.Content, mentions, params.ReplyToID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetByID returns a single non-deleted message by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM messages WHERE id = $1 AND deleted = false", id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List returns non-deleted messages in a room ordered newest first, with
// cursor-based pagination on (created_at, id).
func (r *PGRepository) List(ctx context.Context, roomID uuid.UUID, before *uuid.UUID, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error

	if before != nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+` FROM messages
			 WHERE room_id = $1 AND deleted = false
			   AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			roomID, *before, limit,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+` FROM messages
			 WHERE room_id = $1 AND deleted = false
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			roomID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Recent returns the latest limit non-deleted messages in a room, oldest
// first, so they can be replayed as conversation context.
func (r *PGRepository) Recent(ctx context.Context, roomID uuid.UUID, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT * FROM (
		   SELECT `+selectColumns+` FROM messages
		   WHERE room_id = $1 AND deleted = false
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent ORDER BY created_at, id`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Update sets new content on a non-deleted message owned by senderID and
// marks it as edited.
func (r *PGRepository) Update(ctx context.Context, id, senderID uuid.UUID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, edited_at = NOW()
		 WHERE id = $2 AND deleted = false AND sender_id = $3
		 RETURNING `+selectColumns,
		content, id, senderID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyMissing(ctx, id)
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDelete marks a message owned by senderID as deleted.
func (r *PGRepository) SoftDelete(ctx context.Context, id, senderID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET deleted = true WHERE id = $1 AND deleted = false AND sender_id = $2",
		id, senderID,
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMissing(ctx, id)
	}
	return nil
}

// classifyMissing distinguishes "no such message" from "not yours" after a
// zero-row write.
func (r *PGRepository) classifyMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND deleted = false)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check message existence: %w", err)
	}
	if exists {
		return ErrNotSender
	}
	return ErrNotFound
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderType, &msg.SenderName, &msg.Type,
		&msg.Content, &msg.Mentions, &msg.ReplyToID, &msg.Deleted, &msg.EditedAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
