package attachment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, message_id, uploaded_by, filename, mime_type, size_bytes, url, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed attachment repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a pending attachment record.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Attachment, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO attachments (uploaded_by, filename, mime_type, size_bytes, url)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.UploadedBy, params.Filename, params.MimeType, params.SizeBytes, params.URL,
	)
	att, err := scanAttachment(row)
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return att, nil
}

// GetByID returns a single attachment by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Attachment, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM attachments WHERE id = $1", id)
	att, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query attachment by id: %w", err)
	}
	return att, nil
}

// LinkInTx assigns attachments to a message. The WHERE clause enforces all
// three link conditions at once: the ID is in the caller's set, the caller
// uploaded it, and it is still pending. A row count short of the request
// means at least one condition failed for some ID.
func (r *PGRepository) LinkInTx(ctx context.Context, tx pgx.Tx, attachmentIDs []uuid.UUID, messageID, uploadedBy uuid.UUID) ([]Attachment, error) {
	if len(attachmentIDs) == 0 {
		return nil, nil
	}
	if len(attachmentIDs) > MaxPerMessage {
		return nil, ErrTooMany
	}

	rows, err := tx.Query(ctx,
		`UPDATE attachments SET message_id = $1
		 WHERE id = ANY($2) AND uploaded_by = $3 AND message_id IS NULL
		 RETURNING `+selectColumns,
		messageID, attachmentIDs, uploadedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("link attachments: %w", err)
	}
	defer rows.Close()

	var linked []Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked attachment: %w", err)
		}
		linked = append(linked, *att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked attachments: %w", err)
	}

	if len(linked) != len(attachmentIDs) {
		return nil, ErrNotFound
	}
	return linked, nil
}

// ListByMessage returns all attachments linked to the message.
func (r *PGRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]Attachment, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM attachments WHERE message_id = $1 ORDER BY created_at",
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments by message: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, *att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

// PurgeOrphans deletes pending attachments created before olderThan and
// returns their URLs.
func (r *PGRepository) PurgeOrphans(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"DELETE FROM attachments WHERE message_id IS NULL AND created_at < $1 RETURNING url",
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("purge orphan attachments: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan purged url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged urls: %w", err)
	}
	return urls, nil
}

func scanAttachment(row pgx.Row) (*Attachment, error) {
	var att Attachment
	err := row.Scan(
		&att.ID, &att.MessageID, &att.UploadedBy, &att.Filename, &att.MimeType,
		&att.SizeBytes, &att.URL, &att.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &att, nil
}
