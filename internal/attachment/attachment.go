// Package attachment holds uploaded file records. An attachment starts
// pending (message_id IS NULL) and is linked to a message when the owning
// user sends it; linking happens inside the message insert transaction.
package attachment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sentinel errors for the attachment package.
var (
	ErrNotFound = errors.New("one or more attachments not found or not available for linking")
	ErrTooMany  = errors.New("too many attachments for one message")
)

// MaxPerMessage caps how many attachments a single message may carry.
const MaxPerMessage = 20

// Attachment holds the fields read from the database.
type Attachment struct {
	ID         uuid.UUID
	MessageID  *uuid.UUID
	UploadedBy uuid.UUID
	Filename   string
	MimeType   string
	SizeBytes  int64
	URL        string
	CreatedAt  time.Time
}

// CreateParams groups the inputs for inserting a pending attachment record.
type CreateParams struct {
	UploadedBy uuid.UUID
	Filename   string
	MimeType   string
	SizeBytes  int64
	URL        string
}

// Repository defines the data-access contract for attachment operations.
type Repository interface {
	// Create inserts a new pending attachment (message_id is NULL).
	Create(ctx context.Context, params CreateParams) (*Attachment, error)

	// GetByID returns a single attachment by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Attachment, error)

	// LinkInTx assigns the given attachment IDs to a message inside an open
	// transaction. Only pending attachments uploaded by uploadedBy are
	// linked; if any ID is missing, already linked, or belongs to another
	// user, the whole call fails with ErrNotFound so the caller can roll the
	// message insert back.
	LinkInTx(ctx context.Context, tx pgx.Tx, attachmentIDs []uuid.UUID, messageID, uploadedBy uuid.UUID) ([]Attachment, error)

	// ListByMessage returns all attachments linked to the message, ordered
	// by creation time.
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]Attachment, error)

	// PurgeOrphans deletes pending attachments older than the threshold and
	// returns their URLs so the caller can remove the stored files.
	PurgeOrphans(ctx context.Context, olderThan time.Time) ([]string, error)
}
