package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertAttachment stores an attachment row for an email
func (db *DB) InsertAttachment(ctx context.Context, attachment *Attachment) error {
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO attachments (id, email_id, filename, content_type, size, blob_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		attachment.ID,
		attachment.EmailID,
		attachment.Filename,
		attachment.ContentType,
		attachment.Size,
		attachment.BlobKey,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	attachment.CreatedAt = now
	return nil
}

// GetAttachmentForUser returns an attachment only if the owning email
// belongs to the given user.
func (db *DB) GetAttachmentForUser(ctx context.Context, attachmentID, userID string) (*Attachment, error) {
	var attachment Attachment
	query := `
		SELECT a.* FROM attachments a
		JOIN emails e ON e.id = a.email_id
		WHERE a.id = ? AND e.user_id = ?
	`
	err := db.GetContext(ctx, &attachment, query, attachmentID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &attachment, nil
}
