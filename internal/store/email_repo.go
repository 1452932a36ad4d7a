package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ThreadPageSize is the number of threads returned per page
const ThreadPageSize = 25

// FindEmailByGmailID returns the local copy of a remote message, if present
func (db *DB) FindEmailByGmailID(ctx context.Context, gmailID string) (*Email, error) {
	var email Email
	query := `SELECT * FROM emails WHERE gmail_id = ?`
	err := db.GetContext(ctx, &email, query, gmailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find email: %w", err)
	}
	return &email, nil
}

// InsertEmail stores a new email row. The unique gmail_id constraint is
// the idempotence guard for repeated sync passes: a duplicate insert
// returns ErrAlreadyExists.
func (db *DB) InsertEmail(ctx context.Context, email *Email) error {
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO emails (id, gmail_id, thread_id, user_id, subject, from_addr, to_addr, cc_addr, bcc_addr, snippet, body_blob_key, is_read, is_sent, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		email.ID,
		email.GmailID,
		email.ThreadID,
		email.UserID,
		email.Subject,
		email.From,
		email.To,
		email.Cc,
		email.Bcc,
		email.Snippet,
		email.BodyBlobKey,
		email.IsRead,
		email.IsSent,
		email.ReceivedAt,
		now,
	)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert email: %w", err)
	}
	email.CreatedAt = now
	return nil
}

// FindEmailsByGmailIDs returns the local rows for a set of remote ids,
// each with its attachments. Ids with no local row are simply absent.
func (db *DB) FindEmailsByGmailIDs(ctx context.Context, gmailIDs []string) ([]EmailWithAttachments, error) {
	if len(gmailIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM emails WHERE gmail_id IN (?)`, gmailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var emails []Email
	if err := db.SelectContext(ctx, &emails, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find emails: %w", err)
	}

	return db.attachEmailAttachments(ctx, emails)
}

// DeleteEmailsByGmailIDs removes email rows; attachment rows go with
// them via the cascade.
func (db *DB) DeleteEmailsByGmailIDs(ctx context.Context, gmailIDs []string) error {
	if len(gmailIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`DELETE FROM emails WHERE gmail_id IN (?)`, gmailIDs)
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete emails: %w", err)
	}
	return nil
}

// ThreadPage is one page of the thread list
type ThreadPage struct {
	Threads    []Email `json:"threads"`
	NextCursor *int    `json:"nextCursor"`
}

// ListThreads returns the latest email of each thread for a user,
// newest threads first, optionally filtered by a search term.
func (db *DB) ListThreads(ctx context.Context, userID string, page int, search string) (*ThreadPage, error) {
	if page < 0 {
		page = 0
	}

	query := `
		SELECT e.* FROM emails e
		JOIN (
			SELECT thread_id, MAX(received_at) AS latest_received
			FROM emails WHERE user_id = ?
			GROUP BY thread_id
		) latest ON e.thread_id = latest.thread_id AND e.received_at = latest.latest_received
		WHERE e.user_id = ?
	`
	args := []interface{}{userID, userID}

	if search != "" {
		query += ` AND (e.subject LIKE ? OR e.from_addr LIKE ? OR e.to_addr LIKE ? OR e.cc_addr LIKE ? OR e.bcc_addr LIKE ? OR e.snippet LIKE ?)`
		term := "%" + search + "%"
		args = append(args, term, term, term, term, term, term)
	}

	// Fetch one extra row to detect whether a next page exists
	query += ` GROUP BY e.thread_id ORDER BY e.received_at DESC LIMIT ? OFFSET ?`
	args = append(args, ThreadPageSize+1, page*ThreadPageSize)

	var emails []Email
	if err := db.SelectContext(ctx, &emails, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	result := &ThreadPage{Threads: emails}
	if len(emails) > ThreadPageSize {
		result.Threads = emails[:ThreadPageSize]
		next := page + 1
		result.NextCursor = &next
	}
	return result, nil
}

// ListThreadEmails returns every email in a thread for a user, oldest
// first, each with its attachments.
func (db *DB) ListThreadEmails(ctx context.Context, userID, threadID string) ([]EmailWithAttachments, error) {
	var emails []Email
	query := `SELECT * FROM emails WHERE thread_id = ? AND user_id = ? ORDER BY received_at ASC`
	if err := db.SelectContext(ctx, &emails, query, threadID, userID); err != nil {
		return nil, fmt.Errorf("failed to list thread emails: %w", err)
	}
	if len(emails) == 0 {
		return nil, ErrNotFound
	}
	return db.attachEmailAttachments(ctx, emails)
}

// MarkEmailRead sets the read flag on an email owned by the user
func (db *DB) MarkEmailRead(ctx context.Context, userID, emailID string) (*Email, error) {
	query := `UPDATE emails SET is_read = true WHERE id = ? AND user_id = ?`
	result, err := db.ExecContext(ctx, query, emailID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark email read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	var email Email
	if err := db.GetContext(ctx, &email, `SELECT * FROM emails WHERE id = ?`, emailID); err != nil {
		return nil, fmt.Errorf("failed to reload email: %w", err)
	}
	return &email, nil
}

// attachEmailAttachments loads attachment rows for a set of emails
func (db *DB) attachEmailAttachments(ctx context.Context, emails []Email) ([]EmailWithAttachments, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(emails))
	for _, e := range emails {
		ids = append(ids, e.ID)
	}

	query, args, err := sqlx.In(`SELECT * FROM attachments WHERE email_id IN (?) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var attachments []Attachment
	if err := db.SelectContext(ctx, &attachments, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}

	byEmail := make(map[string][]Attachment, len(emails))
	for _, a := range attachments {
		byEmail[a.EmailID] = append(byEmail[a.EmailID], a)
	}

	result := make([]EmailWithAttachments, 0, len(emails))
	for _, e := range emails {
		result = append(result, EmailWithAttachments{Email: e, Attachments: byEmail[e.ID]})
	}
	return result, nil
}
