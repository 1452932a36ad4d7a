package store

import "time"

// ProviderGoogle is the provider id for Gmail-backed accounts
const ProviderGoogle = "google"

// User is an application user
type User struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Account links a user to a mail provider. HistoryID is the sync
// cursor; it stays NULL until the first full sync completes.
type Account struct {
	ID                   string     `db:"id" json:"id"`
	UserID               string     `db:"user_id" json:"userId"`
	ProviderID           string     `db:"provider_id" json:"providerId"`
	AccessToken          string     `db:"access_token" json:"-"`
	RefreshToken         string     `db:"refresh_token" json:"-"`
	AccessTokenExpiresAt *time.Time `db:"access_token_expires_at" json:"-"`
	HistoryID            *string    `db:"history_id" json:"historyId"`
	CreatedAt            time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updatedAt"`
}

// Email is the local copy of one remote message. GmailID is the
// provider message id and is unique system-wide.
type Email struct {
	ID          string    `db:"id" json:"id"`
	GmailID     string    `db:"gmail_id" json:"gmailId"`
	ThreadID    string    `db:"thread_id" json:"threadId"`
	UserID      string    `db:"user_id" json:"userId"`
	Subject     string    `db:"subject" json:"subject"`
	From        string    `db:"from_addr" json:"from"`
	To          string    `db:"to_addr" json:"to"`
	Cc          string    `db:"cc_addr" json:"cc"`
	Bcc         string    `db:"bcc_addr" json:"bcc"`
	Snippet     string    `db:"snippet" json:"snippet"`
	BodyBlobKey *string   `db:"body_blob_key" json:"bodyBlobKey"`
	IsRead      bool      `db:"is_read" json:"isRead"`
	IsSent      bool      `db:"is_sent" json:"isSent"`
	ReceivedAt  time.Time `db:"received_at" json:"receivedAt"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Attachment belongs to exactly one Email and is cascade-deleted with it
type Attachment struct {
	ID          string    `db:"id" json:"id"`
	EmailID     string    `db:"email_id" json:"emailId"`
	Filename    string    `db:"filename" json:"filename"`
	ContentType string    `db:"content_type" json:"contentType"`
	Size        int64     `db:"size" json:"size"`
	BlobKey     *string   `db:"blob_key" json:"blobKey"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// EmailWithAttachments is an Email together with its attachment rows
type EmailWithAttachments struct {
	Email
	Attachments []Attachment `json:"attachments"`
}
