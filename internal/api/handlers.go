package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clerkmail/clerkmail/internal/gmail"
	"github.com/clerkmail/clerkmail/internal/mailparse"
	"github.com/clerkmail/clerkmail/internal/store"
	"github.com/clerkmail/clerkmail/internal/syncer"
)

// presignTTL is how long attachment download URLs stay valid
const presignTTL = time.Minute

// errorBodyPlaceholder replaces a body that failed to download
const errorBodyPlaceholder = "<p>Error loading email content.</p>"

// BlobStore is the blob surface the handlers need
type BlobStore interface {
	UploadEmailBody(ctx context.Context, userID, gmailID, htmlBody string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// UserSyncer runs sync passes and hands out the token persistence
// callback for mailbox clients built outside the syncer.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) (*syncer.Result, error)
	TokenPersister(accountID string) gmail.TokenUpdateFunc
}

// MailSender sends raw messages through a user's mailbox
type MailSender interface {
	SendMessage(ctx context.Context, raw []byte, threadID string) (*gmail.RawMessage, error)
}

// MailClientFactory builds a mail client for a linked account
type MailClientFactory func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (MailSender, error)

// Handler carries the dependencies of the HTTP API
type Handler struct {
	db            *store.DB
	blobs         BlobStore
	sync          UserSyncer
	newMailClient MailClientFactory
	logger        *slog.Logger
}

// NewHandler creates the HTTP API handler set
func NewHandler(db *store.DB, blobs BlobStore, sync UserSyncer, newMailClient MailClientFactory, logger *slog.Logger) *Handler {
	return &Handler{
		db:            db,
		blobs:         blobs,
		sync:          sync,
		newMailClient: newMailClient,
		logger:        logger.With("component", "api"),
	}
}

// ListThreads returns one page of the user's thread list
func (h *Handler) ListThreads(c *gin.Context) {
	page := 0
	if cursor := c.Query("cursor"); cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		page = parsed
	}

	threads, err := h.db.ListThreads(c.Request.Context(), currentUserID(c), page, c.Query("search"))
	if err != nil {
		h.logger.Error("failed to list threads", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get thread list"})
		return
	}
	c.JSON(http.StatusOK, threads)
}

type threadEmail struct {
	store.EmailWithAttachments
	HTMLBody string `json:"htmlBody"`
}

// GetThread returns every email of one thread, oldest first, with
// bodies fetched from the blob store.
func (h *Handler) GetThread(c *gin.Context) {
	ctx := c.Request.Context()
	emails, err := h.db.ListThreadEmails(ctx, currentUserID(c), c.Param("threadId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get thread", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get thread"})
		return
	}

	result := make([]threadEmail, 0, len(emails))
	for _, email := range emails {
		body := ""
		if email.BodyBlobKey != nil {
			data, err := h.blobs.Download(ctx, *email.BodyBlobKey)
			if err != nil {
				h.logger.Error("failed to download body", "email_id", email.ID, "error", err)
				body = errorBodyPlaceholder
			} else {
				body = string(data)
			}
		}
		result = append(result, threadEmail{EmailWithAttachments: email, HTMLBody: body})
	}
	c.JSON(http.StatusOK, result)
}

// MarkRead sets the read flag on one email
func (h *Handler) MarkRead(c *gin.Context) {
	email, err := h.db.MarkEmailRead(c.Request.Context(), currentUserID(c), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark email read", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark email as read"})
		return
	}
	c.JSON(http.StatusOK, email)
}

// Sync runs a sync pass for the authenticated user
func (h *Handler) Sync(c *gin.Context) {
	result, err := h.sync.SyncUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(result.Added),
		"emails":  result.Added,
	})
}

// AttachmentURL returns a short-lived presigned download URL
func (h *Handler) AttachmentURL(c *gin.Context) {
	ctx := c.Request.Context()
	attachment, err := h.db.GetAttachmentForUser(ctx, c.Param("id"), currentUserID(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get attachment", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get attachment"})
		return
	}
	if attachment.BlobKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment has no file associated with it"})
		return
	}

	url, err := h.blobs.PresignGet(ctx, *attachment.BlobKey, presignTTL)
	if err != nil {
		h.logger.Error("failed to presign attachment", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create download URL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// SendRequest is the compose/reply/forward payload
type SendRequest struct {
	To       string `json:"to" binding:"required"`
	Subject  string `json:"subject" binding:"required"`
	Body     string `json:"body" binding:"required"`
	ThreadID string `json:"threadId"`
}

// SendEmail sends a message through the user's mailbox and records it
// locally as sent.
func (h *Handler) SendEmail(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)

	account, err := h.db.GetAccountByUserAndProvider(ctx, userID, store.ProviderGoogle)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reauth_required"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send email"})
		return
	}

	user, err := h.db.GetUserByID(ctx, userID)
	if err != nil {
		h.logger.Error("failed to load user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send email"})
		return
	}

	client, err := h.newMailClient(ctx, account, h.sync.TokenPersister(account.ID))
	if err != nil {
		h.logger.Error("failed to create mail client", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send email"})
		return
	}

	raw := gmail.BuildRawMessage(user.Email, req.To, req.Subject, req.Body)
	sent, err := client.SendMessage(ctx, raw, req.ThreadID)
	if err != nil {
		h.logger.Error("failed to send message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send email"})
		return
	}

	h.recordSentEmail(ctx, userID, user.Email, &req, sent)

	// Pick the sent message up into the local store in the background
	go func() {
		if _, err := h.sync.SyncUser(context.Background(), userID); err != nil {
			h.logger.Warn("post-send sync failed", "user", userID, "error", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{"id": sent.ID, "threadId": sent.ThreadID})
}

// recordSentEmail stores an optimistic local copy of a just-sent
// message; the next sync pass skips it via the existence check.
func (h *Handler) recordSentEmail(ctx context.Context, userID, from string, req *SendRequest, sent *gmail.RawMessage) {
	bodyKey, err := h.blobs.UploadEmailBody(ctx, userID, sent.ID, req.Body)
	if err != nil {
		h.logger.Warn("failed to upload sent body", "gmail_id", sent.ID, "error", err)
		return
	}

	email := &store.Email{
		GmailID:     sent.ID,
		ThreadID:    sent.ThreadID,
		UserID:      userID,
		Subject:     req.Subject,
		From:        from,
		To:          req.To,
		Snippet:     mailparse.Snippet(req.Body),
		BodyBlobKey: &bodyKey,
		IsRead:      true,
		IsSent:      true,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := h.db.InsertEmail(ctx, email); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		h.logger.Warn("failed to record sent email", "gmail_id", sent.ID, "error", err)
	}
}

// SyncCron iterates every linked Google account and syncs each,
// continuing past per-account failures.
func (h *Handler) SyncCron(c *gin.Context) {
	ctx := c.Request.Context()
	accounts, err := h.db.ListAccountsByProvider(ctx, store.ProviderGoogle)
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if len(accounts) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "No Google accounts found to sync."})
		return
	}

	total := 0
	for _, account := range accounts {
		result, err := h.sync.SyncUser(ctx, account.UserID)
		if err != nil {
			h.logger.Error("failed to sync account", "user", account.UserID, "error", err)
			continue
		}
		total += len(result.Added)
	}

	h.logger.Info("cron sync finished", "total_synced", total)
	c.JSON(http.StatusOK, gin.H{"success": true, "totalSyncedEmails": total})
}

// syncError maps sync failures to responses: missing/expired
// credentials prompt a re-authentication, everything else is generic.
func (h *Handler) syncError(c *gin.Context, err error) {
	if errors.Is(err, syncer.ErrNoLinkedAccount) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reauth_required"})
		return
	}
	if errors.Is(err, gmail.ErrCursorExpired) {
		h.logger.Error("sync cursor expired", "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": "cursor_expired"})
		return
	}
	h.logger.Error("sync failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync messages"})
}
