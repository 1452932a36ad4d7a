package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clerkmail/clerkmail/internal/gmail"
	"github.com/clerkmail/clerkmail/internal/mailparse"
	"github.com/clerkmail/clerkmail/internal/store"
)

// ErrNoLinkedAccount is returned when a user has no Google account to sync
var ErrNoLinkedAccount = errors.New("no linked Google account for user")

// Remote is the mailbox surface the orchestrator drives
type Remote interface {
	ListAllMessageIDs(ctx context.Context) ([]gmail.MessageRef, error)
	FetchMessagesByIDs(ctx context.Context, ids []string) []gmail.RawMessage
	FetchHistorySince(ctx context.Context, cursor string) (*gmail.HistoryDelta, error)
	CurrentHistoryID(ctx context.Context) (string, error)
}

// BlobStore holds HTML bodies and attachment payloads outside the
// relational store. Delete is best-effort by contract.
type BlobStore interface {
	UploadEmailBody(ctx context.Context, userID, gmailID, htmlBody string) (string, error)
	UploadAttachment(ctx context.Context, userID, emailID, filename string, content []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string)
}

// RemoteFactory builds a Remote for an account. The factory wires the
// token-refresh callback so refreshed credentials land back on the
// account record.
type RemoteFactory func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (Remote, error)

// EventPublisher receives post-sync notifications, best-effort
type EventPublisher interface {
	EmailSynced(ctx context.Context, userID string, email *store.Email)
}

// Result reports one sync run: the emails added to and removed from
// the local store.
type Result struct {
	Added   []store.EmailWithAttachments `json:"added"`
	Removed []store.EmailWithAttachments `json:"removed"`
}

// Syncer reconciles remote mailboxes with the local store. One sync
// run per account executes at a time; overlapping runs for different
// accounts proceed independently. The unique gmail_id constraint
// remains the real duplicate guard either way.
type Syncer struct {
	db        *store.DB
	blobs     BlobStore
	newRemote RemoteFactory
	events    EventPublisher
	logger    *slog.Logger

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// New creates a Syncer. events may be nil.
func New(db *store.DB, blobs BlobStore, newRemote RemoteFactory, events EventPublisher, logger *slog.Logger) *Syncer {
	return &Syncer{
		db:           db,
		blobs:        blobs,
		newRemote:    newRemote,
		events:       events,
		logger:       logger.With("component", "syncer"),
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// SyncUser runs one sync pass for a user's linked Google account. The
// cursor decides the mode: absent means full sync, present means
// incremental. The cursor is only advanced after a phase fully
// completes, so a failed run retries the same window.
func (s *Syncer) SyncUser(ctx context.Context, userID string) (*Result, error) {
	account, err := s.db.GetAccountByUserAndProvider(ctx, userID, store.ProviderGoogle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoLinkedAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	unlock := s.lockAccount(account.ID)
	defer unlock()

	remote, err := s.newRemote(ctx, account, s.TokenPersister(account.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox client: %w", err)
	}

	var result *Result
	if account.HistoryID == nil || *account.HistoryID == "" {
		s.logger.Info("starting full sync", "user", userID)
		result, err = s.fullSync(ctx, userID, account, remote)
	} else {
		s.logger.Info("starting incremental sync", "user", userID, "cursor", *account.HistoryID)
		result, err = s.incrementalSync(ctx, userID, account, remote)
	}
	if err != nil {
		return nil, err
	}

	s.publishSynced(ctx, userID, result.Added)
	s.logger.Info("sync complete", "user", userID, "added", len(result.Added), "removed", len(result.Removed))
	return result, nil
}

// fullSync enumerates and stores the entire mailbox, then persists the
// mailbox's current cursor. If the final cursor fetch fails the account
// keeps no cursor and the next run repeats the full sync; the
// existence check makes that repetition cheap, not lossy.
func (s *Syncer) fullSync(ctx context.Context, userID string, account *store.Account, remote Remote) (*Result, error) {
	refs, err := remote.ListAllMessageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox: %w", err)
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}

	messages := remote.FetchMessagesByIDs(ctx, ids)
	added := s.storeMessages(ctx, userID, messages)

	cursor, err := remote.CurrentHistoryID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current cursor: %w", err)
	}
	if err := s.db.UpdateAccountHistoryID(ctx, account.ID, cursor); err != nil {
		return nil, fmt.Errorf("failed to persist cursor: %w", err)
	}

	return &Result{Added: added}, nil
}

// incrementalSync applies the history delta since the stored cursor.
// Deletions run before additions so a message deleted and readded
// within one delta window ends up present. An expired cursor
// propagates to the caller with the stored cursor untouched.
func (s *Syncer) incrementalSync(ctx context.Context, userID string, account *store.Account, remote Remote) (*Result, error) {
	delta, err := remote.FetchHistorySince(ctx, *account.HistoryID)
	if err != nil {
		return nil, err
	}

	if delta.Empty() {
		return &Result{}, nil
	}

	removed, err := s.processDeletions(ctx, delta.DeletedIDs)
	if err != nil {
		return nil, err
	}

	messages := remote.FetchMessagesByIDs(ctx, delta.AddedIDs)
	added := s.storeMessages(ctx, userID, messages)

	if err := s.db.UpdateAccountHistoryID(ctx, account.ID, delta.NewCursor); err != nil {
		return nil, fmt.Errorf("failed to persist cursor: %w", err)
	}

	return &Result{Added: added, Removed: removed}, nil
}

// storeMessages runs the per-message pipeline: existence check, parse,
// body upload, row insert, attachment uploads. Each message either
// lands fully or is skipped with a log line; one bad message never
// aborts the batch.
func (s *Syncer) storeMessages(ctx context.Context, userID string, messages []gmail.RawMessage) []store.EmailWithAttachments {
	var added []store.EmailWithAttachments

	for _, msg := range messages {
		_, err := s.db.FindEmailByGmailID(ctx, msg.ID)
		if err == nil {
			continue // already synced
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to check for existing email, skipping", "gmail_id", msg.ID, "error", err)
			continue
		}

		parsed, err := mailparse.Parse(msg.Raw, msg.InternalDate)
		if err != nil {
			s.logger.Warn("failed to parse message, skipping", "gmail_id", msg.ID, "error", err)
			continue
		}

		bodyKey, err := s.blobs.UploadEmailBody(ctx, userID, msg.ID, parsed.HTMLBody)
		if err != nil {
			s.logger.Error("failed to upload body, skipping message", "gmail_id", msg.ID, "error", err)
			continue
		}

		email := &store.Email{
			GmailID:     msg.ID,
			ThreadID:    msg.ThreadID,
			UserID:      userID,
			Subject:     parsed.Subject,
			From:        parsed.From,
			To:          parsed.To,
			Cc:          parsed.Cc,
			Bcc:         parsed.Bcc,
			Snippet:     parsed.Snippet,
			BodyBlobKey: &bodyKey,
			ReceivedAt:  parsed.ReceivedAt,
		}
		if err := s.db.InsertEmail(ctx, email); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				// A concurrent run won the insert race; the message is
				// synced, which is all that matters.
				continue
			}
			s.logger.Error("failed to insert email, skipping", "gmail_id", msg.ID, "error", err)
			continue
		}

		attachments := s.storeAttachments(ctx, userID, email.ID, parsed.Attachments)
		added = append(added, store.EmailWithAttachments{Email: *email, Attachments: attachments})
	}

	return added
}

// storeAttachments uploads and records each attachment. A failed
// attachment is logged and dropped; the email itself stays.
func (s *Syncer) storeAttachments(ctx context.Context, userID, emailID string, attachments []mailparse.AttachmentData) []store.Attachment {
	var rows []store.Attachment
	for _, att := range attachments {
		key, err := s.blobs.UploadAttachment(ctx, userID, emailID, att.Filename, att.Content, att.ContentType)
		if err != nil {
			s.logger.Error("failed to upload attachment", "email_id", emailID, "filename", att.Filename, "error", err)
			continue
		}

		row := &store.Attachment{
			EmailID:     emailID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			BlobKey:     &key,
		}
		if err := s.db.InsertAttachment(ctx, row); err != nil {
			s.logger.Error("failed to insert attachment", "email_id", emailID, "filename", att.Filename, "error", err)
			continue
		}
		rows = append(rows, *row)
	}
	return rows
}

// processDeletions removes local copies of remotely deleted messages:
// blobs first (best-effort), then rows (attachments cascade). Row
// deletion failures propagate; silently losing a deletion would leave
// an orphaned local copy.
func (s *Syncer) processDeletions(ctx context.Context, gmailIDs []string) ([]store.EmailWithAttachments, error) {
	if len(gmailIDs) == 0 {
		return nil, nil
	}

	records, err := s.db.FindEmailsByGmailIDs(ctx, gmailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up deleted emails: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	for _, rec := range records {
		if rec.BodyBlobKey != nil {
			s.blobs.Delete(ctx, *rec.BodyBlobKey)
		}
		for _, att := range rec.Attachments {
			if att.BlobKey != nil {
				s.blobs.Delete(ctx, *att.BlobKey)
			}
		}
	}

	if err := s.db.DeleteEmailsByGmailIDs(ctx, gmailIDs); err != nil {
		return nil, fmt.Errorf("failed to delete emails: %w", err)
	}

	return records, nil
}

// TokenPersister returns a callback that saves refreshed tokens back
// onto the account record. Every mailbox client built for an account
// gets one, the send path included. Failures are logged, not fatal:
// the refreshed token is already live on the in-flight client.
func (s *Syncer) TokenPersister(accountID string) gmail.TokenUpdateFunc {
	return func(accessToken, refreshToken string, expiry time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var expiresAt *time.Time
		if !expiry.IsZero() {
			expiresAt = &expiry
		}
		if err := s.db.UpdateAccountTokens(ctx, accountID, accessToken, refreshToken, expiresAt); err != nil {
			s.logger.Error("failed to persist refreshed tokens", "account", accountID, "error", err)
		}
	}
}

func (s *Syncer) publishSynced(ctx context.Context, userID string, added []store.EmailWithAttachments) {
	if s.events == nil {
		return
	}
	for i := range added {
		s.events.EmailSynced(ctx, userID, &added[i].Email)
	}
}

// lockAccount serializes sync runs per account within this process
func (s *Syncer) lockAccount(accountID string) func() {
	s.mu.Lock()
	lock, ok := s.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.accountLocks[accountID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
