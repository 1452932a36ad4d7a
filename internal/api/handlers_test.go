package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/clerkmail/clerkmail/internal/gmail"
	"github.com/clerkmail/clerkmail/internal/store"
	"github.com/clerkmail/clerkmail/internal/syncer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBlobs struct {
	bodies map[string][]byte
}

func (f *fakeBlobs) UploadEmailBody(ctx context.Context, userID, gmailID, htmlBody string) (string, error) {
	return fmt.Sprintf("emails/%s/%s.html", userID, gmailID), nil
}

func (f *fakeBlobs) Download(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.bodies[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return data, nil
}

func (f *fakeBlobs) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://blobs.example.com/" + key, nil
}

type fakeSyncer struct {
	results map[string]*syncer.Result
	errs    map[string]error

	mu        sync.Mutex
	calls     []string
	persisted []string
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID string) (*syncer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	f.mu.Unlock()
	if err := f.errs[userID]; err != nil {
		return nil, err
	}
	if res, ok := f.results[userID]; ok {
		return res, nil
	}
	return &syncer.Result{}, nil
}

func (f *fakeSyncer) TokenPersister(accountID string) gmail.TokenUpdateFunc {
	return func(accessToken, refreshToken string, expiry time.Time) {
		f.mu.Lock()
		f.persisted = append(f.persisted, accountID+":"+accessToken)
		f.mu.Unlock()
	}
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSyncer) persistedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.persisted...)
}

func setupHandler(t *testing.T, sync UserSyncer, blobs BlobStore) (*Handler, *store.DB) {
	t.Helper()

	db, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	if blobs == nil {
		blobs = &fakeBlobs{}
	}
	return NewHandler(db, blobs, sync, nil, testLogger()), db
}

// asUser injects an authenticated user id, standing in for the JWT middleware
func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func seedUserWithAccount(t *testing.T, db *store.DB, userID string) *store.Account {
	t.Helper()

	require.NoError(t, db.CreateUser(context.Background(), &store.User{
		ID:    userID,
		Name:  "Test User",
		Email: userID + "@example.com",
	}))
	account := &store.Account{
		ID:         "acc-" + userID,
		UserID:     userID,
		ProviderID: store.ProviderGoogle,
	}
	require.NoError(t, db.CreateAccount(context.Background(), account))
	return account
}

func TestRequireCronSecret(t *testing.T) {
	r := gin.New()
	r.GET("/sync-cron", RequireCronSecret("s3cret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer wrong", http.StatusUnauthorized},
		{"missing bearer prefix", "s3cret", http.StatusUnauthorized},
		{"correct secret", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sync-cron", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSyncCronAggregatesAcrossAccounts(t *testing.T) {
	sync := &fakeSyncer{
		results: map[string]*syncer.Result{
			"u1": {Added: make([]store.EmailWithAttachments, 3)},
			"u3": {Added: make([]store.EmailWithAttachments, 2)},
		},
		errs: map[string]error{"u2": fmt.Errorf("mailbox unavailable")},
	}
	h, db := setupHandler(t, sync, nil)
	seedUserWithAccount(t, db, "u1")
	seedUserWithAccount(t, db, "u2")
	seedUserWithAccount(t, db, "u3")

	r := gin.New()
	r.GET("/sync-cron", h.SyncCron)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync-cron", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 3, sync.callCount())

	var body struct {
		Success           bool `json:"success"`
		TotalSyncedEmails int  `json:"totalSyncedEmails"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, 5, body.TotalSyncedEmails)
}

func TestSyncCronNoAccounts(t *testing.T) {
	sync := &fakeSyncer{}
	h, _ := setupHandler(t, sync, nil)

	r := gin.New()
	r.GET("/sync-cron", h.SyncCron)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync-cron", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, sync.callCount())
	require.Contains(t, w.Body.String(), "No Google accounts found to sync.")
}

func TestSyncEndpointErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"no linked account", syncer.ErrNoLinkedAccount, http.StatusUnauthorized, "reauth_required"},
		{"expired cursor", gmail.ErrCursorExpired, http.StatusConflict, "cursor_expired"},
		{"generic failure", fmt.Errorf("boom"), http.StatusInternalServerError, "failed to sync messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync := &fakeSyncer{errs: map[string]error{"u1": tt.err}}
			h, _ := setupHandler(t, sync, nil)

			r := gin.New()
			r.POST("/api/sync", asUser("u1"), h.Sync)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

			require.Equal(t, tt.wantStatus, w.Code)
			require.Contains(t, w.Body.String(), tt.wantError)
		})
	}
}

func TestListThreadsInvalidCursor(t *testing.T) {
	h, _ := setupHandler(t, &fakeSyncer{}, nil)

	r := gin.New()
	r.GET("/api/threads", asUser("u1"), h.ListThreads)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/threads?cursor=banana", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetThreadFetchesBodies(t *testing.T) {
	blobs := &fakeBlobs{bodies: map[string][]byte{
		"emails/u1/g1.html": []byte("<p>hello</p>"),
	}}
	h, db := setupHandler(t, &fakeSyncer{}, blobs)
	seedUserWithAccount(t, db, "u1")

	goodKey := "emails/u1/g1.html"
	require.NoError(t, db.InsertEmail(context.Background(), &store.Email{
		GmailID:     "g1",
		ThreadID:    "t1",
		UserID:      "u1",
		Subject:     "Hello",
		BodyBlobKey: &goodKey,
		ReceivedAt:  time.Now().UTC(),
	}))
	missingKey := "emails/u1/g2.html"
	require.NoError(t, db.InsertEmail(context.Background(), &store.Email{
		GmailID:     "g2",
		ThreadID:    "t1",
		UserID:      "u1",
		Subject:     "Broken",
		BodyBlobKey: &missingKey,
		ReceivedAt:  time.Now().UTC().Add(time.Minute),
	}))

	r := gin.New()
	r.GET("/api/threads/:threadId", asUser("u1"), h.GetThread)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/threads/t1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var result []struct {
		Subject  string `json:"subject"`
		HTMLBody string `json:"htmlBody"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result, 2)
	require.Equal(t, "<p>hello</p>", result[0].HTMLBody)
	require.Equal(t, errorBodyPlaceholder, result[1].HTMLBody)
}

func TestGetThreadNotFound(t *testing.T) {
	h, _ := setupHandler(t, &fakeSyncer{}, nil)

	r := gin.New()
	r.GET("/api/threads/:threadId", asUser("u1"), h.GetThread)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/threads/nothing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkRead(t *testing.T) {
	h, db := setupHandler(t, &fakeSyncer{}, nil)
	seedUserWithAccount(t, db, "u1")

	email := &store.Email{
		GmailID:    "g1",
		ThreadID:   "t1",
		UserID:     "u1",
		Subject:    "Unread",
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, db.InsertEmail(context.Background(), email))

	r := gin.New()
	r.POST("/api/emails/:id/read", asUser("u1"), h.MarkRead)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/emails/"+email.ID+"/read", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got store.Email
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.True(t, got.IsRead)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/emails/missing/read", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAttachmentURL(t *testing.T) {
	h, db := setupHandler(t, &fakeSyncer{}, nil)
	seedUserWithAccount(t, db, "u1")

	email := &store.Email{
		GmailID:    "g1",
		ThreadID:   "t1",
		UserID:     "u1",
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, db.InsertEmail(context.Background(), email))

	key := "attachments/u1/" + email.ID + "/report.pdf"
	withBlob := &store.Attachment{
		EmailID:     email.ID,
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        10,
		BlobKey:     &key,
	}
	require.NoError(t, db.InsertAttachment(context.Background(), withBlob))

	withoutBlob := &store.Attachment{
		EmailID:     email.ID,
		Filename:    "pending.bin",
		ContentType: "application/octet-stream",
	}
	require.NoError(t, db.InsertAttachment(context.Background(), withoutBlob))

	r := gin.New()
	r.POST("/api/attachments/:id/url", asUser("u1"), h.AttachmentURL)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/attachments/"+withBlob.ID+"/url", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "https://blobs.example.com/"+key)

	// No stored blob means no URL to hand out
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/attachments/"+withoutBlob.ID+"/url", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Another user's attachment stays hidden
	w = httptest.NewRecorder()
	r2 := gin.New()
	r2.POST("/api/attachments/:id/url", asUser("u2"), h.AttachmentURL)
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/attachments/"+withBlob.ID+"/url", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

type fakeMailSender struct {
	raws      [][]byte
	threadIDs []string
	err       error
}

func (f *fakeMailSender) SendMessage(ctx context.Context, raw []byte, threadID string) (*gmail.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.raws = append(f.raws, raw)
	f.threadIDs = append(f.threadIDs, threadID)
	return &gmail.RawMessage{ID: "sent-1", ThreadID: "t-sent"}, nil
}

func sendRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.POST("/api/emails/send", asUser("u1"), h.SendEmail)
	return r
}

func postSend(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/emails/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSendEmailRecordsSentCopy(t *testing.T) {
	syn := &fakeSyncer{}
	sender := &fakeMailSender{}
	var gotRefresh gmail.TokenUpdateFunc
	factory := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (MailSender, error) {
		gotRefresh = onRefresh
		return sender, nil
	}
	h, db := setupHandler(t, syn, nil)
	h.newMailClient = factory
	seedUserWithAccount(t, db, "u1")

	w := postSend(sendRouter(h), `{"to":"you@example.com","subject":"Hello","body":"<p>hi</p>","threadId":"t-sent"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "sent-1")

	require.Len(t, sender.raws, 1)
	raw := string(sender.raws[0])
	require.Contains(t, raw, "To: you@example.com")
	require.Contains(t, raw, "From: u1@example.com")
	require.Contains(t, raw, "Subject: Hello")
	require.Equal(t, []string{"t-sent"}, sender.threadIDs)

	// The client carries the account's token persister, so tokens
	// refreshed mid-send land back on the account.
	require.NotNil(t, gotRefresh)
	gotRefresh("fresh-at", "fresh-rt", time.Now().Add(time.Hour))
	require.Equal(t, []string{"acc-u1:fresh-at"}, syn.persistedTokens())

	email, err := db.FindEmailByGmailID(context.Background(), "sent-1")
	require.NoError(t, err)
	require.True(t, email.IsSent)
	require.True(t, email.IsRead)
	require.Equal(t, "Hello", email.Subject)
	require.Equal(t, "u1@example.com", email.From)
	require.Equal(t, "you@example.com", email.To)
	require.Equal(t, "<p>hi</p>", email.Snippet)
	require.NotNil(t, email.BodyBlobKey)
}

func TestSendEmailDuplicateRecordIsNoOp(t *testing.T) {
	syn := &fakeSyncer{}
	sender := &fakeMailSender{}
	factory := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (MailSender, error) {
		return sender, nil
	}
	h, db := setupHandler(t, syn, nil)
	h.newMailClient = factory
	seedUserWithAccount(t, db, "u1")

	// The sync pass already stored this message id
	require.NoError(t, db.InsertEmail(context.Background(), &store.Email{
		GmailID:    "sent-1",
		ThreadID:   "t-sent",
		UserID:     "u1",
		Subject:    "Original",
		ReceivedAt: time.Now().UTC(),
	}))

	w := postSend(sendRouter(h), `{"to":"you@example.com","subject":"Hello","body":"<p>hi</p>"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM emails WHERE gmail_id = ?`, "sent-1"))
	require.Equal(t, 1, count)

	email, err := db.FindEmailByGmailID(context.Background(), "sent-1")
	require.NoError(t, err)
	require.Equal(t, "Original", email.Subject)
}

func TestSendEmailWithoutAccountRequiresReauth(t *testing.T) {
	sender := &fakeMailSender{}
	factory := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (MailSender, error) {
		return sender, nil
	}
	h, db := setupHandler(t, &fakeSyncer{}, nil)
	h.newMailClient = factory
	require.NoError(t, db.CreateUser(context.Background(), &store.User{
		ID:    "u1",
		Name:  "Test User",
		Email: "u1@example.com",
	}))

	w := postSend(sendRouter(h), `{"to":"you@example.com","subject":"Hello","body":"<p>hi</p>"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "reauth_required")
	require.Empty(t, sender.raws)
}

func TestSendEmailRejectsIncompletePayload(t *testing.T) {
	h, db := setupHandler(t, &fakeSyncer{}, nil)
	seedUserWithAccount(t, db, "u1")

	w := postSend(sendRouter(h), `{"to":"you@example.com"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
