package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrCursorExpired is returned when the provider rejects a stored
// history cursor as too old to resume from.
var ErrCursorExpired = errors.New("history cursor expired")

const (
	// listPageSize is the provider's maximum page size for list calls
	listPageSize = 500

	// fetchConcurrency bounds concurrent raw-message fetches
	fetchConcurrency = 10
)

// MessageRef identifies one remote message
type MessageRef struct {
	ID       string
	ThreadID string
}

// RawMessage is one fetched message: base64url-encoded RFC 822 bytes
// plus the provider's delivery timestamp.
type RawMessage struct {
	ID           string
	ThreadID     string
	Raw          string
	InternalDate time.Time
}

// HistoryDelta is the change set since a cursor
type HistoryDelta struct {
	AddedIDs   []string
	DeletedIDs []string
	NewCursor  string
}

// Empty reports whether the delta contains no changes
func (d *HistoryDelta) Empty() bool {
	return len(d.AddedIDs) == 0 && len(d.DeletedIDs) == 0
}

// Credentials are the OAuth tokens loaded from a linked account
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenUpdateFunc is invoked whenever the underlying transport
// refreshes the OAuth tokens, so callers can persist the new values.
// Invocation is asynchronous and best-effort.
type TokenUpdateFunc func(accessToken, refreshToken string, expiry time.Time)

// Client speaks to the Gmail wire API on behalf of one account
type Client struct {
	svc    *gmailapi.Service
	logger *slog.Logger
}

// NewClient builds a Gmail client from stored credentials. onRefresh
// receives refreshed token values; the refreshed token is already live
// on the transport, so a persistence failure is not fatal to calls.
func NewClient(ctx context.Context, oauthCfg *oauth2.Config, creds Credentials, onRefresh TokenUpdateFunc, logger *slog.Logger) (*Client, error) {
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	}

	src := &notifyingTokenSource{
		src:        oauthCfg.TokenSource(ctx, tok),
		lastAccess: creds.AccessToken,
		onRefresh:  onRefresh,
	}

	httpClient := oauth2.NewClient(ctx, src)
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Client{
		svc:    svc,
		logger: logger.With("component", "gmail_client"),
	}, nil
}

// ListAllMessageIDs pages through the whole mailbox and returns every
// (message id, thread id) pair. No ordering is assumed.
func (c *Client) ListAllMessageIDs(ctx context.Context) ([]MessageRef, error) {
	var refs []MessageRef
	call := c.svc.Users.Messages.List("me").MaxResults(listPageSize)

	err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			if m.Id == "" || m.ThreadId == "" {
				continue
			}
			refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return refs, nil
}

// FetchMessagesByIDs fetches raw message content for a set of ids,
// concurrently. Individual fetch failures are logged and dropped from
// the result rather than aborting the batch.
func (c *Client) FetchMessagesByIDs(ctx context.Context, ids []string) []RawMessage {
	if len(ids) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		messages []RawMessage
	)

	g := &errgroup.Group{}
	g.SetLimit(fetchConcurrency)

	for _, id := range ids {
		g.Go(func() error {
			msg, err := c.svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
			if err != nil {
				c.logger.Warn("failed to fetch message, skipping", "id", id, "error", err)
				return nil
			}

			mu.Lock()
			messages = append(messages, RawMessage{
				ID:           msg.Id,
				ThreadID:     msg.ThreadId,
				Raw:          msg.Raw,
				InternalDate: time.UnixMilli(msg.InternalDate),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return messages
}

// FetchHistorySince returns the change delta since a cursor. A cursor
// the provider no longer accepts surfaces as ErrCursorExpired.
func (c *Client) FetchHistorySince(ctx context.Context, cursor string) (*HistoryDelta, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	var (
		latest     = startHistoryID
		addedSet   = make(map[string]bool)
		deletedSet = make(map[string]bool)
		added      []string
		deleted    []string
	)

	call := c.svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(listPageSize)
	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || rec.Message.Id == "" || addedSet[rec.Message.Id] {
					continue
				}
				addedSet[rec.Message.Id] = true
				added = append(added, rec.Message.Id)
			}
			for _, rec := range h.MessagesDeleted {
				if rec.Message == nil || rec.Message.Id == "" || deletedSet[rec.Message.Id] {
					continue
				}
				deletedSet[rec.Message.Id] = true
				deleted = append(deleted, rec.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		// Gmail reports an expired startHistoryId as a 404
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, ErrCursorExpired
		}
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	return &HistoryDelta{
		AddedIDs:   added,
		DeletedIDs: deleted,
		NewCursor:  strconv.FormatUint(latest, 10),
	}, nil
}

// CurrentHistoryID returns the mailbox's current cursor value
func (c *Client) CurrentHistoryID(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	if profile.HistoryId == 0 {
		return "", fmt.Errorf("profile returned no history id")
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// SendMessage sends a raw RFC 822 message. A non-empty threadID keeps
// replies in their conversation.
func (c *Client) SendMessage(ctx context.Context, raw []byte, threadID string) (*RawMessage, error) {
	msg := &gmailapi.Message{
		Raw: base64.RawURLEncoding.EncodeToString(raw),
	}
	if threadID != "" {
		msg.ThreadId = threadID
	}

	sent, err := c.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &RawMessage{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// notifyingTokenSource wraps an oauth2.TokenSource and reports token
// changes to a callback without blocking the in-flight call.
type notifyingTokenSource struct {
	src        oauth2.TokenSource
	onRefresh  TokenUpdateFunc
	mu         sync.Mutex
	lastAccess string
}

func (s *notifyingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.lastAccess
	if changed {
		s.lastAccess = tok.AccessToken
	}
	s.mu.Unlock()

	if changed && s.onRefresh != nil {
		go s.onRefresh(tok.AccessToken, tok.RefreshToken, tok.Expiry)
	}
	return tok, nil
}
