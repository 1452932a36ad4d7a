package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/clerkmail/clerkmail/internal/store"
)

const streamName = "MAIL_EVENTS"

// Publisher emits mailbox events to NATS JetStream so downstream
// consumers (notifications, indexing) can react to sync results.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewPublisher connects to NATS and prepares a JetStream context
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		logger: logger.With("component", "events"),
	}, nil
}

// EnsureStream ensures the mail events stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.email.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EmailSynced publishes one synced-email event, deduplicated on the
// remote message id. Best-effort: failures are logged, never returned.
func (p *Publisher) EmailSynced(ctx context.Context, userID string, email *store.Email) {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":     userID,
		"email_id":    email.ID,
		"gmail_id":    email.GmailID,
		"thread_id":   email.ThreadID,
		"subject":     email.Subject,
		"from":        email.From,
		"snippet":     email.Snippet,
		"received_at": email.ReceivedAt,
	})
	if err != nil {
		p.logger.Error("failed to marshal event", "gmail_id", email.GmailID, "error", err)
		return
	}

	subject := fmt.Sprintf("user.%s.email.synced", userID)
	msgID := "email.synced|" + email.GmailID
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		p.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
