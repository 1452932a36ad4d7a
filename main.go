package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/clerkmail/clerkmail/internal/api"
	"github.com/clerkmail/clerkmail/internal/auth"
	"github.com/clerkmail/clerkmail/internal/blob"
	"github.com/clerkmail/clerkmail/internal/config"
	"github.com/clerkmail/clerkmail/internal/events"
	"github.com/clerkmail/clerkmail/internal/gmail"
	"github.com/clerkmail/clerkmail/internal/store"
	"github.com/clerkmail/clerkmail/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting clerkmail")

	ctx := context.Background()

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	blobs, err := blob.NewStore(ctx, blob.Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	}, logger)
	if err != nil {
		logger.Error("failed to create blob store", "error", err)
		os.Exit(1)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope, gmailapi.GmailSendScope},
	}

	newMailClient := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (*gmail.Client, error) {
		creds := gmail.Credentials{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
		}
		if account.AccessTokenExpiresAt != nil {
			creds.Expiry = *account.AccessTokenExpiresAt
		}
		return gmail.NewClient(ctx, oauthCfg, creds, onRefresh, logger)
	}

	var eventSink syncer.EventPublisher
	if cfg.EventsEnabled() {
		publisher, err := events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		eventSink = publisher
		logger.Info("event publishing enabled", "url", cfg.NATSURL)
	}

	remoteFactory := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (syncer.Remote, error) {
		return newMailClient(ctx, account, onRefresh)
	}
	sync := syncer.New(db, blobs, remoteFactory, eventSink, logger)

	verifier, err := auth.NewVerifier(ctx, cfg.JWKSURL)
	if err != nil {
		logger.Error("failed to create JWT verifier", "error", err)
		os.Exit(1)
	}

	sendClient := func(ctx context.Context, account *store.Account, onRefresh gmail.TokenUpdateFunc) (api.MailSender, error) {
		return newMailClient(ctx, account, onRefresh)
	}
	handler := api.NewHandler(db, blobs, sync, sendClient, logger)
	router := api.NewRouter(handler, verifier, cfg.CronSecret)

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
