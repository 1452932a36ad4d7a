package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/clerkmail.db"`

	// Google OAuth client used to refresh mailbox tokens
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID,required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET,required"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URI"`

	// Blob storage
	S3Bucket   string `env:"S3_BUCKET_NAME,required"`
	S3Region   string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"` // optional, for minio-style deployments

	// Auth
	JWKSURL    string `env:"JWKS_URL,required"`
	CronSecret string `env:"CRON_SECRET,required"`

	// Events (optional)
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// EventsEnabled returns true if a NATS publisher should be started
func (c *Config) EventsEnabled() bool {
	return c.NATSURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
