package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store uploads and removes large payloads (HTML bodies, attachment
// bytes) in S3-compatible object storage. Rows in the relational store
// reference objects by key.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

// Config for the blob store
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible deployments
}

// NewStore creates an S3-backed blob store
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger.With("component", "blob_store"),
	}, nil
}

// UploadEmailBody stores a parsed HTML body and returns its object key
func (s *Store) UploadEmailBody(ctx context.Context, userID, gmailID, htmlBody string) (string, error) {
	key := fmt.Sprintf("emails/%s/%s.html", userID, gmailID)
	if err := s.put(ctx, key, []byte(htmlBody), "text/html"); err != nil {
		return "", err
	}
	return key, nil
}

// UploadAttachment stores attachment bytes and returns the object key
func (s *Store) UploadAttachment(ctx context.Context, userID, emailID, filename string, content []byte, contentType string) (string, error) {
	key := fmt.Sprintf("attachments/%s/%s/%s", userID, emailID, filename)
	if err := s.put(ctx, key, content, contentType); err != nil {
		return "", err
	}
	return key, nil
}

// Download fetches an object's content by key
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an object by key, best-effort: a failed delete is
// logged and never propagated to the caller.
func (s *Store) Delete(ctx context.Context, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("failed to delete object", "key", key, "error", err)
	}
}

// PresignGet returns a time-limited download URL for an object
func (s *Store) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}
