package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	query := `INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query, user.ID, user.Name, user.Email, now)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.CreatedAt = now
	return nil
}

// GetUserByID returns a user by id
func (db *DB) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// CreateAccount inserts a new linked provider account
func (db *DB) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO accounts (id, user_id, provider_id, access_token, refresh_token, access_token_expires_at, history_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		account.ID,
		account.UserID,
		account.ProviderID,
		account.AccessToken,
		account.RefreshToken,
		account.AccessTokenExpiresAt,
		account.HistoryID,
		now,
		now,
	)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByUserAndProvider returns the linked account for a user, if any
func (db *DB) GetAccountByUserAndProvider(ctx context.Context, userID, providerID string) (*Account, error) {
	var account Account
	query := `SELECT * FROM accounts WHERE user_id = ? AND provider_id = ?`
	err := db.GetContext(ctx, &account, query, userID, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccountsByProvider returns every linked account for a provider
func (db *DB) ListAccountsByProvider(ctx context.Context, providerID string) ([]*Account, error) {
	var accounts []*Account
	query := `SELECT * FROM accounts WHERE provider_id = ? ORDER BY created_at`
	err := db.SelectContext(ctx, &accounts, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountTokens persists refreshed OAuth credentials. Empty
// values are kept as-is so a refresh response without a new refresh
// token does not clobber the stored one.
func (db *DB) UpdateAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt *time.Time) error {
	query := `
		UPDATE accounts SET
			access_token = CASE WHEN ? != '' THEN ? ELSE access_token END,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			access_token_expires_at = COALESCE(?, access_token_expires_at),
			updated_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query,
		accessToken, accessToken,
		refreshToken, refreshToken,
		expiresAt,
		time.Now().UTC(),
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}

// UpdateAccountHistoryID advances the sync cursor, keyed by account id
func (db *DB) UpdateAccountHistoryID(ctx context.Context, accountID, historyID string) error {
	query := `UPDATE accounts SET history_id = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, historyID, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update history id: %w", err)
	}
	return nil
}
