package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/tensorhub/tensorhub/internal/model"
)

// Common errors for API key repository operations.
var (
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrAPIKeyConflict = errors.New("API key hash already exists")
	ErrOwnerNotFound  = errors.New("API key owner does not exist")
)

const apiKeyColumns = `id, user_id, name, description, key_hash, masked_key, status, scopes,
	usage_count, last_used_at, expires_at, created_at, updated_at`

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateAPIKey inserts a new API key into the database.
func (r *Repository) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	return insertAPIKey(ctx, r.pool, key)
}

func insertAPIKey(ctx context.Context, db dbtx, key *model.APIKey) error {
	query := `
		INSERT INTO api_keys (id, user_id, name, description, key_hash, masked_key, status, scopes,
			usage_count, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.Exec(ctx, query,
		key.ID,
		key.UserID,
		key.Name,
		key.Description,
		key.KeyHash,
		key.MaskedKey,
		string(key.Status),
		pq.Array(key.Scopes),
		key.UsageCount,
		key.ExpiresAt,
		key.CreatedAt,
		key.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrAPIKeyConflict
		case isForeignKeyViolation(err):
			return ErrOwnerNotFound
		}
		return fmt.Errorf("failed to create API key: %w", err)
	}

	return nil
}

// GetAPIKeyByHash retrieves an API key by the digest of its secret.
// Used during authentication; status and expiry are checked by the caller.
func (r *Repository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`
	return scanAPIKey(r.pool.QueryRow(ctx, query, keyHash))
}

// GetAPIKeyForOwner retrieves an API key only if it belongs to userID.
func (r *Repository) GetAPIKeyForOwner(ctx context.Context, id, userID string) (*model.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1 AND user_id = $2`
	return scanAPIKey(r.pool.QueryRow(ctx, query, id, userID))
}

// ListAPIKeysByUserID retrieves all API keys for a user, newest first.
func (r *Repository) ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*model.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating API keys: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey marks an owned key revoked. Revoking an already revoked key
// succeeds without touching it. A key that does not exist or belongs to
// someone else yields ErrAPIKeyNotFound.
func (r *Repository) RevokeAPIKey(ctx context.Context, id, userID string) error {
	return revokeAPIKey(ctx, r.pool, id, userID, time.Now().UTC())
}

func revokeAPIKey(ctx context.Context, db dbtx, id, userID string, now time.Time) error {
	query := `
		UPDATE api_keys
		SET status = 'revoked',
		    updated_at = CASE WHEN status = 'active' THEN $3 ELSE updated_at END
		WHERE id = $1 AND user_id = $2
	`

	result, err := db.Exec(ctx, query, id, userID, now)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// DeleteAPIKey hard-removes an owned key.
func (r *Repository) DeleteAPIKey(ctx context.Context, id, userID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// RecordAPIKeyUsage increments usage_count and sets last_used_at.
// The increment happens in SQL so concurrent uses do not overwrite each other's counts.
func (r *Repository) RecordAPIKeyUsage(ctx context.Context, id string, usedAt time.Time) error {
	query := `
		UPDATE api_keys
		SET usage_count = usage_count + 1,
		    last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, usedAt); err != nil {
		return fmt.Errorf("failed to record API key usage: %w", err)
	}

	return nil
}

// RotateAPIKey inserts replacement and revokes the active key oldID in one
// transaction. The old key must exist, belong to userID and still be active.
func (r *Repository) RotateAPIKey(ctx context.Context, oldID, userID string, replacement *model.APIKey) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM api_keys WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			oldID, userID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAPIKeyNotFound
			}
			return fmt.Errorf("failed to lock API key: %w", err)
		}
		if status != string(model.APIKeyActive) {
			return ErrAPIKeyNotFound
		}

		if err := insertAPIKey(ctx, tx, replacement); err != nil {
			return err
		}

		return revokeAPIKey(ctx, tx, oldID, userID, replacement.CreatedAt)
	})
}

// scanAPIKey scans a single row into an APIKey model.
func scanAPIKey(row rowScanner) (*model.APIKey, error) {
	var key model.APIKey
	var scopes []string

	err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.Description,
		&key.KeyHash,
		&key.MaskedKey,
		&key.Status,
		pq.Array(&scopes),
		&key.UsageCount,
		&key.LastUsedAt,
		&key.ExpiresAt,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}

	key.Scopes = scopes
	return &key, nil
}
