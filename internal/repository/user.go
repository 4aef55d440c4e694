package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tensorhub/tensorhub/internal/model"
)

// Common errors for user repository operations.
var (
	ErrUserNotFound = errors.New("user not found")
)

const userColumns = `id, external_subject, email, display_name, avatar_url, plan, created_at, updated_at`

// UpsertUserParams carries the profile written by an upsert.
// DisplayName is used only when inserting; Name (possibly empty) is used
// to refresh an existing row without clobbering it with a fallback.
type UpsertUserParams struct {
	NewID           string
	ExternalSubject string
	Email           string
	Name            string
	DisplayName     string
	AvatarURL       *string
	Plan            model.Plan
}

// UpsertUser inserts a user for a previously unseen subject or refreshes the
// profile of the existing one, in a single statement keyed on external_subject.
// Reports whether a new row was created.
func (r *Repository) UpsertUser(ctx context.Context, p UpsertUserParams) (*model.User, bool, error) {
	query := `
		INSERT INTO users (id, external_subject, email, display_name, avatar_url, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (external_subject) DO UPDATE SET
			email        = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
			display_name = COALESCE(NULLIF($7::text, ''), users.display_name),
			avatar_url   = COALESCE(EXCLUDED.avatar_url, users.avatar_url),
			updated_at   = CASE
				WHEN (COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
				      COALESCE(NULLIF($7::text, ''), users.display_name),
				      COALESCE(EXCLUDED.avatar_url, users.avatar_url))
				     IS DISTINCT FROM (users.email, users.display_name, users.avatar_url)
				THEN now()
				ELSE users.updated_at
			END
		RETURNING ` + userColumns + `, (xmax = 0) AS inserted
	`

	var user model.User
	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		p.NewID,
		p.ExternalSubject,
		p.Email,
		p.DisplayName,
		p.AvatarURL,
		string(p.Plan),
		p.Name,
	).Scan(
		&user.ID,
		&user.ExternalSubject,
		&user.Email,
		&user.DisplayName,
		&user.AvatarURL,
		&user.Plan,
		&user.CreatedAt,
		&user.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert user: %w", err)
	}

	return &user, inserted, nil
}

// GetUserBySubject retrieves a user by external identity subject.
func (r *Repository) GetUserBySubject(ctx context.Context, subject string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_subject = $1`
	return scanUser(r.pool.QueryRow(ctx, query, subject))
}

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func scanUser(row rowScanner) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.ExternalSubject,
		&user.Email,
		&user.DisplayName,
		&user.AvatarURL,
		&user.Plan,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}
