// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/repository"
)

// UserStore is the persistence surface the directory needs.
// *repository.Repository implements it.
type UserStore interface {
	UpsertUser(ctx context.Context, p repository.UpsertUserParams) (*model.User, bool, error)
	GetUserBySubject(ctx context.Context, subject string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// upsertTimeout bounds a coalesced upsert, which outlives any single caller.
const upsertTimeout = 5 * time.Second

// UserDirectory maps external identity subjects to local user records.
type UserDirectory struct {
	store   UserStore
	logger  *slog.Logger
	metrics metrics.Recorder
	upserts singleflight.Group
}

// NewUserDirectory creates a new UserDirectory.
func NewUserDirectory(store UserStore, logger *slog.Logger, recorder metrics.Recorder) *UserDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &UserDirectory{
		store:   store,
		logger:  logger,
		metrics: recorder,
	}
}

// FindBySubject looks up a user without creating one.
func (d *UserDirectory) FindBySubject(ctx context.Context, subject string) (*model.User, error) {
	user, err := d.store.GetUserBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, persistence("find user", err)
	}
	return user, nil
}

// FindByID looks up a user by local id.
func (d *UserDirectory) FindByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	user, err := d.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, persistence("find user", err)
	}
	return user, nil
}

// UpsertFromClaims creates the user on first sight of claims.Subject and
// refreshes the mutable profile fields otherwise. id and subject never change.
func (d *UserDirectory) UpsertFromClaims(ctx context.Context, claims *model.Claims) (*model.User, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return nil, &ValidationError{Fields: map[string]string{"subject": "cannot be blank"}}
	}

	params := repository.UpsertUserParams{
		NewID:           ulid.Make().String(),
		ExternalSubject: claims.Subject,
		Email:           claims.Email,
		Name:            claims.Name,
		DisplayName:     defaultDisplayName(claims),
		Plan:            model.PlanFree,
	}
	if claims.PictureURL != "" {
		avatar := claims.PictureURL
		params.AvatarURL = &avatar
	}

	// Concurrent first requests for one identity share a single upsert.
	key := strings.Join([]string{claims.Subject, claims.Email, claims.Name, claims.PictureURL}, "\x00")
	ch := d.upserts.DoChan(key, func() (any, error) {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), upsertTimeout)
		defer cancel()
		return d.upsert(uctx, params)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		user := *res.Val.(*model.User)
		return &user, nil
	case <-ctx.Done():
		return nil, persistence("upsert user", ctx.Err())
	}
}

func (d *UserDirectory) upsert(ctx context.Context, params repository.UpsertUserParams) (*model.User, error) {
	user, inserted, err := d.store.UpsertUser(ctx, params)
	if err != nil {
		return nil, persistence("upsert user", err)
	}

	if inserted {
		d.metrics.IncUserProvisioned()
		d.logger.InfoContext(ctx, "user provisioned",
			slog.String("user_id", user.ID),
			slog.String("plan", string(user.Plan)),
		)
	}

	return user, nil
}

// defaultDisplayName prefers the name claim, then the email local-part.
func defaultDisplayName(claims *model.Claims) string {
	if name := strings.TrimSpace(claims.Name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(claims.Email, "@")
	return strings.TrimSpace(local)
}
