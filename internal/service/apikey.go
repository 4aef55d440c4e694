package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/oklog/ulid/v2"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/repository"
)

const (
	maxKeyNameLength        = 100
	maxKeyDescriptionLength = 500
	maxKeyRetries           = 3
	defaultUsageTimeout     = 5 * time.Second
)

// APIKeyStore is the persistence surface the key service needs.
// *repository.Repository implements it.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	GetAPIKeyForOwner(ctx context.Context, id, userID string) (*model.APIKey, error)
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id, userID string) error
	DeleteAPIKey(ctx context.Context, id, userID string) error
	RecordAPIKeyUsage(ctx context.Context, id string, usedAt time.Time) error
	RotateAPIKey(ctx context.Context, oldID, userID string, replacement *model.APIKey) error
}

// APIKeyService mints, validates and manages API keys.
type APIKeyService struct {
	store        APIKeyStore
	hasher       *auth.Hasher
	logger       *slog.Logger
	metrics      metrics.Recorder
	now          func() time.Time
	usageTimeout time.Duration
	usage        sync.WaitGroup
}

// APIKeyServiceOption customizes an APIKeyService.
type APIKeyServiceOption func(*APIKeyService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) APIKeyServiceOption {
	return func(s *APIKeyService) {
		s.now = now
	}
}

// WithUsageTimeout bounds each background usage update.
func WithUsageTimeout(d time.Duration) APIKeyServiceOption {
	return func(s *APIKeyService) {
		if d > 0 {
			s.usageTimeout = d
		}
	}
}

// NewAPIKeyService creates a new APIKeyService.
func NewAPIKeyService(store APIKeyStore, hasher *auth.Hasher, logger *slog.Logger, recorder metrics.Recorder, opts ...APIKeyServiceOption) *APIKeyService {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	s := &APIKeyService{
		store:        store,
		hasher:       hasher,
		logger:       logger,
		metrics:      recorder,
		now:          time.Now,
		usageTimeout: defaultUsageTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAPIKeyInput defines input for creating a key.
type CreateAPIKeyInput struct {
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Scopes      []string   `json:"scopes"`
}

func (in CreateAPIKeyInput) validate(now time.Time) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.OwnerID, validation.Required),
		validation.Field(&in.Name, validation.Required, validation.Length(1, maxKeyNameLength)),
		validation.Field(&in.Description, validation.Length(0, maxKeyDescriptionLength)),
		validation.Field(&in.ExpiresAt, validation.By(inFuture(now))),
		validation.Field(&in.Scopes, validation.By(knownScopes)),
	)
}

func inFuture(now time.Time) validation.RuleFunc {
	return func(value interface{}) error {
		var t time.Time
		switch v := value.(type) {
		case *time.Time:
			if v == nil {
				return nil
			}
			t = *v
		case time.Time:
			t = v
		default:
			return nil
		}
		if !t.After(now) {
			return errors.New("must be in the future")
		}
		return nil
	}
}

func knownScopes(value interface{}) error {
	scopes, _ := value.([]string)
	for _, scope := range scopes {
		if !slices.Contains(model.ValidScopes, scope) {
			return fmt.Errorf("unknown scope %q", scope)
		}
	}
	return nil
}

// normalizeScopes deduplicates scopes in canonical order; empty means read-only.
func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{model.ScopeRead}
	}
	out := make([]string, 0, len(model.ValidScopes))
	for _, scope := range model.ValidScopes {
		if slices.Contains(scopes, scope) {
			out = append(out, scope)
		}
	}
	return out
}

// CreatedAPIKey is a freshly minted key. Plaintext is never retrievable again.
type CreatedAPIKey struct {
	Key       *model.APIKey
	Plaintext string
}

// Create mints a key for input.OwnerID and persists only its digest.
func (s *APIKeyService) Create(ctx context.Context, input CreateAPIKeyInput) (*CreatedAPIKey, error) {
	now := s.now().UTC()

	input.Name = strings.TrimSpace(input.Name)
	if input.Description != nil {
		desc := strings.TrimSpace(*input.Description)
		input.Description = &desc
		if desc == "" {
			input.Description = nil
		}
	}
	if err := NewValidationError(input.validate(now)); err != nil {
		return nil, err
	}

	created, err := s.insert(ctx, &model.APIKey{
		UserID:      input.OwnerID,
		Name:        input.Name,
		Description: input.Description,
		Scopes:      normalizeScopes(input.Scopes),
		ExpiresAt:   input.ExpiresAt,
	}, now, s.store.CreateAPIKey)
	if err != nil {
		return nil, err
	}

	s.metrics.IncAPIKeyCreated()
	s.logger.InfoContext(ctx, "api key created",
		slog.String("key_id", created.Key.ID),
		slog.String("user_id", created.Key.UserID),
		slog.String("masked_key", created.Key.MaskedKey),
	)

	return created, nil
}

// insert fills in the generated fields of tmpl and persists it with write,
// regenerating the secret on the unlikely event of a digest collision.
func (s *APIKeyService) insert(ctx context.Context, tmpl *model.APIKey, now time.Time, write func(context.Context, *model.APIKey) error) (*CreatedAPIKey, error) {
	for i := 0; i < maxKeyRetries; i++ {
		gen, err := s.hasher.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate API key: %w", err)
		}

		key := *tmpl
		key.ID = ulid.Make().String()
		key.KeyHash = gen.Hash
		key.MaskedKey = gen.Masked
		key.Status = model.APIKeyActive
		key.UsageCount = 0
		key.LastUsedAt = nil
		key.CreatedAt = now
		key.UpdatedAt = now

		err = write(ctx, &key)
		switch {
		case err == nil:
			return &CreatedAPIKey{Key: &key, Plaintext: gen.Plaintext}, nil
		case errors.Is(err, repository.ErrAPIKeyConflict):
			continue
		case errors.Is(err, repository.ErrOwnerNotFound):
			return nil, ErrUserNotFound
		case errors.Is(err, repository.ErrAPIKeyNotFound):
			return nil, ErrAPIKeyNotFound
		default:
			return nil, persistence("create api key", err)
		}
	}
	return nil, errors.New("failed to generate unique API key after retries")
}

// List returns the owner's keys, newest first.
func (s *APIKeyService) List(ctx context.Context, ownerID string) ([]*model.APIKey, error) {
	keys, err := s.store.ListAPIKeysByUserID(ctx, ownerID)
	if err != nil {
		return nil, persistence("list api keys", err)
	}
	return keys, nil
}

// Revoke marks an owned key revoked. Missing and foreign keys both report
// ErrAPIKeyNotFound.
func (s *APIKeyService) Revoke(ctx context.Context, id, ownerID string) error {
	if id == "" || ownerID == "" {
		return ErrAPIKeyNotFound
	}
	if err := mapKeyError("revoke api key", s.store.RevokeAPIKey(ctx, id, ownerID)); err != nil {
		return err
	}

	s.metrics.IncAPIKeyRevoked()
	s.logger.InfoContext(ctx, "api key revoked", slog.String("key_id", id), slog.String("user_id", ownerID))
	return nil
}

// Delete hard-removes an owned key with the same ownership semantics as Revoke.
func (s *APIKeyService) Delete(ctx context.Context, id, ownerID string) error {
	if id == "" || ownerID == "" {
		return ErrAPIKeyNotFound
	}
	if err := mapKeyError("delete api key", s.store.DeleteAPIKey(ctx, id, ownerID)); err != nil {
		return err
	}

	s.metrics.IncAPIKeyDeleted()
	s.logger.InfoContext(ctx, "api key deleted", slog.String("key_id", id), slog.String("user_id", ownerID))
	return nil
}

// Rotate issues a replacement carrying the old key's name, description,
// scopes and expiry, and revokes the old key in the same transaction.
// Only active, unexpired owned keys can be rotated.
func (s *APIKeyService) Rotate(ctx context.Context, id, ownerID string) (*CreatedAPIKey, error) {
	if id == "" || ownerID == "" {
		return nil, ErrAPIKeyNotFound
	}

	old, err := s.store.GetAPIKeyForOwner(ctx, id, ownerID)
	if err != nil {
		return nil, mapKeyError("rotate api key", err)
	}

	now := s.now().UTC()
	if !old.IsActive() || old.IsExpired(now) {
		return nil, ErrAPIKeyNotFound
	}

	created, err := s.insert(ctx, &model.APIKey{
		UserID:      old.UserID,
		Name:        old.Name,
		Description: old.Description,
		Scopes:      old.Scopes,
		ExpiresAt:   old.ExpiresAt,
	}, now, func(ctx context.Context, key *model.APIKey) error {
		return s.store.RotateAPIKey(ctx, id, ownerID, key)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncAPIKeyRotated()
	s.logger.InfoContext(ctx, "api key rotated",
		slog.String("old_key_id", id),
		slog.String("new_key_id", created.Key.ID),
		slog.String("user_id", ownerID),
	)

	return created, nil
}

// Validate authenticates a presented secret. Unknown, revoked and expired
// keys all report ErrInvalidAPIKey. On success the returned record already
// reflects this use; persisting the counter happens in the background and
// never affects the outcome.
func (s *APIKeyService) Validate(ctx context.Context, presented string) (*model.APIKey, error) {
	if !auth.ValidateKeyFormat(presented) {
		s.metrics.IncAPIKeyValidated(metrics.OutcomeInvalid)
		return nil, ErrInvalidAPIKey
	}

	hash := s.hasher.Hash(presented)
	key, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			s.metrics.IncAPIKeyValidated(metrics.OutcomeInvalid)
			return nil, ErrInvalidAPIKey
		}
		return nil, persistence("validate api key", err)
	}

	now := s.now().UTC()
	if !key.IsActive() || key.IsExpired(now) {
		s.metrics.IncAPIKeyValidated(metrics.OutcomeInvalid)
		return nil, ErrInvalidAPIKey
	}

	key.UsageCount++
	key.LastUsedAt = &now
	s.recordUsage(ctx, key.ID, now)

	s.metrics.IncAPIKeyValidated(metrics.OutcomeValid)
	return key, nil
}

func (s *APIKeyService) recordUsage(ctx context.Context, id string, usedAt time.Time) {
	s.usage.Add(1)
	go func() {
		defer s.usage.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.usageTimeout)
		defer cancel()

		if err := s.store.RecordAPIKeyUsage(ctx, id, usedAt); err != nil {
			s.metrics.IncAPIKeyUsageDropped()
			s.logger.WarnContext(ctx, "api key usage update failed",
				slog.String("key_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until in-flight usage updates finish or ctx is done.
func (s *APIKeyService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.usage.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
