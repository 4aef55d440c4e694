package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

// DefaultMinAuthFailureDuration is the floor on API key rejections so that
// response timing does not reveal why a key was refused.
const DefaultMinAuthFailureDuration = 200 * time.Millisecond

// SessionResolver resolves session cookies to a user.
// *service.SessionResolver implements it.
type SessionResolver interface {
	ResolveCurrentUser(ctx context.Context, creds service.Credentials) (*model.User, error)
}

// KeyValidator checks a presented API key.
// *service.APIKeyService implements it.
type KeyValidator interface {
	Validate(ctx context.Context, presented string) (*model.APIKey, error)
}

// OwnerLookup loads the user that owns a validated key.
// *service.UserDirectory implements it.
type OwnerLookup interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger   *slog.Logger
	Sessions SessionResolver
	Keys     KeyValidator
	Owners   OwnerLookup
	Cookies  service.CookieNames
	// MinFailureDuration pads API key rejections. Zero disables padding.
	MinFailureDuration time.Duration
}

// Auth returns a middleware that authenticates requests.
//
// Session cookies are tried first; a request without a usable session may
// present an API key in "Authorization: Bearer thk_..." or "X-API-Key".
// Every authentication failure gets the same 401. A store outage gets 503
// so clients never mistake it for a bad credential.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authCtx, err := authenticate(ctx, r, cfg)
			if err != nil {
				if service.IsPersistenceError(err) {
					logger.Error("authentication store unavailable",
						slog.String("error", err.Error()),
						slog.String("request_id", GetRequestID(ctx)),
					)
					writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
					return
				}

				logger.Warn("authentication failed",
					slog.String("reason", failureReason(err)),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(ctx)),
				)
				writeAuthError(w)
				return
			}

			annotatePrincipal(ctx, authCtx)
			logger.Debug("authentication successful",
				slog.String("method", string(authCtx.Method)),
				slog.String("user_id", authCtx.UserID()),
				slog.String("key_id", authCtx.KeyID),
				slog.String("request_id", GetRequestID(ctx)),
			)

			next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(ctx, authCtx)))
		})
	}
}

var (
	errMissingCredentials = errors.New("missing_credentials")
	errOwnerMissing       = errors.New("owner_missing")
)

func authenticate(ctx context.Context, r *http.Request, cfg AuthConfig) (*model.AuthContext, error) {
	if cfg.Sessions != nil {
		creds := service.CredentialsFromRequest(r, cfg.Cookies)
		if !creds.Empty() {
			user, err := cfg.Sessions.ResolveCurrentUser(ctx, creds)
			if err != nil {
				return nil, err
			}
			if user != nil {
				return &model.AuthContext{
					Method: model.AuthMethodSession,
					User:   user,
					Scopes: slices.Clone(model.ValidScopes),
				}, nil
			}
		}
	}

	start := time.Now()
	authCtx, err := authenticateKey(ctx, r, cfg)
	if err != nil && !errors.Is(err, errMissingCredentials) && !service.IsPersistenceError(err) {
		padFailure(ctx, start, cfg.MinFailureDuration)
	}
	return authCtx, err
}

func authenticateKey(ctx context.Context, r *http.Request, cfg AuthConfig) (*model.AuthContext, error) {
	presented := extractAPIKey(r)
	if presented == "" || cfg.Keys == nil {
		return nil, errMissingCredentials
	}

	key, err := cfg.Keys.Validate(ctx, presented)
	if err != nil {
		return nil, err
	}

	owner, err := cfg.Owners.FindByID(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return nil, errOwnerMissing
		}
		return nil, err
	}

	return &model.AuthContext{
		Method: model.AuthMethodAPIKey,
		User:   owner,
		KeyID:  key.ID,
		Scopes: key.Scopes,
	}, nil
}

func padFailure(ctx context.Context, start time.Time, floor time.Duration) {
	remaining := floor - time.Since(start)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, errOwnerMissing):
		return "owner_missing"
	case errors.Is(err, service.ErrInvalidAPIKey):
		return "invalid_key"
	default:
		return "rejected"
	}
}

// extractAPIKey extracts the API key from the request.
// A bearer credential counts only when it carries the key prefix; other
// bearer values are session tokens.
func extractAPIKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(token)
			if auth.LooksLikeAPIKey(token) {
				return token
			}
		}
	}

	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeAuthError writes a 401 Unauthorized response.
// Uses the same message for all auth failures to prevent enumeration.
func writeAuthError(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
}
