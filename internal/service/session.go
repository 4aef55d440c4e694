package service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/model"
)

// CookieNames are the cookies a deployment reads session tokens from.
type CookieNames struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// Credentials is the raw session material presented by one request.
type Credentials struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// Token returns the token to redeem: the id token when present since it
// carries profile claims, otherwise the access token.
func (c Credentials) Token() string {
	if c.IDToken != "" {
		return c.IDToken
	}
	return c.AccessToken
}

// Empty reports whether the request carried no session token at all.
func (c Credentials) Empty() bool {
	return c.Token() == ""
}

// CredentialsFromRequest lifts session tokens from the named cookies. A
// bearer Authorization header fills in the access token when no cookie
// carries one, unless the header holds an API key.
func CredentialsFromRequest(r *http.Request, names CookieNames) Credentials {
	creds := Credentials{
		IDToken:      cookieValue(r, names.IDToken),
		AccessToken:  cookieValue(r, names.AccessToken),
		RefreshToken: cookieValue(r, names.RefreshToken),
	}

	if creds.AccessToken == "" {
		if token, ok := bearerToken(r); ok && !auth.LooksLikeAPIKey(token) {
			creds.AccessToken = token
		}
	}

	return creds
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SessionResolver answers "who is making this request" from session tokens.
// Every call re-resolves; nothing is cached between requests.
type SessionResolver struct {
	decoder auth.ClaimsDecoder
	users   *UserDirectory
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewSessionResolver creates a new SessionResolver.
func NewSessionResolver(decoder auth.ClaimsDecoder, users *UserDirectory, logger *slog.Logger, recorder metrics.Recorder) *SessionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &SessionResolver{
		decoder: decoder,
		users:   users,
		logger:  logger,
		metrics: recorder,
	}
}

// ResolveCurrentUser returns the user behind creds.
//
// A missing or undecodable token yields (nil, nil): the request is simply
// anonymous. A store failure yields (nil, *PersistenceError) so that an
// outage is never mistaken for a logged-out user.
func (s *SessionResolver) ResolveCurrentUser(ctx context.Context, creds Credentials) (*model.User, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveSessionResolveDuration(time.Since(start))
	}()

	token := creds.Token()
	if token == "" {
		s.metrics.IncSessionResolved(metrics.OutcomeAnonymous)
		return nil, nil
	}

	claims, err := s.decoder.Decode(ctx, token)
	if err != nil {
		s.logger.DebugContext(ctx, "session token rejected", slog.String("reason", err.Error()))
		s.metrics.IncSessionResolved(metrics.OutcomeAnonymous)
		return nil, nil
	}

	user, err := s.users.UpsertFromClaims(ctx, claims)
	if err != nil {
		if IsPersistenceError(err) {
			s.metrics.IncSessionResolved(metrics.OutcomeError)
			return nil, err
		}
		s.metrics.IncSessionResolved(metrics.OutcomeAnonymous)
		return nil, nil
	}

	s.metrics.IncSessionResolved(metrics.OutcomeUser)
	return user, nil
}
