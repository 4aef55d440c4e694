package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/tensorhub/tensorhub/internal/identity"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

const (
	recoveryRedirect  = "/reset-password"
	minPasswordLength = 8
	maxTokenLength    = 8192
)

// IdentityProvider verifies access tokens and changes passwords upstream.
type IdentityProvider interface {
	GetUser(ctx context.Context, accessToken string) (*identity.User, error)
	UpdatePassword(ctx context.Context, accessToken, password string) error
}

// CurrentUserResolver maps session credentials to the local user record.
type CurrentUserResolver interface {
	ResolveCurrentUser(ctx context.Context, creds service.Credentials) (*model.User, error)
}

// SessionConfig controls the cookies written on establishment.
type SessionConfig struct {
	Cookies      service.CookieNames
	CookieDomain string
	CookieMaxAge time.Duration
	// Secure marks cookies Secure; false only in development.
	Secure bool
	// RedirectTo is where a non-recovery sign-in lands.
	RedirectTo string
}

// SessionHandler turns provider-issued tokens into first-party session cookies.
type SessionHandler struct {
	logger   *slog.Logger
	provider IdentityProvider
	resolver CurrentUserResolver
	cfg      SessionConfig
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(logger *slog.Logger, provider IdentityProvider, resolver CurrentUserResolver, cfg SessionConfig) *SessionHandler {
	return &SessionHandler{
		logger:   logger,
		provider: provider,
		resolver: resolver,
		cfg:      cfg,
	}
}

type establishRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Type         string `json:"type,omitempty"`
}

func (req establishRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.AccessToken, validation.Required, validation.Length(1, maxTokenLength)),
		validation.Field(&req.RefreshToken, validation.Required, validation.Length(1, maxTokenLength)),
		validation.Field(&req.Type, validation.In("signup", "recovery", "magiclink", "invite", "email", "email_change")),
	)
}

type passwordRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Password     string `json:"password"`
}

func (req passwordRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.AccessToken, validation.Required, validation.Length(1, maxTokenLength)),
		validation.Field(&req.RefreshToken, validation.Required, validation.Length(1, maxTokenLength)),
		validation.Field(&req.Password, validation.Required, validation.Length(minPasswordLength, 0)),
	)
}

// SessionResponse is returned by a successful establishment.
type SessionResponse struct {
	Success    bool        `json:"success"`
	User       *model.User `json:"user"`
	RedirectTo string      `json:"redirect_to"`
}

// Establish handles POST /auth/session
func (h *SessionHandler) Establish(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := service.NewValidationError(req.Validate()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	user, err := h.establish(w, r, req.AccessToken, req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	redirect := h.cfg.RedirectTo
	if req.Type == "recovery" {
		redirect = recoveryRedirect
	}

	writeJSON(w, http.StatusOK, SessionResponse{Success: true, User: user, RedirectTo: redirect})
}

// ChangePassword handles POST /auth/password. The session is established
// first so a recovery link leaves the browser signed in either way.
func (h *SessionHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := service.NewValidationError(req.Validate()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	user, err := h.establish(w, r, req.AccessToken, req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	if err := h.provider.UpdatePassword(r.Context(), req.AccessToken, req.Password); err != nil {
		h.logger.WarnContext(r.Context(), "password update refused",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "password changed", slog.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, User: user, RedirectTo: h.cfg.RedirectTo})
}

// SignOut handles POST /auth/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	for _, name := range h.cookieNames() {
		http.SetCookie(w, h.cookie(name, "", -1))
	}
	w.WriteHeader(http.StatusNoContent)
}

// establish verifies the access token upstream, provisions the local user
// and only then writes the session cookies.
func (h *SessionHandler) establish(w http.ResponseWriter, r *http.Request, accessToken, refreshToken string) (*model.User, error) {
	ctx := r.Context()

	upstream, err := h.provider.GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// The access token doubles as the id token: it carries the profile claims.
	creds := service.Credentials{
		IDToken:      accessToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	user, err := h.resolver.ResolveCurrentUser(ctx, creds)
	if err != nil {
		return nil, err
	}
	if user == nil || (upstream.ID != "" && user.ExternalSubject != upstream.ID) {
		h.logger.WarnContext(ctx, "session token could not be resolved locally",
			slog.String("subject", upstream.ID),
		)
		return nil, identity.ErrInvalidSession
	}

	maxAge := int(h.cfg.CookieMaxAge / time.Second)
	http.SetCookie(w, h.cookie(h.cfg.Cookies.AccessToken, accessToken, maxAge))
	http.SetCookie(w, h.cookie(h.cfg.Cookies.RefreshToken, refreshToken, maxAge))
	if h.cfg.Cookies.IDToken != "" && h.cfg.Cookies.IDToken != h.cfg.Cookies.AccessToken {
		http.SetCookie(w, h.cookie(h.cfg.Cookies.IDToken, accessToken, maxAge))
	}

	h.logger.InfoContext(ctx, "session established", slog.String("user_id", user.ID))
	return user, nil
}

func (h *SessionHandler) cookieNames() []string {
	names := make([]string, 0, 3)
	for _, name := range []string{h.cfg.Cookies.AccessToken, h.cfg.Cookies.RefreshToken, h.cfg.Cookies.IDToken} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (h *SessionHandler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
