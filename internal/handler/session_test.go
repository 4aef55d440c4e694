package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tensorhub/tensorhub/internal/identity"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

var sessionCookies = service.CookieNames{
	IDToken:      "th-id-token",
	AccessToken:  "th-access-token",
	RefreshToken: "th-refresh-token",
}

// fakeProvider serves the identity user endpoint for a single valid token.
type fakeProvider struct {
	mu          sync.Mutex
	validToken  string
	subject     string
	passwordSet string
	rejectPw    bool
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.URL.Path != "/auth/v1/user" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+p.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"msg":"invalid JWT"}`)
		return
	}

	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]string{"id": p.subject, "email": "ada@example.com"})
	case http.MethodPut:
		if p.rejectPw {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"error_code":"weak_password","msg":"Password is too weak"}`)
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.passwordSet = body.Password
		_ = json.NewEncoder(w).Encode(map[string]string{"id": p.subject})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type fakeResolver struct {
	users map[string]*model.User // by token
	seen  service.Credentials
}

func (f *fakeResolver) ResolveCurrentUser(_ context.Context, creds service.Credentials) (*model.User, error) {
	f.seen = creds
	return f.users[creds.Token()], nil
}

type sessionEnv struct {
	provider *fakeProvider
	resolver *fakeResolver
	handler  *SessionHandler
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	provider := &fakeProvider{validToken: "good-access", subject: "sub-1"}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	resolver := &fakeResolver{users: map[string]*model.User{
		"good-access": {ID: "user-1", ExternalSubject: "sub-1", Email: "ada@example.com"},
	}}

	client := identity.NewClient(srv.URL, "anon", identity.WithHTTPClient(srv.Client()), identity.WithLogger(discardLogger()))
	h := NewSessionHandler(discardLogger(), client, resolver, SessionConfig{
		Cookies:      sessionCookies,
		CookieMaxAge: time.Hour,
		Secure:       true,
		RedirectTo:   "/dashboard",
	})
	return &sessionEnv{provider: provider, resolver: resolver, handler: h}
}

func postJSON(handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestSessionHandler_Establish(t *testing.T) {
	env := newSessionEnv(t)

	rec := postJSON(env.handler.Establish, "/auth/session", `{"access_token":"good-access","refresh_token":"refresh-1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.User == nil || resp.User.ID != "user-1" || resp.RedirectTo != "/dashboard" {
		t.Errorf("response = %+v", resp)
	}

	cookies := cookiesByName(rec)
	want := map[string]string{
		sessionCookies.AccessToken:  "good-access",
		sessionCookies.RefreshToken: "refresh-1",
		sessionCookies.IDToken:      "good-access",
	}
	for name, value := range want {
		c, ok := cookies[name]
		if !ok {
			t.Errorf("cookie %s not set", name)
			continue
		}
		if c.Value != value {
			t.Errorf("cookie %s = %q, want %q", name, c.Value, value)
		}
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
			t.Errorf("cookie %s attributes = %+v", name, c)
		}
		if c.MaxAge != 3600 {
			t.Errorf("cookie %s MaxAge = %d, want 3600", name, c.MaxAge)
		}
	}

	if env.resolver.seen.RefreshToken != "refresh-1" {
		t.Errorf("resolver saw %+v", env.resolver.seen)
	}
}

func TestSessionHandler_EstablishRecoveryRedirect(t *testing.T) {
	env := newSessionEnv(t)

	rec := postJSON(env.handler.Establish, "/auth/session",
		`{"access_token":"good-access","refresh_token":"refresh-1","type":"recovery"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RedirectTo != "/reset-password" {
		t.Errorf("redirect_to = %q, want /reset-password", resp.RedirectTo)
	}
}

func TestSessionHandler_EstablishFailures(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(*sessionEnv)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing refresh token",
			body:       `{"access_token":"good-access"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown type",
			body:       `{"access_token":"good-access","refresh_token":"r","type":"bogus"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "malformed body",
			body:       `{"access_token":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "provider rejects token",
			body:       `{"access_token":"forged","refresh_token":"r"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
		},
		{
			name: "subject mismatch",
			body: `{"access_token":"good-access","refresh_token":"r"}`,
			setup: func(e *sessionEnv) {
				e.provider.subject = "someone-else"
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
		},
		{
			name: "token not decodable locally",
			body: `{"access_token":"good-access","refresh_token":"r"}`,
			setup: func(e *sessionEnv) {
				delete(e.resolver.users, "good-access")
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newSessionEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := postJSON(env.handler.Establish, "/auth/session", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decodeError(t, rec); got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
			if len(rec.Result().Cookies()) != 0 {
				t.Error("cookies set on a failed establishment")
			}
		})
	}
}

func TestSessionHandler_ChangePassword(t *testing.T) {
	env := newSessionEnv(t)

	rec := postJSON(env.handler.ChangePassword, "/auth/password",
		`{"access_token":"good-access","refresh_token":"r","password":"correct horse"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.provider.passwordSet != "correct horse" {
		t.Errorf("provider password = %q", env.provider.passwordSet)
	}
	if _, ok := cookiesByName(rec)[sessionCookies.AccessToken]; !ok {
		t.Error("session cookie not set before password change")
	}
}

func TestSessionHandler_ChangePasswordFailures(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		env := newSessionEnv(t)
		rec := postJSON(env.handler.ChangePassword, "/auth/password",
			`{"access_token":"good-access","refresh_token":"r","password":"short"}`)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if got := decodeError(t, rec); got.Fields["password"] == "" {
			t.Errorf("fields = %v", got.Fields)
		}
		if env.provider.passwordSet != "" {
			t.Error("provider called for an invalid password")
		}
	})

	t.Run("provider refuses", func(t *testing.T) {
		env := newSessionEnv(t)
		env.provider.rejectPw = true
		rec := postJSON(env.handler.ChangePassword, "/auth/password",
			`{"access_token":"good-access","refresh_token":"r","password":"password1"}`)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
		got := decodeError(t, rec)
		if got.Code != "WEAK_PASSWORD" || got.Message != "Password is too weak" {
			t.Errorf("error = %+v", got)
		}
	})
}

func TestSessionHandler_SignOut(t *testing.T) {
	env := newSessionEnv(t)

	rec := httptest.NewRecorder()
	env.handler.SignOut(rec, httptest.NewRequest(http.MethodPost, "/auth/signout", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	cookies := cookiesByName(rec)
	for _, name := range []string{sessionCookies.AccessToken, sessionCookies.RefreshToken, sessionCookies.IDToken} {
		c, ok := cookies[name]
		if !ok {
			t.Errorf("cookie %s not cleared", name)
			continue
		}
		if c.MaxAge >= 0 || c.Value != "" {
			t.Errorf("cookie %s = %+v, want expired", name, c)
		}
	}
}
