package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

const testKey = "thk_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b"

var testCookies = service.CookieNames{
	IDToken:      "th-id-token",
	AccessToken:  "th-access-token",
	RefreshToken: "th-refresh-token",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	users map[string]*model.User // by token
	err   error
	calls int
}

func (f *fakeSessions) ResolveCurrentUser(_ context.Context, creds service.Credentials) (*model.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.users[creds.Token()], nil
}

type fakeKeys struct {
	keys map[string]*model.APIKey // by plaintext
	err  error
}

func (f *fakeKeys) Validate(_ context.Context, presented string) (*model.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	key, ok := f.keys[presented]
	if !ok {
		return nil, service.ErrInvalidAPIKey
	}
	return key, nil
}

type fakeOwners struct {
	users map[string]*model.User
	err   error
}

func (f *fakeOwners) FindByID(_ context.Context, id string) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, service.ErrUserNotFound
	}
	return u, nil
}

type authEnv struct {
	sessions *fakeSessions
	keys     *fakeKeys
	owners   *fakeOwners
	seen     *model.AuthContext
	handler  http.Handler
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()

	owner := &model.User{ID: "user-1", Email: "ada@example.com"}
	env := &authEnv{
		sessions: &fakeSessions{users: map[string]*model.User{"good-session": owner}},
		keys: &fakeKeys{keys: map[string]*model.APIKey{
			testKey: {ID: "key-1", UserID: "user-1", Scopes: []string{model.ScopeRead}},
		}},
		owners: &fakeOwners{users: map[string]*model.User{"user-1": owner}},
	}

	env.handler = Auth(AuthConfig{
		Logger:   discardLogger(),
		Sessions: env.sessions,
		Keys:     env.keys,
		Owners:   env.owners,
		Cookies:  testCookies,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.seen = auth.AuthFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return env
}

func (e *authEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	e.seen = nil
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuth_SessionCookie(t *testing.T) {
	env := newAuthEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: testCookies.AccessToken, Value: "good-session"})
	rec := env.serve(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.seen.Method != model.AuthMethodSession || env.seen.UserID() != "user-1" {
		t.Errorf("auth context = %+v", env.seen)
	}
	for _, scope := range model.ValidScopes {
		if !env.seen.HasScope(scope) {
			t.Errorf("session missing scope %q", scope)
		}
	}
}

func TestAuth_APIKey(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testKey) }},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", testKey) }},
		{"invalid session falls back to key", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: testCookies.AccessToken, Value: "stale-session"})
			r.Header.Set("X-API-Key", testKey)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAuthEnv(t)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/api-keys", nil)
			tt.setup(req)
			rec := env.serve(req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if env.seen.Method != model.AuthMethodAPIKey || env.seen.KeyID != "key-1" {
				t.Errorf("auth context = %+v", env.seen)
			}
			if env.seen.UserID() != "user-1" {
				t.Errorf("UserID = %q", env.seen.UserID())
			}
			if env.seen.HasScope(model.ScopeAdmin) {
				t.Error("key context must carry only the key's scopes")
			}
		})
	}
}

func TestAuth_UniformUnauthorized(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*authEnv, *http.Request)
	}{
		{"no credentials", func(*authEnv, *http.Request) {}},
		{"stale session", func(_ *authEnv, r *http.Request) {
			r.AddCookie(&http.Cookie{Name: testCookies.AccessToken, Value: "stale-session"})
		}},
		{"unknown key", func(_ *authEnv, r *http.Request) {
			r.Header.Set("Authorization", "Bearer thk_"+strings.Repeat("0", 64))
		}},
		{"malformed key", func(_ *authEnv, r *http.Request) { r.Header.Set("X-API-Key", "nope") }},
		{"owner gone", func(e *authEnv, r *http.Request) {
			delete(e.owners.users, "user-1")
			r.Header.Set("X-API-Key", testKey)
		}},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAuthEnv(t)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			tt.setup(env, req)
			rec := env.serve(req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if env.seen != nil {
				t.Error("next handler must not run")
			}
			bodies = append(bodies, rec.Body.String())
		})
	}

	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("401 body differs between failures: %q vs %q", bodies[i], bodies[0])
		}
	}
}

func TestAuth_StoreOutageIsNotUnauthorized(t *testing.T) {
	outage := &service.PersistenceError{Op: "resolve", Err: errors.New("connection refused")}

	tests := []struct {
		name  string
		setup func(*authEnv, *http.Request)
	}{
		{"session store", func(e *authEnv, r *http.Request) {
			e.sessions.err = outage
			r.AddCookie(&http.Cookie{Name: testCookies.AccessToken, Value: "good-session"})
		}},
		{"key store", func(e *authEnv, r *http.Request) {
			e.keys.err = outage
			r.Header.Set("X-API-Key", testKey)
		}},
		{"owner store", func(e *authEnv, r *http.Request) {
			e.owners.err = outage
			r.Header.Set("X-API-Key", testKey)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAuthEnv(t)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			tt.setup(env, req)
			rec := env.serve(req)

			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"code":"SERVICE_UNAVAILABLE"`) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestAuth_PadsKeyRejections(t *testing.T) {
	const floor = 40 * time.Millisecond

	handler := Auth(AuthConfig{
		Logger:             discardLogger(),
		Keys:               &fakeKeys{},
		Owners:             &fakeOwners{},
		MinFailureDuration: floor,
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-API-Key", testKey)

	start := time.Now()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < floor {
		t.Errorf("rejection took %v, want at least %v", elapsed, floor)
	}
}

func TestExtractAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		authHeader   string
		apiKeyHeader string
		want         string
	}{
		{"bearer key", "Bearer " + testKey, "", testKey},
		{"lowercase scheme", "bearer " + testKey, "", testKey},
		{"x-api-key header", "", testKey, testKey},
		{"bearer key wins", "Bearer " + testKey, "other", testKey},
		{"bearer session token is not a key", "Bearer eyJhbGciOiJIUzI1NiJ9.e30.sig", "", ""},
		{"session bearer falls back to header", "Bearer eyJtoken", testKey, testKey},
		{"basic auth ignored", "Basic dXNlcjpwYXNz", "", ""},
		{"no key", "", "", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if tt.apiKeyHeader != "" {
				req.Header.Set("X-API-Key", tt.apiKeyHeader)
			}

			if got := extractAPIKey(req); got != tt.want {
				t.Errorf("extractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuth_AnnotatesAccessLog(t *testing.T) {
	env := newAuthEnv(t)

	var buf bytes.Buffer
	handler := Logger(slog.New(slog.NewJSONHandler(&buf, nil)))(env.handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-API-Key", testKey)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"user_id":"user-1"`, `"auth_method":"api_key"`, `"key_id":"key-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("access log missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, testKey) {
		t.Error("access log contains the API key")
	}
}
