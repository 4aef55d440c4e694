// Package callback routes the user after the identity provider redirects
// back with tokens or an error in the URL fragment.
//
// The package is host-agnostic: a browser shell supplies a Navigator for
// URL changes and a SessionEstablisher that forwards tokens to the server.
package callback

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// Tokens is the credential pair delivered by the provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Type         string
}

// Navigator performs URL changes in the host.
type Navigator interface {
	// ClearFragment removes the fragment from the visible URL without navigating.
	ClearFragment()
	// Navigate moves to location.
	Navigate(location string)
}

// SessionEstablisher forwards tokens to the server and returns the location
// the server chose for the user.
type SessionEstablisher interface {
	Establish(ctx context.Context, tokens Tokens) (string, error)
}

// Event is one navigation observed by the host: initial load or a fragment change.
type Event struct {
	Path     string
	Fragment string
}

// Options configures screen locations.
type Options struct {
	LinkExpiredPath string
	SignInPath      string
	// AuthFlowPrefixes are paths on which the machine never acts.
	AuthFlowPrefixes []string
}

// DefaultOptions returns the dashboard's screen layout.
func DefaultOptions() Options {
	return Options{
		LinkExpiredPath:  "/auth/link-expired",
		SignInPath:       "/signin",
		AuthFlowPrefixes: []string{"/auth/", "/signin", "/signup", "/reset-password"},
	}
}

// Machine inspects callback fragments and routes accordingly.
// Store subscribers are notified synchronously and must not call Handle.
type Machine struct {
	nav    Navigator
	est    SessionEstablisher
	store  *Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	busy     bool
	suppress string
}

// NewMachine creates a Machine publishing into store.
func NewMachine(nav Navigator, est SessionEstablisher, store *Store, opts Options, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewStore()
	}
	return &Machine{
		nav:    nav,
		est:    est,
		store:  store,
		opts:   opts,
		logger: logger,
	}
}

// Store returns the machine's observable state.
func (m *Machine) Store() *Store {
	return m.store
}

// Handle processes one navigation event and returns the resulting state.
func (m *Machine) Handle(ctx context.Context, ev Event) State {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return m.store.State()
	}
	if m.suppress != "" && pathOf(m.suppress) == ev.Path {
		m.suppress = ""
		m.mu.Unlock()
		return m.store.State()
	}
	if m.inAuthFlow(ev.Path) {
		m.mu.Unlock()
		return m.store.State()
	}

	params, ok := parseFragment(ev.Fragment)
	if !ok {
		m.mu.Unlock()
		return m.store.State()
	}

	// Any auth material leaves the visible URL, even when it cannot be acted on.
	m.nav.ClearFragment()
	if !actionable(params) {
		m.mu.Unlock()
		return m.store.State()
	}
	m.store.set(State{Phase: PhaseInspecting})

	if errCode, errName := params.Get("error_code"), params.Get("error"); errCode != "" || errName != "" {
		st := m.routeError(params, ev.Path)
		m.mu.Unlock()
		m.nav.Navigate(st.Location)
		return st
	}

	tokens := Tokens{
		AccessToken:  params.Get("access_token"),
		RefreshToken: params.Get("refresh_token"),
		Type:         params.Get("type"),
	}
	m.busy = true
	m.store.set(State{Phase: PhaseEstablishing, Flow: flowOf(params, ev.Path)})
	m.mu.Unlock()

	location, err := m.est.Establish(ctx, tokens)

	m.mu.Lock()
	m.busy = false
	if err != nil {
		m.logger.WarnContext(ctx, "session establishment failed", slog.String("error", err.Error()))
		st := m.signIn("Could not sign you in. Please try again.")
		m.mu.Unlock()
		m.nav.Navigate(st.Location)
		return st
	}

	st := State{Phase: PhaseHandedOff, Flow: flowOf(params, ev.Path), Location: location}
	m.suppress = location
	m.store.set(st)
	m.mu.Unlock()

	m.nav.Navigate(location)
	return st
}

func (m *Machine) routeError(params url.Values, path string) State {
	if isExpiredLink(params) {
		flow := flowOf(params, path)
		q := url.Values{"flow": {string(flow)}}
		st := State{
			Phase:    PhaseRouting,
			Target:   TargetLinkExpired,
			Flow:     flow,
			Location: m.opts.LinkExpiredPath + "?" + q.Encode(),
		}
		m.store.set(st)
		return st
	}

	msg := params.Get("error_description")
	if msg == "" {
		msg = params.Get("error")
	}
	if msg == "" {
		msg = params.Get("error_code")
	}
	return m.signIn(msg)
}

func (m *Machine) signIn(msg string) State {
	q := url.Values{"error": {msg}}
	st := State{
		Phase:    PhaseRouting,
		Target:   TargetSignIn,
		Location: m.opts.SignInPath + "?" + q.Encode(),
		Error:    msg,
	}
	m.store.set(st)
	return st
}

func (m *Machine) inAuthFlow(path string) bool {
	for _, prefix := range m.opts.AuthFlowPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// authKeys are fragment parameters that mark auth material.
var authKeys = []string{"access_token", "refresh_token", "error", "error_code", "error_description", "type"}

// parseFragment returns the fragment's parameters when any of them is auth
// material. Plain anchors report false.
func parseFragment(fragment string) (url.Values, bool) {
	fragment = strings.TrimPrefix(fragment, "#")
	if fragment == "" {
		return nil, false
	}
	params, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, false
	}
	for _, k := range authKeys {
		if params.Has(k) {
			return params, true
		}
	}
	return nil, false
}

// actionable reports an error, or a complete access and refresh token pair.
func actionable(params url.Values) bool {
	if params.Get("error") != "" || params.Get("error_code") != "" {
		return true
	}
	return params.Get("access_token") != "" && params.Get("refresh_token") != ""
}

// isExpiredLink reports an expired or denied one-time link.
func isExpiredLink(params url.Values) bool {
	return strings.HasSuffix(params.Get("error_code"), "_expired") ||
		params.Get("error") == "access_denied"
}

func flowOf(params url.Values, path string) Flow {
	if params.Get("type") == string(FlowRecovery) || params.Has("recovery") ||
		strings.Contains(path, "recover") {
		return FlowRecovery
	}
	return FlowConfirm
}

func pathOf(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return u.Path
}
