package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tensorhub/tensorhub/internal/model"
)

// ErrMalformedToken indicates a token could not be decoded into usable claims.
var ErrMalformedToken = errors.New("malformed token")

// ClaimsDecoder extracts identity claims from an opaque identity token.
type ClaimsDecoder interface {
	Decode(ctx context.Context, token string) (*model.Claims, error)
}

// UnverifiedDecoder decodes the JWT payload without checking the signature.
// Use only when no key material for the identity provider is configured.
type UnverifiedDecoder struct {
	parser *jwt.Parser
}

// NewUnverifiedDecoder creates a structural-only decoder.
func NewUnverifiedDecoder() *UnverifiedDecoder {
	return &UnverifiedDecoder{parser: jwt.NewParser()}
}

// Decode implements ClaimsDecoder.
func (d *UnverifiedDecoder) Decode(_ context.Context, token string) (*model.Claims, error) {
	if token == "" {
		return nil, ErrMalformedToken
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := d.parser.ParseUnverified(token, mapClaims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	return claimsFromMap(mapClaims)
}

// VerifyOptions constrains which tokens a VerifyingDecoder accepts.
type VerifyOptions struct {
	Issuer   string
	Audience string
	// Methods lists accepted signing algorithms. Defaults to RS256, ES256 and HS256.
	Methods []string
	Leeway  time.Duration
}

// VerifyingDecoder checks signature, issuer, audience and expiry before
// extracting claims.
type VerifyingDecoder struct {
	keyFunc jwt.Keyfunc
	parser  *jwt.Parser
	stop    func()
}

// NewVerifyingDecoder builds a decoder around an arbitrary key function.
func NewVerifyingDecoder(keyFunc jwt.Keyfunc, opts VerifyOptions) *VerifyingDecoder {
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{"RS256", "ES256", "HS256"}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}

	return &VerifyingDecoder{
		keyFunc: keyFunc,
		parser:  jwt.NewParser(parserOpts...),
	}
}

// NewHMACDecoder verifies tokens signed with a shared secret (HS256).
func NewHMACDecoder(secret []byte, opts VerifyOptions) *VerifyingDecoder {
	opts.Methods = []string{"HS256"}
	return NewVerifyingDecoder(func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts)
}

// NewJWKSDecoder verifies tokens against the identity provider's published keys.
// Keys are refreshed in the background until Close is called.
func NewJWKSDecoder(ctx context.Context, jwksURL string, opts VerifyOptions, logger *slog.Logger) (*VerifyingDecoder, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx: ctx,
		RefreshErrorHandler: func(err error) {
			logger.Warn("jwks refresh failed", slog.String("error", err.Error()))
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	d := NewVerifyingDecoder(jwks.Keyfunc, opts)
	d.stop = jwks.EndBackground
	return d, nil
}

// Decode implements ClaimsDecoder.
func (d *VerifyingDecoder) Decode(_ context.Context, token string) (*model.Claims, error) {
	if token == "" {
		return nil, ErrMalformedToken
	}

	mapClaims := jwt.MapClaims{}
	parsed, err := d.parser.ParseWithClaims(token, mapClaims, d.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if !parsed.Valid {
		return nil, ErrMalformedToken
	}

	return claimsFromMap(mapClaims)
}

// Close stops background key refresh, if any.
func (d *VerifyingDecoder) Close() {
	if d.stop != nil {
		d.stop()
	}
}

// claimsFromMap maps registered and profile claims. Profile fields fall back
// to the provider's user_metadata object when the top-level claim is absent.
func claimsFromMap(m jwt.MapClaims) (*model.Claims, error) {
	sub, err := m.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}

	meta, _ := m["user_metadata"].(map[string]any)

	return &model.Claims{
		Subject:    sub,
		Email:      stringClaim(m, "email"),
		Name:       firstNonEmpty(stringClaim(m, "name"), stringClaim(meta, "full_name"), stringClaim(meta, "name")),
		PictureURL: firstNonEmpty(stringClaim(m, "picture"), stringClaim(meta, "avatar_url"), stringClaim(meta, "picture")),
	}, nil
}

func stringClaim(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
