// Package main is the entrypoint for the TensorHub API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/cache"
	"github.com/tensorhub/tensorhub/internal/config"
	"github.com/tensorhub/tensorhub/internal/handler"
	"github.com/tensorhub/tensorhub/internal/identity"
	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/middleware"
	"github.com/tensorhub/tensorhub/internal/repository"
	"github.com/tensorhub/tensorhub/internal/server"
	"github.com/tensorhub/tensorhub/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repo, err := repository.New(ctx, cfg.DatabaseURL, repository.DefaultOptions())
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return errors.New("database unavailable")
	}
	defer repo.Close()
	logger.Info("connected to database")

	cacheClient, err := cache.New(ctx, cfg.RedisURL, cache.DefaultOptions())
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		return errors.New("redis unavailable")
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	decoder, closeDecoder, err := newClaimsDecoder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hasher, err := auth.NewHasher(cfg.APIKeyPepper)
	if err != nil {
		return err
	}

	recorder, metricsHandler := newMetrics(cfg)
	users := service.NewUserDirectory(repo, logger, recorder)
	sessions := service.NewSessionResolver(decoder, users, logger, recorder)
	keys := service.NewAPIKeyService(repo, hasher, logger, recorder)

	cookies := service.CookieNames{
		IDToken:      cfg.SessionIDTokenCookie,
		AccessToken:  cfg.SessionAccessTokenCookie,
		RefreshToken: cfg.SessionRefreshTokenCookie,
	}

	var sessionHandler *handler.SessionHandler
	if cfg.IDPURL != "" {
		provider := identity.NewClient(cfg.IDPURL, cfg.IDPAnonKey, identity.WithLogger(logger))
		sessionHandler = handler.NewSessionHandler(logger, provider, sessions, handler.SessionConfig{
			Cookies:      cookies,
			CookieDomain: cfg.SessionCookieDomain,
			CookieMaxAge: cfg.SessionCookieMaxAge,
			Secure:       !cfg.IsDevelopment(),
			RedirectTo:   cfg.SessionRedirectTo,
		})
	} else {
		logger.Warn("IDP_URL not set; /auth endpoints disabled")
	}

	r := setupRouter(routerDeps{
		root:     handler.New(version),
		health:   handler.NewHealthHandler(logger, repo, cacheClient),
		metrics:  metricsHandler,
		apiKeys:  handler.NewAPIKeyHandler(logger, keys),
		sessions: sessionHandler,
		auth: middleware.AuthConfig{
			Logger:   logger,
			Sessions: sessions,
			Keys:     keys,
			Owners:   users,
			Cookies:  cookies,

			MinFailureDuration: middleware.DefaultMinAuthFailureDuration,
		},
		rateLimit: middleware.RateLimitConfig{
			Logger:       logger,
			Limiter:      cacheClient,
			APIEnabled:   cfg.RateLimitAPIEnabled,
			APIPerMinute: cfg.RateLimitAPIPerMinute,
			APIBurst:     cfg.RateLimitAPIBurst,
			AuthEnabled:  cfg.RateLimitAuthEnabled,
			AuthRPS:      cfg.RateLimitAuthRPS,
			AuthBurst:    cfg.RateLimitAuthBurst,
		},
		cfg:    cfg,
		logger: logger,
	})

	srv := server.New(r, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// LIFO: usage writes drain before the decoder stops.
	srv.OnShutdown("claims-decoder", func(context.Context) error {
		closeDecoder()
		return nil
	})
	srv.OnShutdown("api-key-usage", keys.Wait)

	logger.Info("starting server",
		slog.Int("port", cfg.AppPort),
		slog.String("env", cfg.AppEnv),
		slog.String("version", version),
		slog.Bool("verifies_tokens", cfg.VerifiesTokens()),
	)

	return srv.Run(ctx)
}

// newMetrics returns the recorder and the handler that exposes it.
func newMetrics(cfg *config.Config) (metrics.Recorder, http.Handler) {
	if cfg.MetricsBackend == "prometheus" {
		p := metrics.NewPrometheus(nil)
		return p, p.Handler()
	}
	m := metrics.NewInMemory()
	return m, http.HandlerFunc(handler.NewMetricsHandler(m).Metrics)
}

// newClaimsDecoder prefers published keys, then a shared secret. Without
// either, tokens are decoded without verification.
func newClaimsDecoder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.ClaimsDecoder, func(), error) {
	opts := auth.VerifyOptions{
		Issuer:   cfg.IDPIssuer,
		Audience: cfg.IDPAudience,
	}

	switch {
	case cfg.IDPJWKSURL != "":
		d, err := auth.NewJWKSDecoder(ctx, cfg.IDPJWKSURL, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("verifying session tokens with JWKS", slog.String("jwks_url", cfg.IDPJWKSURL))
		return d, d.Close, nil
	case cfg.IDPJWTSecret != "":
		d := auth.NewHMACDecoder([]byte(cfg.IDPJWTSecret), opts)
		logger.Info("verifying session tokens with shared secret")
		return d, d.Close, nil
	default:
		logger.Warn("session tokens are decoded without signature verification")
		return auth.NewUnverifiedDecoder(), func() {}, nil
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type routerDeps struct {
	root      *handler.Handler
	health    *handler.HealthHandler
	metrics   http.Handler
	apiKeys   *handler.APIKeyHandler
	sessions  *handler.SessionHandler
	auth      middleware.AuthConfig
	rateLimit middleware.RateLimitConfig
	cfg       *config.Config
	logger    *slog.Logger
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(d routerDeps) *chi.Mux {
	r := chi.NewRouter()

	// Validated at load time.
	trusted, _ := d.cfg.GetTrustedProxies()

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = d.cfg.GetCORSAllowedOrigins()

	r.Use(middleware.RealIP(trusted))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.logger, middleware.LoggerOptions{
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	}))
	r.Use(middleware.Recoverer(d.logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment:      d.cfg.IsDevelopment(),
		MaxRequestBodySize: d.cfg.MaxRequestBodySize,
	}))
	r.Use(middleware.MaxBodySize(d.cfg.MaxRequestBodySize))
	r.Use(middleware.CORS(corsCfg))

	r.Get("/healthz", d.health.Healthz)
	r.Get("/readyz", d.health.Readyz)
	r.Method(http.MethodGet, "/metrics", d.metrics)
	r.Get("/", d.root.Hello)

	if d.sessions != nil {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.RateLimitIP(d.rateLimit))
			r.Post("/session", d.sessions.Establish)
			r.Post("/password", d.sessions.ChangePassword)
			r.Post("/signout", d.sessions.SignOut)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(d.auth))
		r.Use(middleware.RateLimitAPI(d.rateLimit))

		r.Get("/me", d.root.Me)

		r.Route("/api-keys", func(r chi.Router) {
			r.With(middleware.RequireRead()).Get("/", d.apiKeys.ListAPIKeys)
			r.With(middleware.RequireAdmin()).Post("/", d.apiKeys.CreateAPIKey)
			r.With(middleware.RequireAdmin()).Delete("/{key_id}", d.apiKeys.RevokeAPIKey)
			r.With(middleware.RequireAdmin()).Delete("/{key_id}/permanent", d.apiKeys.DeleteAPIKey)
			r.With(middleware.RequireAdmin()).Post("/{key_id}/rotate", d.apiKeys.RotateAPIKey)
		})
	})

	r.NotFound(d.root.NotFound)
	r.MethodNotAllowed(d.root.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
