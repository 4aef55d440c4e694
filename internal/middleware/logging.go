package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tensorhub/tensorhub/internal/model"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// requestPrincipal is filled in by Auth so the access log can name who
// made the request. Only identifiers are recorded, never credentials.
type requestPrincipal struct {
	userID string
	keyID  string
	method model.AuthMethod
}

type principalKey struct{}

func annotatePrincipal(ctx context.Context, ac *model.AuthContext) {
	p, ok := ctx.Value(principalKey{}).(*requestPrincipal)
	if !ok || ac == nil {
		return
	}
	p.userID = ac.UserID()
	p.keyID = ac.KeyID
	p.method = ac.Method
}

// LoggerOptions tunes the access log.
type LoggerOptions struct {
	// SkipPaths are logged at debug level only. Probes hit these constantly.
	SkipPaths []string
}

// Logger returns a middleware that logs HTTP requests.
// Uses structured logging with slog.
func Logger(logger *slog.Logger, opts ...LoggerOptions) func(http.Handler) http.Handler {
	skip := make(map[string]bool)
	for _, o := range opts {
		for _, p := range o.SkipPaths {
			skip[p] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			principal := &requestPrincipal{}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.status),
				slog.Int("bytes", wrapped.bytes),
				slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}

			if traceID := GetTraceID(ctx); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}
			if principal.userID != "" {
				attrs = append(attrs,
					slog.String("user_id", principal.userID),
					slog.String("auth_method", string(principal.method)),
				)
			}
			if principal.keyID != "" {
				attrs = append(attrs, slog.String("key_id", principal.keyID))
			}

			level := slog.LevelInfo
			switch {
			case wrapped.status >= 500:
				level = slog.LevelError
			case wrapped.status >= 400:
				level = slog.LevelWarn
			case skip[r.URL.Path]:
				level = slog.LevelDebug
			}

			logger.LogAttrs(ctx, level, "http request", attrs...)
		})
	}
}
