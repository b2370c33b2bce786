package api

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pimonitor/internal/logging"
)

// HTTPLoggingMiddleware logs HTTP requests with appropriate log levels based on status codes.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	logger := logging.GetLogger("http")

	method := ctx.Method()
	logAttrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", ctx.URL().Path),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if query := ctx.URL().RawQuery; query != "" {
		logAttrs = append(logAttrs, slog.String("query", query))
	}

	next(ctx)

	status := ctx.Status()
	logAttrs = append(logAttrs,
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)

	message := "HTTP request completed"
	switch {
	case method == http.MethodOptions:
		logger.LogAttrs(ctx.Context(), slog.LevelDebug, message, logAttrs...)
	case status >= 500:
		logger.LogAttrs(ctx.Context(), slog.LevelError, message, logAttrs...)
	case status >= 400:
		logger.LogAttrs(ctx.Context(), slog.LevelWarn, message, logAttrs...)
	default:
		logger.LogAttrs(ctx.Context(), slog.LevelInfo, message, logAttrs...)
	}
}

// recoverMiddleware turns a handler panic into a 500 response.
func (s *Server) recoverMiddleware(ctx huma.Context, next func(huma.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in HTTP handler",
				"path", ctx.URL().Path,
				"panic", r,
				"stack", string(debug.Stack()))
			_ = huma.WriteErr(s.api, ctx, http.StatusInternalServerError, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()
	next(ctx)
}

// basicAuthMiddleware checks credentials against the committed
// configuration on every request, so credential changes apply without a
// restart. Operations without security requirements are always allowed.
func (s *Server) basicAuthMiddleware(ctx huma.Context, next func(huma.Context)) {
	op := ctx.Operation()
	if op != nil && len(op.Security) == 0 {
		next(ctx)
		return
	}

	cfg := s.ctrl.GetConfig()
	if !cfg.EnableAuth {
		next(ctx)
		return
	}

	user, pass, ok := parseBasicAuth(ctx.Header("Authorization"))
	if !ok {
		// EventSource cannot set headers.
		user, pass, ok = parseCredentials(ctx.Query("auth"))
	}
	if !ok {
		s.unauthorized(ctx, "Authentication required")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AuthUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.AuthPassword)) == 1
	if !userOK || !passOK {
		s.unauthorized(ctx, "Invalid credentials")
		return
	}
	next(ctx)
}

func (s *Server) unauthorized(ctx huma.Context, msg string) {
	ctx.SetHeader("WWW-Authenticate", `Basic realm="pimonitor"`)
	_ = huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	return parseCredentials(header[len(prefix):])
}

func parseCredentials(encoded string) (user, pass string, ok bool) {
	if encoded == "" {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return user, pass, true
}
