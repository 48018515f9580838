package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenQueryParam carries a bearer token or API key for clients that cannot
// set headers, such as browser websockets and mail webhooks.
const TokenQueryParam = "access_token"

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects requests without valid credentials. It passes every
// request through when the service is disabled.
func Middleware(s *Service, logger *slog.Logger, next http.Handler) http.Handler {
	if !s.Enabled() {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			logger.Warn("request authentication failed", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (s *Service) authenticate(r *http.Request) (*Principal, error) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return s.ValidateToken(token)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return s.ValidateAPIKey(key)
	}
	if cred := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); cred != "" {
		if s.jwt != nil && strings.Count(cred, ".") == 2 {
			return s.ValidateToken(cred)
		}
		return s.ValidateAPIKey(cred)
	}
	return nil, ErrInvalidToken
}

func bearerToken(header string) string {
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}
