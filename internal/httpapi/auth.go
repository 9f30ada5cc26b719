package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qline/internal/identity"
)

// AuthMiddleware resolves the bearer token into an identity.Session on the
// request context. Realtime endpoints authenticate their own connections.
func AuthMiddleware(provider identity.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := provider.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrMissingToken) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), session)))
	})
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	path := r.URL.Path
	switch {
	case path == "/healthz", path == "/metrics":
		return true
	case path == "/ws", strings.HasPrefix(path, "/realtime/"), strings.HasPrefix(path, "/uploads/"):
		return true
	case path == "/api/shops":
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/shops/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/api/shops/"), "/")
		return r.Method == http.MethodGet && rest != "mine" && rest != "" && !strings.Contains(rest, "/")
	default:
		return false
	}
}
