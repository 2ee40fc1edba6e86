package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"ovpn-console/internal/audit"
)

// SessionCookieName carries the session JWT for browser clients.
const SessionCookieName = "ovpn_session"

// APIKeyHeader carries "<keyid>.<secret>" for scripted clients.
const APIKeyHeader = "X-API-Key"

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by the middleware, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Middleware is a chi-compatible HTTP middleware that enforces authentication.
//
// Public paths that bypass auth:
//   - POST /api/auth/login
//   - GET  /api/system/health
//
// Requests that fail auth receive a 401 JSON response.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), "", ClientIP(r))))
			return
		}
		id, err := m.authenticate(r)
		if err != nil || id == nil {
			if err != nil {
				m.log.WithError(err).WithField("path", r.URL.Path).Debug("request not authenticated")
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := WithIdentity(r.Context(), id)
		ctx = audit.WithActor(ctx, id.Username, ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose identity lacks one of roles with 403.
func (m *Manager) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.record(r.Context(), "authz.denied", r.Method+" "+r.URL.Path, audit.OutcomeDenied, "role "+id.Role)
			writeJSONError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// SessionCookie builds the cookie that carries a session token.
func SessionCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate checks, in order, a Bearer token, an API key header and the session cookie.
func (m *Manager) authenticate(r *http.Request) (*Identity, error) {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return m.ParseToken(r.Context(), strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return m.AuthenticateAPIKey(r.Context(), key)
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return m.ParseToken(r.Context(), cookie.Value)
	}
	return nil, nil
}

func isPublicPath(path string) bool {
	return path == "/api/auth/login" || path == "/api/system/health"
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
