package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// ContextKey is the key type for context values
type ContextKey string

// PrincipalContextKey is the context key for the authenticated caller.
const PrincipalContextKey ContextKey = "principal"

// Middleware authenticates reporter requests. It accepts either a signed
// JWT or the pre-shared static token; with skipAuth set every request
// passes with an admin principal.
type Middleware struct {
	jwtManager  *JWTManager
	staticToken string
	skipAuth    bool
}

func NewMiddleware(jwtManager *JWTManager, staticToken string, skipAuth bool) *Middleware {
	return &Middleware{
		jwtManager:  jwtManager,
		staticToken: staticToken,
		skipAuth:    skipAuth,
	}
}

// HTTPMiddleware wraps next with bearer-token authentication.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), PrincipalContextKey, &Principal{
				Subject: "dev",
				Role:    RoleAdmin,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Browser WebSocket clients cannot send custom headers.
			if q := r.URL.Query().Get("token"); q != "" {
				authHeader = "Bearer " + q
			}
		}
		if authHeader == "" {
			http.Error(w, `{"code":"BAD_REQUEST","message":"authorization required"}`, http.StatusUnauthorized)
			return
		}

		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			http.Error(w, `{"code":"BAD_REQUEST","message":"invalid authorization header"}`, http.StatusUnauthorized)
			return
		}

		var principal *Principal
		if m.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.staticToken)) == 1 {
			principal = &Principal{Subject: "static-token", Role: RoleAdmin}
		} else {
			principal, err = m.jwtManager.ValidateToken(token)
			if err != nil {
				http.Error(w, `{"code":"BAD_REQUEST","message":"invalid token"}`, http.StatusUnauthorized)
				return
			}
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal extracts the authenticated caller from ctx.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok
}
