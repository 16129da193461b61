// Package middleware provides HTTP middleware for the control-plane API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims.
	ClaimsKey ContextKey = "claims"
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the user's role.
	RoleKey ContextKey = "role"
)

// Authenticator enforces bearer-token authentication on API routes.
type Authenticator struct {
	jwtManager *auth.JWTManager
	logger     *zap.Logger
}

// NewAuthenticator creates an authenticator backed by the given JWT manager.
func NewAuthenticator(jwtManager *auth.JWTManager, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		jwtManager: jwtManager,
		logger:     logger.With(zap.String("middleware", "auth")),
	}
}

// publicPaths lists paths that never require authentication.
var publicPaths = []string{
	"/health",
	"/healthz",
	"/ready",
	"/live",
	"/api/v1/info",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware wraps a handler with bearer-token verification. Requests to
// public paths pass through untouched.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Websocket clients cannot set headers from browsers, so the
			// token may ride a query parameter instead.
			if token := r.URL.Query().Get("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if authHeader == "" {
			a.logger.Debug("Missing authorization header", zap.String("path", r.URL.Path))
			a.unauthorized(w, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			a.unauthorized(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwtManager.Verify(tokenString)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			a.unauthorized(w, "invalid or expired token")
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ClaimsKey, claims)
		ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    "unauthenticated",
		"message": message,
	})
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

// GetUserID extracts the user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetRole extracts the user's role from the context.
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}
