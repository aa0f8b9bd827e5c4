package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/handler/dto"
)

type contextKey string

const (
	// ContextKeyCaller is the key for storing the caller in request context.
	ContextKeyCaller contextKey = "caller"

	// HeaderAPIKey carries the caller's API key.
	HeaderAPIKey = "X-API-Key"
)

// CallerLookup resolves an API key to a caller.
type CallerLookup interface {
	GetByAPIKey(ctx context.Context, key string) (*domain.Caller, error)
}

// AuthMiddleware handles API key authentication.
type AuthMiddleware struct {
	callers CallerLookup
}

// NewAuthMiddleware creates a new AuthMiddleware.
func NewAuthMiddleware(callers CallerLookup) *AuthMiddleware {
	return &AuthMiddleware{
		callers: callers,
	}
}

// extractAPIKey reads the key from X-API-Key, falling back to a Bearer token.
func extractAPIKey(r *http.Request) (string, bool) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}

	key := strings.TrimSpace(parts[1])
	return key, key != ""
}

// Authenticate validates the API key and adds the caller to request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := extractAPIKey(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "missing API key")
			return
		}

		caller, err := m.callers.GetByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, domain.ErrCallerNotFound) {
				writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "invalid API key")
				return
			}
			slog.Error("failed to look up API key", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
			return
		}

		if !caller.IsActive {
			writeError(w, http.StatusUnauthorized, "CALLER_INACTIVE", "API key is disabled")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCallerFromContext retrieves the authenticated caller from request context.
func GetCallerFromContext(ctx context.Context) (*domain.Caller, error) {
	caller, ok := ctx.Value(ContextKeyCaller).(*domain.Caller)
	if !ok || caller == nil {
		return nil, domain.ErrCallerNotFound
	}
	return caller, nil
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller *domain.Caller) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(dto.NewErrorResponse(code, message)); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
