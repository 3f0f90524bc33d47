package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"gorm.io/gorm"
)

type contextKey string

const callerIDKey contextKey = "callerId"

// APIKeyAuth validates the caller's API key against the database and stores
// the key's ID in the request context as the caller identity for pool
// allocation.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
				return
			}

			var apiKey models.APIKey
			err := database.Where("key = ? AND is_active = ?", key, true).First(&apiKey).Error
			if err != nil {
				writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Invalid API key")
				return
			}

			// Best effort; a failed touch must not block the request.
			database.Model(&apiKey).Update("last_used_at", time.Now())

			ctx := context.WithValue(r.Context(), callerIDKey, apiKey.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAPIKey checks Authorization (Bearer), X-Api-Key, and the 'key'
// query parameter, in that order.
func extractAPIKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if apiKeyHeader := r.Header.Get("X-Api-Key"); apiKeyHeader != "" {
		return apiKeyHeader
	}
	return r.URL.Query().Get("key")
}

// CallerID returns the authenticated caller's ID from the request context.
func CallerID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(callerIDKey).(uint)
	return id, ok
}
