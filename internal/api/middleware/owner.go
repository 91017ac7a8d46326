package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/relaydesk/relaydesk/pkg/models"
)

type contextKey string

// OwnerKey is the context key for the owner ID.
const OwnerKey contextKey = "owner_id"

// OwnerHeader carries the owner of an admin request.
const OwnerHeader = "X-Owner-Id"

// OwnerExtractor resolves the owner of the request.
// It checks the X-Owner-Id header, then the owner query parameter,
// and falls back to models.DefaultOwner.
func OwnerExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if owner == "" {
			owner = models.DefaultOwner
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

// GetOwner retrieves the owner ID from the request context.
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(OwnerKey).(string); ok && v != "" {
		return v
	}
	return models.DefaultOwner
}
