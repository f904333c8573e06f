package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const APIKeyKey contextKey = "api_key"

// RequireKey rejects requests without a "key" query parameter and passes the
// upstream credential on through the request context.
func RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_id":400,"error_name":"key_required","error_message":"key query parameter is required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), APIKeyKey, key)))
	})
}

// APIKey returns the credential stored by RequireKey.
func APIKey(ctx context.Context) string {
	key, _ := ctx.Value(APIKeyKey).(string)
	return key
}
