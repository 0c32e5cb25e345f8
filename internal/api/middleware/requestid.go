package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestID trusts an inbound X-Request-Id (so gateway-assigned ids
// survive the hop) or mints a UUID, stores it in the context, and
// echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
