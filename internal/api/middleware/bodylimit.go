package middleware

import (
	"fmt"
	"net/http"
	"strconv"
)

// MaxBodyBytes caps request bodies at 1 MiB. The limit applies before
// authentication so oversized payloads cannot burn auth work.
const MaxBodyBytes = 1 << 20

// BodyLimit rejects requests whose declared Content-Length exceeds the
// cap, and wraps the body so a lying client is cut off at the same
// limit mid-read.
func BodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > MaxBodyBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
					fmt.Sprintf("Request body exceeds %d bytes.", MaxBodyBytes))
				return
			}
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
