package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires token in header. A "Bearer " prefix is accepted.
func authMiddleware(header, token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get(header))
			if len(got) > len("bearer ") && strings.EqualFold(got[:len("bearer ")], "bearer ") {
				got = strings.TrimSpace(got[len("bearer "):])
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
