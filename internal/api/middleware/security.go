package middleware

import "net/http"

// SecurityHeaders sets response headers for a JSON-only API: nothing may be
// framed, sniffed or cached, and no document may load sub-resources.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Call state and tokens must never be cached by intermediaries.
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
