package httpapi

import (
	"net/http"
	"strconv"
)

// writeSecurityHeaders writes these headers on every response regardless of outcome.
// The set matches spec.md §6 exactly; values are fixed rather than
// configurable since the service has no legitimate reason to relax them.
func writeSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("Cache-Control", "no-store")
}

// writeRateLimitHeaders annotates a response with the decision a gate
// produced. reset is Unix seconds per spec.md §6.
func writeRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetUnixSeconds int64) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetUnixSeconds, 10))
}
