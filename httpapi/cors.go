package httpapi

import (
	"net/http"

	"github.com/7and1/volatile/api"
)

// corsMiddleware enforces the allowlist in cfg: requests carrying no
// Origin header (non-browser clients) pass through untouched; a
// recognized Origin gets the standard CORS response headers; an
// unrecognized one is rejected with 403 before reaching the handler.
// Preflight OPTIONS requests are answered directly with 204.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			writeError(w, r, api.ErrCORSForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}
