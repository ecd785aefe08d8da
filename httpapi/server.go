// Package httpapi is the HTTP transport: it builds validate.Request
// values from *http.Request, extracts and validates the client IP,
// applies the security/CORS/response headers spec.md §6 requires, and
// delegates everything else to api.Service. It is the only package that
// knows about net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/7and1/volatile/api"
	"github.com/7and1/volatile/config"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/validate"
)

// Version is reported on /api/health and as X-API-Version.
const Version = "1.0.0"

// Server wires an api.Service behind a chi router.
type Server struct {
	svc    *api.Service
	cfg    config.Config
	logger *zerolog.Logger
	router chi.Router
}

// New constructs the HTTP handler. logger may be nil (no request logs).
func New(svc *api.Service, cfg config.Config, logger *zerolog.Logger) *Server {
	s := &Server{svc: svc, cfg: cfg, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.securityHeaderMiddleware)
	r.Use(s.corsMiddleware)

	r.Post("/api/secrets", s.handleCreate)
	r.Get("/api/secrets/{id}", s.handleRead)
	r.Get("/api/secrets/{id}/validate", s.handleValidate)
	r.Get("/api/health", s.handleHealth)
	r.Get("/.well-known/security.txt", s.handleSecurityTxt)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, api.ErrMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, api.ErrSecretNotFound)
	})
	return r
}

// securityHeaderMiddleware stamps the fixed security header set plus the
// API version and measures response time. It runs before CORS so even a
// CORS-forbidden response carries the headers.
func (s *Server) securityHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writeSecurityHeaders(w)
		w.Header().Set("X-API-Version", Version)
		next.ServeHTTP(w, r)
		w.Header().Set("X-Response-Time", time.Since(start).String())
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if s.logger != nil {
			s.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("requestId", requestIDFrom(r.Context())).
				Msg("request handled")
		}
	})
}

// validateTransport runs C8's structural checks and returns the
// validated client IP plus a context wired to capture the rate-limit
// decision the handler's gate call produces, or writes the error
// response itself and reports ok=false.
func (s *Server) validateTransport(w http.ResponseWriter, r *http.Request) (requestCtx, bool) {
	if err := validate.ValidateRequest(toValidateRequest(r)); err != nil {
		writeError(w, r, translateValidateErr(err))
		return requestCtx{}, false
	}
	var decision ratelimit.Decision
	var observed bool
	ctx := api.WithRateLimitObserver(r.Context(), func(d ratelimit.Decision) {
		decision = d
		observed = true
	})
	return requestCtx{ctx: ctx, ip: clientIP(r), decision: &decision, observed: &observed}, true
}

// requestCtx bundles what a handler needs after validateTransport: the
// observer-wired context to pass to the Service call, the validated
// client IP, and pointers the observer fills in during that call.
type requestCtx struct {
	ctx      context.Context
	ip       string
	decision *ratelimit.Decision
	observed *bool
}

// writeRateLimitHeadersIfObserved annotates the response once the
// handler's Service call has run and the gate's Decision (if any) has
// been captured.
func (rc requestCtx) writeRateLimitHeadersIfObserved(w http.ResponseWriter) {
	if rc.observed == nil || !*rc.observed {
		return
	}
	d := *rc.decision
	remaining := d.Limit - d.Count
	if remaining < 0 {
		remaining = 0
	}
	writeRateLimitHeaders(w, d.Limit, remaining, d.ResetAt/1000)
	if !d.Allowed {
		retryAfter := (d.ResetAt - time.Now().UnixMilli()) / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
}

func translateValidateErr(err error) error {
	switch err {
	case validate.ErrURLTooLong:
		return api.ErrURLTooLong
	case validate.ErrMethodNotAllowed:
		return api.ErrMethodNotAllowed
	case validate.ErrHeadersTooLarge:
		return api.ErrHeadersTooLarge
	case validate.ErrRequestTooLarge:
		return api.ErrRequestTooLarge
	case validate.ErrUnsupportedMediaType:
		return api.ErrUnsupportedMediaType
	default:
		return api.ErrBadJSON
	}
}

type createRequestBody struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	TTL       *int64 `json:"ttl"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.validateTransport(w, r)
	if !ok {
		return
	}

	var body createRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, api.MaxEncryptedLen+4096))
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, api.ErrBadJSON)
		return
	}

	res, err := s.svc.Create(rc.ctx, rc.ip, body.Encrypted, body.IV, body.TTL)
	rc.writeRateLimitHeadersIfObserved(w)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        res.ID,
		"expiresAt": res.ExpiresAt,
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.validateTransport(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	res, err := s.svc.Read(rc.ctx, rc.ip, id)
	rc.writeRateLimitHeadersIfObserved(w)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"encrypted": res.Encrypted,
		"iv":        res.IV,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.validateTransport(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	res, err := s.svc.Validate(rc.ctx, rc.ip, id)
	rc.writeRateLimitHeadersIfObserved(w)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"status":    res.Status,
		"createdAt": res.CreatedAt,
		"expiresAt": res.ExpiresAt,
		"ttl":       res.TTL,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"version": Version,
		"uptime": map[string]interface{}{
			"ms":      h.Uptime.Milliseconds(),
			"seconds": h.Uptime.Seconds(),
		},
		"do": map[string]interface{}{
			"secrets":     breakerStatus(h.Breakers.SecretRead, h.Breakers.SecretValidate),
			"rateLimiter": breakerLabel(h.Breakers.RateLimiter),
		},
		"metrics": map[string]interface{}{
			"create": opStatsJSON(h.Create),
			"read":   opStatsJSON(h.Read),
		},
	})
}

func (s *Server) handleSecurityTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	contact := s.cfg.SecurityContact
	if contact == "" {
		contact = "mailto:security@example.invalid"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Contact: " + contact + "\n" +
		"Expires: " + time.Now().AddDate(1, 0, 0).Format(time.RFC3339) + "\n" +
		"Preferred-Languages: en\n"))
}
