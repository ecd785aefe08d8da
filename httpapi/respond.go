package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/7and1/volatile/api"
	"github.com/7and1/volatile/idgen"
)

type ctxKey int

const requestIDKey ctxKey = iota

// errorBody is the wire shape of every non-2xx response, per spec.md §7.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"requestId"`
	Details   string `json:"details,omitempty"`
}

// writeJSON encodes v as the response body with the given status, after
// the security and request-id headers have already been set by the
// calling middleware chain.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to the structured envelope. Any error that isn't
// an *api.Error (a dependency panic recovered upstream, for instance) is
// reported as STORE_FAILED rather than leaking its message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		apiErr = api.ErrStoreFailed
	}
	body := errorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Status:    apiErr.Status,
		RequestID: requestIDFrom(r.Context()),
	}
	if apiErr == api.ErrRateLimited && w.Header().Get("Retry-After") == "" {
		// Defensive fallback: writeRateLimitHeadersIfObserved should already
		// have set a real value from the observed Decision by this point.
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, apiErr.Status, body)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware stamps every request with a timestamp-random id,
// echoed on the response as X-Request-ID and threaded through the
// context for error bodies and access logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// newRequestID concatenates a millisecond timestamp with a short random
// suffix drawn from C1's rejection-sampled generator, so ids sort
// roughly chronologically while staying collision-resistant within a
// millisecond.
func newRequestID() string {
	suffix, err := idgen.New()
	if err != nil {
		suffix = "fallback"
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + suffix[:8]
}
