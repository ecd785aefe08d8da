// Package validate implements structural request validation: size,
// method, and content-type checks, plus a strict CF-Connecting-IP-style
// IP parser and a control-character input sanitizer. Each check fails
// with its own sentinel so callers can map errors to distinct API
// responses without string matching.
package validate

import (
	"errors"
	"mime"
	"strings"
)

// Limits mirror the documented production configuration.
const (
	MaxURLLength     = 2048
	MaxHeaderBytes   = 8192
	MaxContentLength = 2_000_000
)

var (
	ErrURLTooLong           = errors.New("validate: url exceeds maximum length")
	ErrMethodNotAllowed     = errors.New("validate: method not allowed")
	ErrHeadersTooLarge      = errors.New("validate: header block exceeds maximum size")
	ErrRequestTooLarge      = errors.New("validate: content-length exceeds maximum size")
	ErrUnsupportedMediaType = errors.New("validate: unsupported content-type")
)

// AllowedMethods is the method whitelist, in the order the spec lists them.
var AllowedMethods = []string{"GET", "POST", "OPTIONS", "HEAD"}

func methodAllowed(m string) bool {
	for _, allowed := range AllowedMethods {
		if m == allowed {
			return true
		}
	}
	return false
}

// Request is the subset of an inbound HTTP request the validator cares
// about. Transport adapters (e.g. httpapi) populate this from *http.Request
// rather than the validator importing net/http itself, keeping this
// package usable by any transport.
type Request struct {
	URL           string
	Method        string
	HeaderBytes   int64
	ContentLength int64
	ContentType   string
	HasBody       bool
}

// ValidateRequest runs every structural check in the order spec.md documents:
// URL length, method, header size, content-length, then (body requests
// only) content-type. The first failing check's sentinel is returned.
func ValidateRequest(r Request) error {
	if len(r.URL) > MaxURLLength {
		return ErrURLTooLong
	}
	if !methodAllowed(r.Method) {
		return ErrMethodNotAllowed
	}
	if r.HeaderBytes > MaxHeaderBytes {
		return ErrHeadersTooLarge
	}
	if r.ContentLength > MaxContentLength {
		return ErrRequestTooLarge
	}
	if r.HasBody && !isJSONContentType(r.ContentType) {
		return ErrUnsupportedMediaType
	}
	return nil
}

// isJSONContentType accepts "application/json" with an optional
// ";charset=..." parameter.
func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(ct), "application/json")
	}
	return strings.EqualFold(mediaType, "application/json")
}
