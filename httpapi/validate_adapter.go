package httpapi

import (
	"net/http"

	"github.com/7and1/volatile/validate"
)

// toValidateRequest builds a transport-agnostic validate.Request from an
// *http.Request. HeaderBytes approximates RFC-style header octet count
// (name + ": " + value + CRLF per line, plus the request line) closely
// enough to enforce the same cap the original measures.
func toValidateRequest(r *http.Request) validate.Request {
	var headerBytes int64
	headerBytes += int64(len(r.Method) + len(r.URL.RequestURI()) + len(r.Proto) + 4)
	for name, values := range r.Header {
		for _, v := range values {
			headerBytes += int64(len(name) + len(v) + 4)
		}
	}

	return validate.Request{
		URL:           r.URL.RequestURI(),
		Method:        r.Method,
		HeaderBytes:   headerBytes,
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		HasBody:       r.Method == http.MethodPost || r.Method == http.MethodPut,
	}
}

// clientIP extracts and validates the caller's IP from the trusted
// proxy header, falling back to the loopback sentinel on anything
// malformed or absent.
func clientIP(r *http.Request) string {
	return validate.ParseClientIP(r.Header.Get(validate.ClientIPHeader))
}
