// Package problem renders every failure as an RFC 7807 problem response.
// It is the single translation point from classified errors to the wire.
package problem

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
)

// ContentType is the media type for problem responses.
const ContentType = "application/problem+json"

// typePrefix is the stable URI namespace for problem types.
const typePrefix = "urn:sdap:err:"

// Response is the wire shape of an error at the service boundary.
type Response struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	RetryAfter    int    `json:"retryAfter,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// titles maps kinds onto short human phrases.
var titles = map[string]string{
	errors.KindInvalidCredential:  "Invalid credential",
	errors.KindExpiredToken:       "Token expired",
	errors.KindBadSignature:       "Bad token signature",
	errors.KindWrongAudience:      "Wrong token audience",
	errors.KindWrongIssuer:        "Wrong token issuer",
	errors.KindDeny:               "Access denied",
	errors.KindConsentRequired:    "Consent required",
	errors.KindPolicyBlocked:      "Blocked by policy",
	errors.KindScopeNotGranted:    "Scope not granted",
	errors.KindNotFound:           "Not found",
	errors.KindConflict:           "Conflict",
	errors.KindPreconditionFailed: "Precondition failed",
	errors.KindRateLimited:        "Rate limit exceeded",
	errors.KindTimeout:            "Upstream timeout",
	errors.KindUnavailable:        "Service unavailable",
	errors.KindCircuitOpen:        "Upstream circuit open",
	errors.KindTransientIdpError:  "Identity provider error",
	errors.KindRuleError:          "Authorization failure",
	errors.KindUnknown:            "Internal error",
}

// New builds a problem response for the given kind.
func New(kind string, detail string, r *http.Request) *Response {
	title, ok := titles[kind]
	if !ok {
		title = titles[errors.KindUnknown]
	}

	resp := &Response{
		Type:   typePrefix + kind,
		Title:  title,
		Status: errors.HTTPStatus(errors.New(kind, "", nil)),
		Detail: detail,
	}
	if r != nil {
		resp.Instance = r.URL.Path
		resp.CorrelationID = middleware.GetReqID(r.Context())
	}
	return resp
}

// FromError builds a problem response from a classified error. The detail is
// the error's non-secret message; unclassified errors are redacted.
func FromError(err error, r *http.Request) *Response {
	kind := errors.Kind(err)

	detail := ""
	var classified *errors.Error
	if stderrors.As(err, &classified) && kind != errors.KindUnknown {
		detail = classified.Message
	}

	return New(kind, detail, r)
}

// WithRetryAfter sets the retryAfter field (seconds).
func (p *Response) WithRetryAfter(seconds int) *Response {
	p.RetryAfter = seconds
	return p
}

// Write renders the problem to the response writer. The Retry-After header
// accompanies the body whenever retryAfter is set.
func (p *Response) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentType)
	if p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	w.WriteHeader(p.Status)

	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Warnf("failed to encode problem response: %v", err)
	}
}

// WriteError is the convenience path used by middleware: classify, render,
// write. Full error detail stays in the logs; the wire carries only the
// non-secret message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	p := FromError(err, r)
	if p.Status >= http.StatusInternalServerError {
		logger.Errorw("request failed",
			"path", r.URL.Path,
			"kind", errors.Kind(err),
			"correlation_id", p.CorrelationID,
			"error", err,
		)
	}
	p.Write(w)
}
