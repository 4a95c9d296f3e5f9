// Package errors defines the stable error kinds used across the service
// and their mapping onto HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These are wire-stable: they appear in problem response types
// and must not be renamed.
const (
	// KindInvalidCredential is returned when the Authorization header is
	// missing or malformed.
	KindInvalidCredential = "InvalidCredential"

	// KindExpiredToken is returned when the inbound token is expired or not
	// yet valid.
	KindExpiredToken = "ExpiredToken"

	// KindBadSignature is returned when the token signature does not verify.
	KindBadSignature = "BadSignature"

	// KindWrongAudience is returned when the token audience does not match.
	KindWrongAudience = "WrongAudience"

	// KindWrongIssuer is returned when the token issuer does not match.
	KindWrongIssuer = "WrongIssuer"

	// KindDeny is returned when an authorization decision came back negative.
	KindDeny = "Deny"

	// KindConsentRequired is returned when the IdP requires user consent for
	// the requested downstream scopes.
	KindConsentRequired = "ConsentRequired"

	// KindPolicyBlocked is returned when a conditional-access style policy
	// blocks the exchange.
	KindPolicyBlocked = "PolicyBlocked"

	// KindScopeNotGranted is returned when the requested scope is not granted
	// to the client.
	KindScopeNotGranted = "ScopeNotGranted"

	// KindNotFound is returned when a resource does not exist.
	KindNotFound = "NotFound"

	// KindConflict is returned on duplicate submission without a stored result.
	KindConflict = "Conflict"

	// KindPreconditionFailed is returned when an If-Match style precondition fails.
	KindPreconditionFailed = "PreconditionFailed"

	// KindRateLimited is returned when a rate limit policy refuses admission.
	KindRateLimited = "RateLimited"

	// KindTimeout is returned when an outbound call exceeded its deadline.
	KindTimeout = "Timeout"

	// KindUnavailable is returned when a required downstream is unreachable.
	KindUnavailable = "Unavailable"

	// KindCircuitOpen is returned when the circuit breaker refuses a call.
	KindCircuitOpen = "CircuitOpen"

	// KindTransientIdpError is returned when the IdP failed after retries.
	KindTransientIdpError = "TransientIdpError"

	// KindRuleError is returned when an authorization rule failed internally.
	KindRuleError = "RuleError"

	// KindUnknown is the fallback for unclassified failures.
	KindUnknown = "Unknown"
)

// Error is a classified error carrying a stable kind.
type Error struct {
	// Kind is one of the Kind* constants.
	Kind string

	// Message is a non-secret, human readable explanation.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Kind extracts the kind from an error chain. Unclassified errors report
// KindUnknown.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain contains a classified error of the
// given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// httpStatus maps every kind onto the HTTP status surfaced at the boundary.
var httpStatus = map[string]int{
	KindInvalidCredential:  http.StatusUnauthorized,
	KindExpiredToken:       http.StatusUnauthorized,
	KindBadSignature:       http.StatusUnauthorized,
	KindWrongAudience:      http.StatusUnauthorized,
	KindWrongIssuer:        http.StatusUnauthorized,
	KindDeny:               http.StatusForbidden,
	KindConsentRequired:    http.StatusForbidden,
	KindPolicyBlocked:      http.StatusForbidden,
	KindScopeNotGranted:    http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindPreconditionFailed: http.StatusPreconditionFailed,
	KindRateLimited:        http.StatusTooManyRequests,
	KindTimeout:            http.StatusGatewayTimeout,
	KindUnavailable:        http.StatusServiceUnavailable,
	KindCircuitOpen:        http.StatusServiceUnavailable,
	KindTransientIdpError:  http.StatusBadGateway,
	KindRuleError:          http.StatusInternalServerError,
	KindUnknown:            http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for an error chain.
func HTTPStatus(err error) int {
	if status, ok := httpStatus[Kind(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
