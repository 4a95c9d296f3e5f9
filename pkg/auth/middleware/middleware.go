// Package middleware provides HTTP bearer-token authentication middleware.
package middleware

import (
	"fmt"
	"strings"

	"net/http"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/auth/token"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/problem"
)

// Authenticator creates an HTTP middleware that validates bearer tokens and
// stores the resulting Principal in the request context. Every failure is a
// 401 problem response with a WWW-Authenticate challenge; validation can
// never surface a 500.
func Authenticator(validator *token.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, r, validator,
					errors.New(errors.KindInvalidCredential, "authorization header required", nil))
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, r, validator,
					errors.New(errors.KindInvalidCredential, "invalid authorization header format", nil))
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				unauthorized(w, r, validator, err)
				return
			}

			principal, err := auth.PrincipalFromClaims(claims, tokenString)
			if err != nil {
				unauthorized(w, r, validator,
					errors.New(errors.KindInvalidCredential, "token is missing a subject", err))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// unauthorized writes the 401 challenge and problem body.
func unauthorized(w http.ResponseWriter, r *http.Request, validator *token.Validator, err error) {
	w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, err))
	problem.WriteError(w, r, err)
}

// buildWWWAuthenticate builds an RFC 6750 compliant WWW-Authenticate value.
func buildWWWAuthenticate(validator *token.Validator, err error) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(validator.JWKSURL()))}
	if err != nil {
		parts = append(parts, `error="invalid_token"`)

		// Only classified (non-secret) messages go on the wire.
		if kind := errors.Kind(err); kind != errors.KindUnknown {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(kind)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes quotes in a string for use in a quoted-string context.
func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
