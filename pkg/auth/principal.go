// Package auth provides principal extraction and request authentication.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal represents the authenticated caller, materialized once per
// request from verified token claims. It is immutable for the request's
// lifetime.
type Principal struct {
	// UserID is the stable identifier for the principal (from 'sub' claim).
	UserID string

	// DisplayName is the human-readable name (from 'name' claim), if present.
	DisplayName string

	// Claims contains all verified claims from the inbound token.
	Claims map[string]any

	// Assertion is the raw inbound bearer token, kept for the on-behalf-of
	// exchange. Redacted in String() and MarshalJSON() to prevent leakage.
	Assertion string
}

// String returns a representation with the assertion redacted.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Principal{UserID:%q}", p.UserID)
}

// MarshalJSON redacts the assertion so a principal can be logged safely.
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}

	type safePrincipal struct {
		UserID      string         `json:"userId"`
		DisplayName string         `json:"displayName,omitempty"`
		Claims      map[string]any `json:"claims,omitempty"`
		Assertion   string         `json:"assertion,omitempty"`
	}

	assertion := p.Assertion
	if assertion != "" {
		assertion = "REDACTED"
	}

	return json.Marshal(&safePrincipal{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Claims:      p.Claims,
		Assertion:   assertion,
	})
}

// ClaimStrings returns a claim's value as a string slice. Single string
// claims come back as a one-element slice; missing claims as nil.
func (p *Principal) ClaimStrings(name string) []string {
	raw, ok := p.Claims[name]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PrincipalFromClaims converts verified JWT claims to a Principal.
// The 'sub' claim is required per OIDC Core 1.0 spec § 5.1. The raw token is
// carried for the on-behalf-of exchange.
func PrincipalFromClaims(claims jwt.MapClaims, token string) (*Principal, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim")
	}

	principal := &Principal{
		UserID:    sub,
		Claims:    claims,
		Assertion: token,
	}

	if name, ok := claims["name"].(string); ok {
		principal.DisplayName = name
	}

	return principal, nil
}
