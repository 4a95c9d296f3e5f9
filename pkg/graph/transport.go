// Package graph provides downstream API clients for Microsoft Graph. Tokens
// are acquired and attached inside the transport, so handler code works with
// domain operations and never sees a raw credential.
package graph

import (
	"net/http"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/auth/tokenexchange"
	"github.com/securedocs/sdap/pkg/errors"
)

// NewDelegatedTransport wraps next so each request carries a delegated
// token exchanged from the context principal's assertion. Shared with
// other downstream clients that authenticate the same way.
func NewDelegatedTransport(next http.RoundTripper, exchanger tokenexchange.UserExchanger, scopes []string) http.RoundTripper {
	return &delegatedTransport{next: next, exchanger: exchanger, scopes: scopes}
}

// NewAppTransport wraps next with application-only tokens.
func NewAppTransport(next http.RoundTripper, exchanger tokenexchange.AppExchanger, scopes []string) http.RoundTripper {
	return &appTransport{next: next, exchanger: exchanger, scopes: scopes}
}

// delegatedTransport exchanges the request principal's assertion for a
// delegated token and attaches it to the outbound request.
type delegatedTransport struct {
	next      http.RoundTripper
	exchanger tokenexchange.UserExchanger
	scopes    []string
}

// RoundTrip implements http.RoundTripper.
func (t *delegatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, errors.New(errors.KindInvalidCredential, "no authenticated principal on request", nil)
	}

	tok, err := t.exchanger.ExchangeUser(ctx, principal.Assertion, t.scopes)
	if err != nil {
		return nil, err
	}

	clone := req.Clone(ctx)
	tok.SetAuthHeader(clone)
	return t.next.RoundTrip(clone)
}

// appTransport attaches an application-only token for background work.
type appTransport struct {
	next      http.RoundTripper
	exchanger tokenexchange.AppExchanger
	scopes    []string
}

// RoundTrip implements http.RoundTripper.
func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.exchanger.ExchangeApp(req.Context(), t.scopes)
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	tok.SetAuthHeader(clone)
	return t.next.RoundTrip(clone)
}
