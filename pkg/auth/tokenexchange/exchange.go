// Package tokenexchange implements the on-behalf-of flow: an inbound user
// assertion is exchanged at the identity provider for a delegated token
// targeting a downstream API, preserving the user's identity.
package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/resilience"
)

const (
	// grantTypeJWTBearer is the on-behalf-of grant type.
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// requestedTokenUse marks the exchange as on-behalf-of delegation.
	requestedTokenUse = "on_behalf_of"

	// defaultHTTPTimeout is the timeout for HTTP requests
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// defaultHTTPClient is the default HTTP client used for exchange requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// response is used to decode the IdP token response.
type response struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// String implements fmt.Stringer for response, redacting the token.
func (r response) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	return fmt.Sprintf("response{AccessToken: %s, TokenType: %s, ExpiresIn: %d}",
		accessToken, r.TokenType, r.ExpiresIn)
}

// Config holds the on-behalf-of client configuration.
type Config struct {
	// TokenURL is the IdP token endpoint URL.
	TokenURL string

	// ClientID is the confidential client identifier.
	ClientID string

	// ClientSecret is the confidential client secret.
	ClientSecret string

	// HTTPClient is the HTTP client for exchange requests. When nil,
	// defaultHTTPClient is used. Production wiring passes a resilience-
	// wrapped client so transient IdP failures are retried.
	HTTPClient *http.Client
}

// Validate checks that the Config contains all required fields.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}
	return nil
}

// Exchanger performs on-behalf-of exchanges against the IdP.
type Exchanger struct {
	conf *Config
}

// New creates an Exchanger.
func New(conf *Config) (*Exchanger, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Exchanger{conf: conf}, nil
}

// Exchange trades the user assertion for a delegated token with the given
// scopes. Failures are classified: assertion problems surface as credential
// errors, consent and policy refusals as forbidden, IdP outages as
// transient.
func (e *Exchanger) Exchange(ctx context.Context, assertion string, scopes []string) (*oauth2.Token, error) {
	if assertion == "" {
		return nil, errors.New(errors.KindInvalidCredential, "empty user assertion", nil)
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeJWTBearer)
	data.Set("assertion", assertion)
	data.Set("requested_token_use", requestedTokenUse)
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}

	body, err := e.post(ctx, data)
	if err != nil {
		return nil, err
	}

	var tokenResp response
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		logger.Debugf("failed to parse token exchange response: %v", err)
		return nil, errors.New(errors.KindTransientIdpError, "unparseable token response", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, errors.New(errors.KindTransientIdpError, "token response missing access_token", nil)
	}

	token := &oauth2.Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	return token, nil
}

// post sends the form to the token endpoint. Client credentials go via HTTP
// Basic Authentication per RFC 6749 Section 2.3.1, URL-encoded for OAuth2
// compatibility.
func (e *Exchanger) post(ctx context.Context, data url.Values) ([]byte, error) {
	encodedData := data.Encode()
	// The token request is safe to replay, so it opts into the retry
	// layer despite being a POST.
	req, err := http.NewRequestWithContext(resilience.WithReplayable(ctx),
		http.MethodPost, e.conf.TokenURL, strings.NewReader(encodedData))
	if err != nil {
		return nil, errors.New(errors.KindTransientIdpError, "failed to create exchange request", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))
	if e.conf.ClientID != "" && e.conf.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(e.conf.ClientID), url.QueryEscape(e.conf.ClientSecret))
	}

	client := e.conf.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.KindTimeout, "token exchange cancelled", ctx.Err())
		}
		return nil, errors.New(errors.KindTransientIdpError, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.New(errors.KindTransientIdpError, "failed to read token response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return body, nil
	}

	return nil, classifyExchangeFailure(resp.StatusCode, body)
}

// classifyExchangeFailure maps an IdP error response onto a stable kind.
func classifyExchangeFailure(statusCode int, body []byte) error {
	oauthErr := parseOAuthError(statusCode, body)
	if oauthErr == nil {
		if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
			return errors.New(errors.KindTransientIdpError,
				fmt.Sprintf("token exchange failed with status %d", statusCode), nil)
		}
		return errors.New(errors.KindInvalidCredential,
			fmt.Sprintf("token exchange rejected with status %d", statusCode), nil)
	}

	logger.Debugf("token exchange OAuth error: %s (description: %s)", oauthErr.Error, oauthErr.ErrorDescription)

	switch oauthErr.Error {
	case "invalid_grant", "invalid_request":
		// The inbound assertion was rejected (bad audience, signature,
		// expiry). The caller's own credential is at fault.
		return errors.New(errors.KindInvalidCredential, "user assertion rejected by identity provider", oauthErr.asError())
	case "interaction_required", "consent_required":
		return errors.New(errors.KindConsentRequired, "downstream access requires user consent", oauthErr.asError())
	case "access_denied":
		return errors.New(errors.KindPolicyBlocked, "exchange blocked by identity provider policy", oauthErr.asError())
	case "invalid_scope":
		return errors.New(errors.KindScopeNotGranted,
			fmt.Sprintf("requested scope not granted: %s", oauthErr.ErrorDescription), oauthErr.asError())
	case "temporarily_unavailable", "server_error":
		return errors.New(errors.KindTransientIdpError, "identity provider temporarily unavailable", oauthErr.asError())
	default:
		return errors.New(errors.KindTransientIdpError, "unexpected identity provider error", oauthErr.asError())
	}
}

// asError wraps the OAuth error for use as a cause.
func (e *oAuthError) asError() error {
	return fmt.Errorf("%s", e.String())
}
