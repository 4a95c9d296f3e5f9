// Package token validates inbound bearer tokens against the identity
// provider's published keys.
package token

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/securedocs/sdap/pkg/errors"
)

// Common errors
var (
	ErrNoToken                 = stderrors.New("no token provided")
	ErrInvalidToken            = stderrors.New("invalid token")
	ErrTokenExpired            = stderrors.New("token expired")
	ErrInvalidIssuer           = stderrors.New("invalid issuer")
	ErrInvalidAudience         = stderrors.New("invalid audience")
	ErrMissingIssuerAndJWKSURL = stderrors.New("either issuer or JWKS URL must be provided")
)

// Validator verifies inbound JWTs and enforces issuer, audience and
// lifetime claims.
type Validator struct {
	issuer     string
	audience   string
	jwksURL    string
	jwksClient *jwk.Cache
	client     *http.Client

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// ValidatorConfig contains configuration for the token validator.
type ValidatorConfig struct {
	// Issuer is the expected token issuer (e.g. the tenant's v2.0 endpoint).
	Issuer string

	// Audience is the expected audience for the token.
	Audience string

	// JWKSURL is the URL to fetch the JWKS from. When empty it is discovered
	// from the issuer's OIDC metadata.
	JWKSURL string

	// HTTPClient is used for JWKS and discovery requests. Defaults to a
	// client with a 30s timeout.
	HTTPClient *http.Client
}

// oidcMetadata is the subset of the OIDC discovery document we consume.
type oidcMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// discoverJWKSURL fetches {issuer}/.well-known/openid-configuration and
// returns the advertised jwks_uri.
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch OIDC metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery returned status %d", resp.StatusCode)
	}

	var doc oidcMetadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode OIDC metadata: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", stderrors.New("OIDC metadata is missing jwks_uri")
	}

	return doc.JWKSURI, nil
}

// NewValidator creates a new token validator. The JWKS is cached and
// refreshed in the background by the httprc client.
func NewValidator(ctx context.Context, config ValidatorConfig) (*Validator, error) {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	jwksURL := config.JWKSURL
	if jwksURL == "" && config.Issuer != "" {
		discovered, err := discoverJWKSURL(ctx, httpClient, config.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}
	if jwksURL == "" {
		return nil, ErrMissingIssuerAndJWKSURL
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    jwksURL,
		jwksClient: cache,
		client:     httpClient,
	}, nil
}

// ensureJWKSRegistered ensures that the JWKS URL is registered with the cache.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the token's signing key. On an unknown kid the
// JWKS is refreshed once before giving up, which tolerates key rotation.
func (v *Validator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, stderrors.New("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		// Retry once with a forced refresh in case the IdP rotated keys.
		keySet, err = v.jwksClient.Refresh(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims validates the issuer, audience and expiry claims.
func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}

		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}

		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// ValidateToken verifies the token signature against the JWKS and validates
// its claims, returning them on success. Failures are classified so the
// boundary can answer 401 with a precise problem type.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	if !token.Valid {
		return nil, errors.New(errors.KindInvalidCredential, "invalid token", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.KindInvalidCredential, "invalid token claims", nil)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, classifyClaimError(err)
	}

	return claims, nil
}

// classifyParseError maps golang-jwt parse failures onto stable kinds.
func classifyParseError(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired) || stderrors.Is(err, jwt.ErrTokenNotValidYet):
		return errors.New(errors.KindExpiredToken, "token expired", err)
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.New(errors.KindBadSignature, "token signature verification failed", err)
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return errors.New(errors.KindInvalidCredential, "malformed token", err)
	default:
		return errors.New(errors.KindBadSignature, "token verification failed", err)
	}
}

// classifyClaimError maps claim validation failures onto stable kinds.
func classifyClaimError(err error) error {
	switch {
	case stderrors.Is(err, ErrInvalidIssuer):
		return errors.New(errors.KindWrongIssuer, "token issuer mismatch", err)
	case stderrors.Is(err, ErrInvalidAudience):
		return errors.New(errors.KindWrongAudience, "token audience mismatch", err)
	case stderrors.Is(err, ErrTokenExpired):
		return errors.New(errors.KindExpiredToken, "token expired", err)
	default:
		return errors.New(errors.KindInvalidCredential, "invalid token claims", err)
	}
}

// JWKSURL returns the JWKS URL used by the validator.
func (v *Validator) JWKSURL() string {
	return v.jwksURL
}
