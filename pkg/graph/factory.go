package graph

import (
	"net/http"
	"time"

	"github.com/securedocs/sdap/pkg/auth/tokenexchange"
	"github.com/securedocs/sdap/pkg/resilience"
)

// FactoryConfig configures the client factory.
type FactoryConfig struct {
	// BaseURL overrides the Graph endpoint, mainly for tests.
	BaseURL string

	// Scopes are the delegated scopes requested on exchange.
	Scopes []string

	// AppScopes are the application scopes for background clients.
	AppScopes []string

	// Timeout bounds each downstream call including retries.
	Timeout time.Duration

	// Retry is the retry policy for idempotent calls.
	Retry resilience.RetryPolicy

	// Breakers is the shared per-host circuit breaker group.
	Breakers *resilience.BreakerGroup

	// BaseTransport overrides the innermost transport, mainly for tests.
	BaseTransport http.RoundTripper
}

// Factory builds Graph clients. Delegated clients resolve the caller's
// token per request from the principal on the context; app clients use
// client credentials. Both share the resilience layering and breaker state.
type Factory struct {
	config    FactoryConfig
	delegated *Client
	app       *Client
}

// NewFactory wires the factory from the exchangers and resilience config.
func NewFactory(config FactoryConfig, user tokenexchange.UserExchanger, app tokenexchange.AppExchanger) *Factory {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Breakers == nil {
		config.Breakers = resilience.NewBreakerGroup(resilience.DefaultBreakerConfig())
	}

	f := &Factory{config: config}

	base := config.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	breaking := resilience.NewBreakerTransport(base, config.Breakers)

	f.delegated = &Client{
		baseURL: config.BaseURL,
		http: f.buildClient(&delegatedTransport{
			next:      breaking,
			exchanger: user,
			scopes:    config.Scopes,
		}),
	}

	if app != nil {
		f.app = &Client{
			baseURL: config.BaseURL,
			http: f.buildClient(&appTransport{
				next:      breaking,
				exchanger: app,
				scopes:    config.AppScopes,
			}),
		}
	}

	return f
}

// buildClient layers retry over a token transport that already wraps the
// breaker. The token transport sits between the two so a retried attempt
// picks up a fresh token, while exchange failures never count against the
// downstream host's breaker.
func (f *Factory) buildClient(tokenRT http.RoundTripper) *http.Client {
	return resilience.NewClientBuilder().
		WithTimeout(f.config.Timeout).
		WithRetry(f.config.Retry).
		WithBaseTransport(tokenRT).
		Build()
}

// ForUser returns the delegated client. The caller's identity comes from
// the request context at call time, so one client serves all requests.
func (f *Factory) ForUser() *Client {
	return f.delegated
}

// ForApp returns the application-only client, or nil when no app exchanger
// was configured.
func (f *Factory) ForApp() *Client {
	return f.app
}
