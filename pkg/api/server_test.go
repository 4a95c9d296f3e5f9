package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/securedocs/sdap/pkg/api/v1"
	"github.com/securedocs/sdap/pkg/auth/token"
	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/idempotency"
	"github.com/securedocs/sdap/pkg/problem"
	"github.com/securedocs/sdap/pkg/ratelimit"
)

// staticHealth reports a fixed cache state.
type staticHealth struct {
	healthy bool
}

func (s *staticHealth) Healthy(_ context.Context) bool { return s.healthy }

func newRouterForTest(t *testing.T, cacheHealthy bool) http.Handler {
	t.Helper()

	// The JWKS endpoint is never fetched in these tests; requests either
	// skip authentication or fail before key lookup.
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(jwks.Close)

	validator, err := token.NewValidator(context.Background(), token.ValidatorConfig{
		Issuer:   "https://idp.example.com",
		Audience: "api://sdap-bff",
		JWKSURL:  jwks.URL,
	})
	require.NoError(t, err)

	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	routes := v1.NewRoutes(nil, nil, nil, ratelimit.DefaultRegistry(),
		idempotency.NewLedger(store, time.Hour), store)

	return NewRouter(&Deps{
		Validator:   validator,
		Routes:      routes,
		Limits:      ratelimit.DefaultRegistry(),
		CacheHealth: &staticHealth{healthy: cacheHealthy},
	})
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	router := newRouterForTest(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["cache"])
}

func TestRouter_HealthzReportsDegradedCache(t *testing.T) {
	t.Parallel()

	router := newRouterForTest(t, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// Degraded is observable but not a probe failure.
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["cache"])
}

func TestRouter_Ping(t *testing.T) {
	t.Parallel()

	router := newRouterForTest(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	router := newRouterForTest(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouter_ProtectedRoutesRequireAuth(t *testing.T) {
	t.Parallel()

	router := newRouterForTest(t, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/containers/c-1/items", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	var p problem.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "urn:sdap:err:InvalidCredential", p.Type)
	assert.NotEmpty(t, p.CorrelationID)
}

func TestServer_GracefulShutdown(t *testing.T) {
	t.Parallel()

	srv := NewServer("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
