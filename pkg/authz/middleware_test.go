package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securedocs/sdap/pkg/access"
	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/problem"
)

// staticSource serves one snapshot or one error for every lookup.
type staticSource struct {
	snap *access.Snapshot
	err  error
}

func (s *staticSource) Snapshot(_ context.Context, userID, resourceID string) (*access.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap := *s.snap
	snap.UserID = userID
	snap.ResourceID = resourceID
	return &snap, nil
}

func newGuardedRouter(source access.Source) chi.Router {
	mw := NewMiddleware(NewEngine(nil), source)

	r := chi.NewRouter()
	r.With(mw.Require(OpPreviewFile, "id")).
		Get("/containers/{id}/items", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("content"))
		})
	return r
}

func doRequest(t *testing.T, router chi.Router, principal *auth.Principal) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/containers/c-1/items", nil)
	if principal != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problem.Response {
	t.Helper()
	require.Equal(t, problem.ContentType, rec.Header().Get("Content-Type"))
	var p problem.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestMiddleware_AllowPassesThrough(t *testing.T) {
	t.Parallel()

	router := newGuardedRouter(&staticSource{snap: &access.Snapshot{Levels: []string{access.LevelRead}}})
	rec := doRequest(t, router, &auth.Principal{UserID: "user-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content", rec.Body.String())
}

func TestMiddleware_DenyIsForbidden(t *testing.T) {
	t.Parallel()

	router := newGuardedRouter(&staticSource{snap: access.Empty("", "")})
	rec := doRequest(t, router, &auth.Principal{UserID: "user-1"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "urn:sdap:err:Deny", p.Type)
	assert.Contains(t, p.Detail, "NoAccess")
}

func TestMiddleware_NoPrincipalIsUnauthorized(t *testing.T) {
	t.Parallel()

	router := newGuardedRouter(&staticSource{snap: access.Empty("", "")})
	rec := doRequest(t, router, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "urn:sdap:err:InvalidCredential", p.Type)
}

func TestMiddleware_StoreOutageFailsClosed(t *testing.T) {
	t.Parallel()

	router := newGuardedRouter(&staticSource{
		err: errors.New(errors.KindUnavailable, "access data source unreachable", nil),
	})
	rec := doRequest(t, router, &auth.Principal{UserID: "user-1"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	p := decodeProblem(t, rec)
	assert.Equal(t, "urn:sdap:err:Unavailable", p.Type)
}

func TestMiddleware_UnknownOperationFailsClosed(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(NewEngine(nil), &staticSource{snap: &access.Snapshot{Levels: []string{access.LevelAdmin}}})
	r := chi.NewRouter()
	r.With(mw.Require("not_a_real_operation", "id")).
		Get("/containers/{id}/items", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	rec := doRequest(t, r, &auth.Principal{UserID: "user-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_RuleErrorIsServerFault(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(NewEngine([]Rule{{
		Name:     "broken",
		Evaluate: func(_ *Input) Result { panic("boom") },
	}}), &staticSource{snap: access.Empty("", "")})

	r := chi.NewRouter()
	r.With(mw.Require(OpPreviewFile, "id")).
		Get("/containers/{id}/items", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	rec := doRequest(t, r, &auth.Principal{UserID: "user-1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "urn:sdap:err:RuleError", p.Type)
}
