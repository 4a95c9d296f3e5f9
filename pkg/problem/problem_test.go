package problem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securedocs/sdap/pkg/errors"
)

func requestWithID(t *testing.T, path, id string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
	return r.WithContext(ctx)
}

func TestNew_Shape(t *testing.T) {
	t.Parallel()

	r := requestWithID(t, "/drives/d1/items/i1/content", "corr-123")
	p := New(errors.KindDeny, "ExplicitDeny", r)

	assert.Equal(t, "urn:sdap:err:Deny", p.Type)
	assert.Equal(t, "Access denied", p.Title)
	assert.Equal(t, http.StatusForbidden, p.Status)
	assert.Equal(t, "ExplicitDeny", p.Detail)
	assert.Equal(t, "/drives/d1/items/i1/content", p.Instance)
	assert.Equal(t, "corr-123", p.CorrelationID)
}

func TestWrite_BodyAndHeaders(t *testing.T) {
	t.Parallel()

	r := requestWithID(t, "/containers/c1/items", "corr-9")
	w := httptest.NewRecorder()

	New(errors.KindRateLimited, "policy upload-heavy", r).WithRetryAfter(17).Write(w)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "17", w.Header().Get("Retry-After"))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "urn:sdap:err:RateLimited", body.Type)
	assert.Equal(t, 429, body.Status)
	assert.Equal(t, 17, body.RetryAfter)
	assert.Equal(t, "corr-9", body.CorrelationID)
}

func TestFromError_RedactsUnknown(t *testing.T) {
	t.Parallel()

	r := requestWithID(t, "/documents/42", "corr-1")

	// Classified error: non-secret message surfaces.
	p := FromError(errors.New(errors.KindUnavailable, "metadata store unreachable", nil), r)
	assert.Equal(t, "urn:sdap:err:Unavailable", p.Type)
	assert.Equal(t, "metadata store unreachable", p.Detail)
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)

	// Unclassified error: detail redacted.
	p = FromError(assert.AnError, r)
	assert.Equal(t, "urn:sdap:err:Unknown", p.Type)
	assert.Empty(t, p.Detail)
	assert.Equal(t, http.StatusInternalServerError, p.Status)
}

func TestWriteError_EveryKindParses(t *testing.T) {
	t.Parallel()

	kinds := []string{
		errors.KindInvalidCredential, errors.KindExpiredToken,
		errors.KindBadSignature, errors.KindWrongAudience,
		errors.KindWrongIssuer, errors.KindDeny, errors.KindConsentRequired,
		errors.KindPolicyBlocked, errors.KindScopeNotGranted,
		errors.KindNotFound, errors.KindConflict,
		errors.KindPreconditionFailed, errors.KindRateLimited,
		errors.KindTimeout, errors.KindUnavailable, errors.KindCircuitOpen,
		errors.KindTransientIdpError, errors.KindRuleError, errors.KindUnknown,
	}

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			r := requestWithID(t, "/documents/1", "corr-x")
			w := httptest.NewRecorder()
			WriteError(w, r, errors.New(kind, "detail", nil))

			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "urn:sdap:err:"+kind, body.Type)
			assert.NotEmpty(t, body.Title)
			assert.Equal(t, w.Code, body.Status)
			assert.Equal(t, "corr-x", body.CorrelationID)
		})
	}
}
