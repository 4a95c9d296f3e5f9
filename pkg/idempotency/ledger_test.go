package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/errors"
)

func newLedgerForTest(t *testing.T) *Ledger {
	t.Helper()
	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store, 0)
}

func TestLedger_FirstWinsThenReplays(t *testing.T) {
	t.Parallel()

	ledger := newLedgerForTest(t)
	ctx := context.Background()

	first, stored, err := ledger.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Nil(t, stored)

	// A duplicate while the first is still running conflicts.
	_, _, err = ledger.Begin(ctx, "key-1")
	assert.Equal(t, errors.KindConflict, errors.Kind(err))

	ledger.Complete(ctx, "key-1", &StoredResponse{Status: http.StatusCreated, Body: []byte(`{"id":"job-1"}`)})

	first, stored, err = ledger.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, first)
	require.NotNil(t, stored)
	assert.Equal(t, http.StatusCreated, stored.Status)
	assert.Equal(t, `{"id":"job-1"}`, string(stored.Body))
}

func TestLedger_AbandonReleasesClaim(t *testing.T) {
	t.Parallel()

	ledger := newLedgerForTest(t)
	ctx := context.Background()

	first, _, err := ledger.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, first)

	ledger.Abandon(ctx, "key-1")

	first, _, err = ledger.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, first, "abandoned key must be claimable again")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	t.Parallel()

	var executions atomic.Int64
	handler := Middleware(newLedgerForTest(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executions.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"job-1"}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/upload/session", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "abc-123")
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: "user-1"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotency-Replayed"))

	second := send()
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, `{"id":"job-1"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	assert.Equal(t, int64(1), executions.Load(), "duplicate must not execute again")
}

func TestMiddleware_KeysScopedPerUser(t *testing.T) {
	t.Parallel()

	var executions atomic.Int64
	handler := Middleware(newLedgerForTest(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executions.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(userID string) {
		req := httptest.NewRequest(http.MethodPost, "/upload/session", nil)
		req.Header.Set(HeaderKey, "shared-key")
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{UserID: userID}))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	send("user-1")
	send("user-2")
	assert.Equal(t, int64(2), executions.Load(), "same key from different users must both execute")
}

func TestMiddleware_NoHeaderPassesThrough(t *testing.T) {
	t.Parallel()

	var executions atomic.Int64
	handler := Middleware(newLedgerForTest(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executions.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/upload/session", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int64(3), executions.Load())
}

func TestMiddleware_ServerFaultNotReplayed(t *testing.T) {
	t.Parallel()

	var executions atomic.Int64
	handler := Middleware(newLedgerForTest(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executions.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/upload/session", nil)
		req.Header.Set(HeaderKey, "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	_ = send()
	_ = send()
	assert.Equal(t, int64(2), executions.Load(), "a failed execution must not be replayed")
}
