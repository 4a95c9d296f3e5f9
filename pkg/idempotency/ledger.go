// Package idempotency deduplicates replayable submissions. A caller tags a
// request with an Idempotency-Key; the first execution is recorded and any
// replay within the retention window gets the recorded response instead of
// a second execution.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
)

const (
	// defaultRetention is how long completed results are replayable.
	defaultRetention = 24 * time.Hour

	// pendingTTL bounds how long an in-flight marker can block replays
	// when the original request dies without completing.
	pendingTTL = 2 * time.Minute

	keyPrefix = "idem:"
)

// StoredResponse is the recorded outcome of the first execution.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// entry is the ledger's cache representation. An entry without a result is
// an execution still in flight.
type entry struct {
	Result *StoredResponse `json:"result,omitempty"`
}

// Ledger tracks executions by idempotency key on top of the shared cache.
// SetNX makes the first-writer race safe across instances.
type Ledger struct {
	cache     cache.Cache
	retention time.Duration
}

// NewLedger creates a ledger. A zero retention gets the default.
func NewLedger(store cache.Cache, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Ledger{cache: store, retention: retention}
}

// Begin claims the key for execution. Exactly one caller per key wins
// first=true; losers get the stored result when the winner has finished,
// or a Conflict while it is still running.
func (l *Ledger) Begin(ctx context.Context, key string) (first bool, stored *StoredResponse, err error) {
	pending, err := json.Marshal(entry{})
	if err != nil {
		return false, nil, err
	}

	won, err := l.cache.SetNX(ctx, keyPrefix+key, pending, pendingTTL)
	if err != nil {
		return false, nil, errors.New(errors.KindUnavailable, "idempotency ledger unreachable", err)
	}
	if won {
		return true, nil, nil
	}

	raw, ok, err := l.cache.Get(ctx, keyPrefix+key)
	if err != nil {
		return false, nil, errors.New(errors.KindUnavailable, "idempotency ledger unreachable", err)
	}
	if !ok {
		// The claim expired between SetNX and Get. Treat as in flight;
		// the caller can retry shortly.
		return false, nil, errors.New(errors.KindConflict, "duplicate submission still in progress", nil)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false, nil, errors.New(errors.KindConflict, "duplicate submission with unreadable record", err)
	}
	if e.Result == nil {
		return false, nil, errors.New(errors.KindConflict, "duplicate submission still in progress", nil)
	}
	return false, e.Result, nil
}

// Complete records the first execution's outcome for replays.
func (l *Ledger) Complete(ctx context.Context, key string, result *StoredResponse) {
	raw, err := json.Marshal(entry{Result: result})
	if err != nil {
		logger.Warnf("failed to encode idempotency record: %v", err)
		return
	}
	if err := l.cache.Set(ctx, keyPrefix+key, raw, l.retention); err != nil {
		logger.Warnf("failed to store idempotency record: %v", err)
	}
}

// Abandon releases the claim after a failed execution so the caller's
// retry can run instead of replaying a failure forever.
func (l *Ledger) Abandon(ctx context.Context, key string) {
	if err := l.cache.Remove(ctx, keyPrefix+key); err != nil {
		logger.Warnf("failed to release idempotency claim: %v", err)
	}
}

// String implements fmt.Stringer for diagnostics.
func (l *Ledger) String() string {
	return fmt.Sprintf("idempotency.Ledger{retention=%s}", l.retention)
}
