package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
)

const (
	// defaultTTL is the staleness window for cached snapshots.
	defaultTTL = 120 * time.Second

	// minTTL and maxTTL bound the configurable window.
	minTTL = 60 * time.Second
	maxTTL = 300 * time.Second
)

// Source serves access snapshots.
type Source interface {
	// Snapshot returns the user's access state for a resource. A user
	// with no access record gets an empty snapshot, not an error; an
	// unreachable backing store is an error and callers must fail closed.
	Snapshot(ctx context.Context, userID, resourceID string) (*Snapshot, error)
}

// Fetcher loads snapshots from the backing store. Implementations signal a
// missing record with a KindNotFound error.
type Fetcher interface {
	Fetch(ctx context.Context, userID, resourceID string) (*Snapshot, error)
}

// CachedSource caches snapshots in the shared cache for the staleness
// window and coalesces concurrent loads of the same key.
type CachedSource struct {
	fetcher Fetcher
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedSource builds a source with the given staleness window. Windows
// outside the allowed range are clamped.
func NewCachedSource(fetcher Fetcher, store cache.Cache, ttl time.Duration) *CachedSource {
	switch {
	case ttl == 0:
		ttl = defaultTTL
	case ttl < minTTL:
		ttl = minTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}
	return &CachedSource{fetcher: fetcher, cache: store, ttl: ttl}
}

// snapshotKey namespaces cached snapshots by user and resource.
func snapshotKey(userID, resourceID string) string {
	return fmt.Sprintf("access:%s:%s", userID, resourceID)
}

// Snapshot implements Source.
func (s *CachedSource) Snapshot(ctx context.Context, userID, resourceID string) (*Snapshot, error) {
	key := snapshotKey(userID, resourceID)

	if snap := s.lookup(ctx, key); snap != nil {
		return snap, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if snap := s.lookup(ctx, key); snap != nil {
			return snap, nil
		}

		snap, err := s.fetcher.Fetch(ctx, userID, resourceID)
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			// No access record means no access, not an outage.
			snap = Empty(userID, resourceID)
		case err != nil:
			return nil, errors.New(errors.KindUnavailable, "access data source unreachable", err)
		}

		s.store(ctx, key, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// lookup reads the cache; failures and undecodable entries read as misses.
func (s *CachedSource) lookup(ctx context.Context, key string) *Snapshot {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Debugf("discarding undecodable access snapshot: %v", err)
		return nil
	}
	return &snap
}

// store writes the snapshot for the staleness window.
func (s *CachedSource) store(ctx context.Context, key string, snap *Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		logger.Debugf("failed to cache access snapshot: %v", err)
	}
}
