package v1

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/graph"
	"github.com/securedocs/sdap/pkg/logger"
)

// sessionTTL bounds how long an upload session stays resumable. Graph's
// own sessions expire sooner for small files; ours is the outer bound.
const sessionTTL = time.Hour

// uploadSession maps a public session ID onto the upstream session. The
// upstream URL is pre-authorized and never leaves the service.
type uploadSession struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	ContainerID string `json:"containerId"`
	Path        string `json:"path"`
	UploadURL   string `json:"uploadUrl"`
	Expiration  string `json:"expiration"`
}

// sessionStore keeps sessions in the shared cache so any instance can
// serve a chunk.
type sessionStore struct {
	cache cache.Cache
}

func newSessionStore(store cache.Cache) *sessionStore {
	return &sessionStore{cache: store}
}

func sessionKey(id string) string {
	return "upsession:" + id
}

// Create mints a session ID and stores the mapping.
func (s *sessionStore) Create(ctx context.Context, userID, containerID, path string, upstream *graph.UploadSession) (*uploadSession, error) {
	session := &uploadSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		ContainerID: containerID,
		Path:        path,
		UploadURL:   upstream.UploadURL,
		Expiration:  upstream.ExpirationDateTime,
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, "failed to encode upload session", err)
	}
	if err := s.cache.Set(ctx, sessionKey(session.ID), raw, sessionTTL); err != nil {
		return nil, errors.New(errors.KindUnavailable, "failed to store upload session", err)
	}
	return session, nil
}

// Get loads a session by ID.
func (s *sessionStore) Get(ctx context.Context, id string) (*uploadSession, error) {
	raw, ok, err := s.cache.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, errors.New(errors.KindUnavailable, "upload session store unreachable", err)
	}
	if !ok {
		return nil, errors.New(errors.KindNotFound, "upload session not found", nil)
	}

	var session uploadSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, errors.New(errors.KindUnknown, "unreadable upload session record", err)
	}
	return &session, nil
}

// Remove discards a spent session.
func (s *sessionStore) Remove(ctx context.Context, id string) {
	if err := s.cache.Remove(ctx, sessionKey(id)); err != nil {
		logger.Debugf("failed to remove upload session: %v", err)
	}
}
