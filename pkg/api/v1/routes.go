// Package v1 implements the service's HTTP surface. Handlers are thin:
// authentication, authorization, rate limiting and idempotency all run as
// middleware before a handler sees the request, and handlers translate
// between the wire and the downstream clients.
package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/securedocs/sdap/pkg/authz"
	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/documents"
	"github.com/securedocs/sdap/pkg/graph"
	"github.com/securedocs/sdap/pkg/idempotency"
	"github.com/securedocs/sdap/pkg/ratelimit"
)

// Routes holds the wired dependencies for the v1 surface.
type Routes struct {
	graph     *graph.Factory
	documents *documents.Client
	authz     *authz.Middleware
	limits    *ratelimit.Registry
	ledger    *idempotency.Ledger
	sessions  *sessionStore
}

// NewRoutes creates the v1 route set.
func NewRoutes(
	graphFactory *graph.Factory,
	documentsClient *documents.Client,
	authzMiddleware *authz.Middleware,
	limits *ratelimit.Registry,
	ledger *idempotency.Ledger,
	sharedCache cache.Cache,
) *Routes {
	return &Routes{
		graph:     graphFactory,
		documents: documentsClient,
		authz:     authzMiddleware,
		limits:    limits,
		ledger:    ledger,
		sessions:  newSessionStore(sharedCache),
	}
}

// Router assembles the authenticated v1 routes. Each route is annotated
// with exactly one operation and one rate limit policy.
func (s *Routes) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/containers/{id}", func(r chi.Router) {
		r.With(
			s.limits.Limit(ratelimit.PolicyGraphRead),
			s.authz.Require(authz.OpListContainers, "id"),
		).Get("/items", s.listContainerItems)

		r.With(
			s.limits.Limit(ratelimit.PolicyUploadHeavy),
			s.authz.Require(authz.OpUploadFile, "id"),
		).Put("/files/*", s.uploadFile)
	})

	// Access snapshots are keyed by the document, so item routes authorize
	// the item rather than its containing drive.
	r.Route("/drives/{id}/items/{itemId}", func(r chi.Router) {
		r.With(
			s.limits.Limit(ratelimit.PolicyGraphRead),
			s.authz.Require(authz.OpPreviewFile, "itemId"),
		).Get("/content", s.previewFile)

		r.With(
			s.limits.Limit(ratelimit.PolicyGraphWrite),
			s.authz.Require(authz.OpDeleteFile, "itemId"),
		).Delete("/", s.deleteFile)
	})

	r.Route("/documents/{id}", func(r chi.Router) {
		r.With(
			s.limits.Limit(ratelimit.PolicyDataverseQuery),
			s.authz.Require(authz.OpReadMetadata, "id"),
		).Get("/", s.readMetadata)

		r.With(
			s.limits.Limit(ratelimit.PolicyDataverseQuery),
			s.authz.Require(authz.OpUpdateMetadata, "id"),
		).Patch("/", s.updateMetadata)
	})

	r.Route("/upload/session", func(r chi.Router) {
		// The target container rides in the containerId query parameter
		// since session creation has no resource in the path.
		r.With(
			s.limits.Limit(ratelimit.PolicyUploadHeavy),
			s.authz.Require(authz.OpUploadFile, "containerId"),
			idempotency.Middleware(s.ledger),
		).Post("/", s.createUploadSession)

		// Chunks are authorized by session ownership: the session was
		// authorized against its container when it was created.
		r.With(
			s.limits.Limit(ratelimit.PolicyUploadHeavy),
		).Put("/{sessionId}/chunk", s.uploadChunk)
	})

	return r
}

// writeJSON renders a JSON success response.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		writeJSONBody(w, body)
	}
}
