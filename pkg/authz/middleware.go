package authz

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/securedocs/sdap/pkg/access"
	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/problem"
)

// snapshotRetryAfter is suggested to clients when the access store is down.
const snapshotRetryAfter = 30

// Middleware mediates between routes and the engine: it resolves the
// principal and resource, loads the snapshot, evaluates, and translates
// the outcome. Handlers behind it can assume the operation was allowed.
type Middleware struct {
	engine *Engine
	source access.Source
}

// NewMiddleware creates the authorization middleware.
func NewMiddleware(engine *Engine, source access.Source) *Middleware {
	return &Middleware{engine: engine, source: source}
}

// Require guards a route with the named operation. The resource identifier
// is read from the named chi URL parameter; routes without a resource
// parameter pass an empty name and authorize against the platform itself.
func (m *Middleware) Require(operation, resourceParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			principal, ok := auth.PrincipalFromContext(ctx)
			if !ok {
				problem.New(errors.KindInvalidCredential, "authentication required", r).Write(w)
				return
			}

			resourceID := "platform"
			if resourceParam != "" {
				resourceID = chi.URLParam(r, resourceParam)
				if resourceID == "" {
					// Routes whose resource is not in the path carry it
					// as a query parameter of the same name.
					resourceID = r.URL.Query().Get(resourceParam)
				}
				if resourceID == "" {
					problem.New(errors.KindNotFound, "missing resource identifier", r).Write(w)
					return
				}
			}

			required, known := RequiredLevel(operation)
			if !known {
				// An unmapped operation is a wiring bug. Fail closed.
				problem.New(errors.KindDeny, "operation not recognized", r).Write(w)
				return
			}

			snapshot, err := m.source.Snapshot(ctx, principal.UserID, resourceID)
			if err != nil {
				// The access store being down means we cannot decide.
				// Refuse with a hint to come back, never fall open.
				problem.FromError(err, r).WithRetryAfter(snapshotRetryAfter).Write(w)
				return
			}

			result := m.engine.Evaluate(ctx, &Input{
				Principal:     principal,
				Snapshot:      snapshot,
				Operation:     operation,
				ResourceID:    resourceID,
				RequiredLevel: required,
			})

			if result.Decision != Allow {
				kind := errors.KindDeny
				if result.Reason == "RuleError" {
					kind = errors.KindRuleError
				}
				problem.New(kind, "operation "+operation+" denied: "+result.Reason, r).Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
