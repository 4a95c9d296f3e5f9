package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/problem"
)

// requestCache gives every request its own zero-serialization cache layer.
func requestCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(cache.WithRequestCache(r.Context())))
	})
}

// recoverer converts handler panics into problem responses instead of
// letting the connection die.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Errorw("handler panicked",
					"path", r.URL.Path,
					"panic", rec,
					"correlationId", middleware.GetReqID(r.Context()),
				)
				problem.New(errors.KindUnknown, "", r).Write(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"durationMs", time.Since(start).Milliseconds(),
			"correlationId", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}
