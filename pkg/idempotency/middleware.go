package idempotency

import (
	"bytes"
	"net/http"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/problem"
)

// HeaderKey is the request header carrying the caller's idempotency key.
const HeaderKey = "Idempotency-Key"

// replayHeader marks responses served from the ledger.
const replayHeader = "Idempotency-Replayed"

// maxRecordedBody bounds what the ledger will record for replay. Larger
// responses execute once but replay as a bare status.
const maxRecordedBody = 256 << 10

// Middleware applies the ledger to requests carrying an Idempotency-Key.
// Requests without the header pass through untouched; each route decides
// whether to require it.
func Middleware(ledger *Ledger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scope the key to the caller so one user's key cannot
			// collide with or replay another's.
			if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
				key = principal.UserID + ":" + key
			}

			first, stored, err := ledger.Begin(r.Context(), key)
			if err != nil {
				problem.WriteError(w, r, err)
				return
			}

			if !first {
				w.Header().Set(replayHeader, "true")
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 500 {
				ledger.Complete(r.Context(), key, &StoredResponse{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.recorded(),
				})
			} else {
				// Server faults are not outcomes worth replaying.
				ledger.Abandon(r.Context(), key)
			}
		})
	}
}

// recordingWriter tees the response for the ledger.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
	overflowed  bool
}

func (r *recordingWriter) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.overflowed {
		if r.buf.Len()+len(p) <= maxRecordedBody {
			r.buf.Write(p)
		} else {
			r.overflowed = true
			r.buf.Reset()
		}
	}
	return r.ResponseWriter.Write(p)
}

// recorded returns the captured body, or nil when it overflowed the cap.
func (r *recordingWriter) recorded() []byte {
	if r.overflowed {
		return nil
	}
	return r.buf.Bytes()
}
