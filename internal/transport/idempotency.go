package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

const (
	maxBodyBytes          = 1 << 20
	defaultIdempotencyTTL = 24 * time.Hour
)

// replayCounter is the metrics hook for replayed responses.
type replayCounter interface {
	RecordIdempotencyReplay(operation string)
}

// Idempotent wraps a create-style handler. When the caller sends an
// X-Idempotency-Key, the first successful response is cached against the
// key and a hash of the operation's path and body; a retry with the same
// input receives the cached response, and reuse of the key with different
// input is a CONFLICT. Without a key, or with a nil store, requests pass
// through untouched.
func Idempotent(store idempotency.Store, operation string, ttl time.Duration, replays replayCounter, next http.HandlerFunc) http.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if store == nil || key == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			if tooLarge(err) {
				WriteError(w, r, bodyTooLarge())
				return
			}
			WriteError(w, r, model.NewBadRequestError("unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller := model.MustCaller(r.Context())
		fullKey := idempotency.FormatKey(operation, caller.SubjectID, key)
		hash := idempotency.HashInput(append([]byte(r.URL.Path+"\n"), body...))

		cached, found, err := store.Check(r.Context(), fullKey, hash)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if found {
			if replays != nil {
				replays.RecordIdempotencyReplay(operation)
			}
			w.Header().Set(HeaderReplayed, "true")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			resp := idempotency.Response{Status: rec.status, Body: rec.buf.Bytes()}
			if err := store.Save(r.Context(), fullKey, hash, resp, ttl); err != nil {
				observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("idempotency: save failed",
					zap.String("operation", operation),
					zap.Error(err),
				)
			}
		}
	}
}

// capturingWriter tees the response body so it can be cached.
type capturingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	buf     bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
