package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/minimalgames/giftledger/internal/handler"
)

const workerKeyHeader = "X-Worker-Key"

// WorkerKey gates the worker endpoints behind a shared API key. The
// per-report HMAC signature is checked separately at the handler.
func WorkerKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(workerKeyHeader)
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				handler.RespondAppError(w, handler.ErrInvalidWorkerKey, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
