package middleware

import (
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/minimalgames/giftledger/internal/handler"
)

// Busy caps concurrent requests on the routes it wraps. TryAcquire instead
// of Acquire: when the exchange path is saturated, shedding with an explicit
// busy response beats queueing debits behind each other.
func Busy(maxInFlight int64) func(http.Handler) http.Handler {
	sem := semaphore.NewWeighted(maxInFlight)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sem.TryAcquire(1) {
				handler.RespondAppError(w, handler.ErrSystemBusy, nil)
				return
			}
			defer sem.Release(1)
			next.ServeHTTP(w, r)
		})
	}
}
