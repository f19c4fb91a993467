package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/minimalgames/giftledger/internal/handler"
	"github.com/minimalgames/giftledger/internal/middleware"
)

type RouterConfig struct {
	JWTSecret    string
	WorkerAPIKey string
	MaxInFlight  int64
}

// NewRouter assembles the public API and the worker surface. The user-facing
// routes sit behind JWT auth and the request cap; worker routes sit behind
// the shared key instead and are never capped, because stalling settlement
// reports only makes the stuck-task problem worse.
func NewRouter(
	cfg RouterConfig,
	health *handler.HealthHandler,
	authH *handler.AuthHandler,
	ex *handler.ExchangeHandler,
	worker *handler.WorkerHandler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Tracing)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)

	r.Get("/health", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", authH.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))

			r.Get("/balance", ex.Balance)
			r.Get("/balance/logs", ex.BalanceLogs)

			r.Route("/gifts", func(r chi.Router) {
				r.With(middleware.Busy(cfg.MaxInFlight)).Post("/exchange", ex.Create)
				r.Get("/history", ex.History)
				r.Get("/tasks/{id}", ex.Task)
			})
		})
	})

	r.Route("/worker", func(r chi.Router) {
		r.Use(middleware.WorkerKey(cfg.WorkerAPIKey))

		r.Get("/tasks", worker.Lease)
		r.Post("/tasks/reset-stuck", worker.ResetStuck)
		r.Post("/tasks/{id}/start", worker.Start)
		r.Post("/tasks/{id}/complete", worker.Complete)
		r.Post("/tasks/{id}/fail", worker.Fail)
	})

	return r
}
