// Package clientapi implements the small HTTP surface frpc-facing clients
// call directly: credential validation and node discovery (spec §4.9).
package clientapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/firefrp/firefrp/internal/config"
	"github.com/firefrp/firefrp/internal/credential"
)

// API bundles the ClientAPI's HTTP handlers.
type API struct {
	cred     *credential.Service
	cfg      *config.Config
	withLock func(func())
	limiter  *dualWindowLimiter
	log      *slog.Logger
}

// New builds an API. withLock must run fn while holding the process state
// lock (spec §5) for any handler that reads credential state.
func New(cred *credential.Service, cfg *config.Config, withLock func(func()), log *slog.Logger) *API {
	return &API{cred: cred, cfg: cfg, withLock: withLock, limiter: newDualWindowLimiter(), log: log}
}

// Router builds the chi router mounting every ClientAPI route, wrapped in
// the single global error handler spec §4.9 requires.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.recoverer)
	r.Post("/api/v1/validate", a.handleValidate)
	r.Get("/api/v1/server-info", a.handleServerInfo)
	r.Get("/health", a.handleHealth)
	return r
}

type genericErrorResponse struct {
	OK    bool      `json:"ok"`
	Error errorInfo `json:"error"`
}

// recoverer implements spec §4.9's single global error handler: any panic
// escaping a route handler becomes {ok:false,error:{code:"INTERNAL_ERROR"}}
// with HTTP 500, never echoing the panic value itself back to the client.
func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Error("clientapi: handler panic", "recover", rec)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(genericErrorResponse{
					OK:    false,
					Error: errorInfo{Code: "INTERNAL_ERROR", Message: "internal server error"},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SweepRateLimits evicts idle rate-limit buckets. Called on the same 5m
// cadence as the expiry scheduler's RejectSet prune (spec §4.9).
func (a *API) SweepRateLimits() { a.limiter.sweep() }
