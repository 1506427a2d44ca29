package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// HealthCheck reports whether a dependency (usually the event store
// database) is reachable.
type HealthCheck func(ctx context.Context) error

type RouterOptions struct {
	Metrics      http.Handler
	Health       HealthCheck
	HealthWait   time.Duration
	RequestLog   bool
	MaxBodyBytes int64
}

// NewRouter mounts the webhook ingress plus health and metrics endpoints.
func NewRouter(webhooks *WebhookHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if opts.RequestLog {
		r.Use(chimiddleware.Logger)
	}
	r.Use(chimiddleware.Recoverer)

	if webhooks != nil && opts.MaxBodyBytes > 0 {
		webhooks.MaxBodyBytes = opts.MaxBodyBytes
	}
	r.Method(http.MethodPost, "/webhooks/{source}", webhooks)

	r.Get("/health", healthHandler(opts.Health, opts.HealthWait))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}

func healthHandler(check HealthCheck, wait time.Duration) http.HandlerFunc {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			defer cancel()
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}
