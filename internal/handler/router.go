package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// RouterConfig collects what the HTTP surface needs besides the handler.
type RouterConfig struct {
	Verifier       *TokenVerifier
	Gatherer       prometheus.Gatherer
	Ping           func(ctx context.Context) error
	RequestTimeout time.Duration
}

// NewRouter mounts the approval endpoints under /api/v1 together with
// /health and /metrics.
func NewRouter(h *HTTPHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ping != nil {
			if err := cfg.Ping(r.Context()); err != nil {
				log.Warn().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/approvals", func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier, log))

		r.Post("/", h.Start)
		r.Post("/rebuild-approvers", h.RebuildApprovers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetStatus)
			r.Post("/approve", h.Approve)
			r.Post("/reject", h.Reject)
			r.Post("/system-reject", h.RejectBySystem)
			r.Post("/reset", h.Reset)
			r.Get("/path", h.GetApprovalPath)
			r.Get("/histories", h.GetApprovalHistories)
			r.Get("/next-step", h.GetNextStep)
		})
	})

	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
