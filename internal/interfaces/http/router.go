package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"outreach/internal/interfaces/http/ratelimit"
	"outreach/internal/metrics"
)

type RouterOptions struct {
	Auth              Authenticator
	PrometheusEnabled bool
	Logger            *slog.Logger
}

// NewRouter wires the dashboard API, the OAuth callback and the ops endpoints.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth = HeaderAuthenticator{Header: "X-User-ID"}
	}

	// OAuth endpoints: 2 requests per second, burst of 10
	oauthRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(2), 10, 5*time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if opts.PrometheusEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.With(oauthRateLimiter.Middleware()).Get("/oauth/google/callback", h.Callback)

	r.Route("/api", func(r chi.Router) {
		r.Use(identify(opts.Auth, logger))

		r.Get("/gmail/status", h.Status)

		r.Group(func(r chi.Router) {
			r.Use(requireUser(logger))

			r.With(oauthRateLimiter.Middleware()).Post("/gmail/connect", h.Connect)
			r.With(oauthRateLimiter.Middleware()).Get("/gmail/connect", h.Connect)
			r.Post("/gmail/refresh", h.Refresh)
			r.Delete("/gmail/connection", h.Disconnect)
			r.Post("/outreach/send", h.Send)
			r.Post("/session/logout", h.Logout)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
