package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StatusChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_status_checks_total",
		Help: "Connection status answers by the source that produced them.",
	}, []string{"source"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_token_refresh_total",
		Help: "Access token refresh attempts by result.",
	}, []string{"result"})

	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_sends_total",
		Help: "Threaded send attempts by outcome.",
	}, []string{"outcome"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_provider_latency_seconds",
		Help:    "Latency of calls to the mail and authorization provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_store_latency_seconds",
		Help:    "Latency of grant, binding and status store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
)

// ObserveProvider is meant to be deferred: defer metrics.ObserveProvider("send")().
func ObserveProvider(operation string) func() {
	start := time.Now()
	return func() {
		providerLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func ObserveStore(operation string) func() {
	start := time.Now()
	return func() {
		storeLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Middleware counts requests using the chi route pattern as the label.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequests.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).Inc()
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
