package routing

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"arbiter/internal/handlers"
	"arbiter/internal/middleware"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Post actions
	mux.HandleFunc("POST /api/posts/{id}/actions", h.HandleAct)
	mux.HandleFunc("DELETE /api/posts/{id}/actions/{type}", h.HandleRemoveAct)
	mux.HandleFunc("GET /api/posts/{id}/flag-counts", h.HandleFlagCounts)

	// Staff review
	mux.HandleFunc("POST /api/admin/posts/{id}/flags/{op}", h.HandleResolveFlags)
	mux.HandleFunc("GET /api/admin/flagged-count", h.HandleFlaggedCount)
	mux.HandleFunc("GET /api/admin/flagged-count/live", h.HandleFlaggedCountLive)

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
