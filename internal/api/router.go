package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"paygate/internal/idempotency"
	"paygate/internal/metrics"
)

// RouterConfig carries what the router needs beyond the handler
type RouterConfig struct {
	Coordinator    *idempotency.Coordinator
	IdempotencyTTL time.Duration
	Metrics        http.Handler
}

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	// Provider callbacks are deduplicated by event id inside the processor
	router.HandleFunc("/webhooks/{provider}", handler.HandleWebhook).Methods(http.MethodPost)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Payments; mutations are idempotent
	payments := api.PathPrefix("/payments").Subrouter()
	payments.Use(idempotency.Middleware(cfg.Coordinator, cfg.IdempotencyTTL, logger))
	payments.HandleFunc("", handler.HandleCreatePayment).Methods(http.MethodPost)
	payments.HandleFunc("/{id}", handler.HandleGetPayment).Methods(http.MethodGet)
	payments.HandleFunc("/{id}/transactions", handler.HandleObserveTransaction).Methods(http.MethodPost)
	payments.HandleFunc("/{id}/settle", handler.HandleSettlePayment).Methods(http.MethodPost)

	// Dependency health and operator overrides
	api.HandleFunc("/dependencies", handler.HandleListDependencies).Methods(http.MethodGet)
	api.HandleFunc("/dependencies/{name}/unavailable", handler.HandleMarkUnavailable).Methods(http.MethodPost)
	api.HandleFunc("/dependencies/{name}/unavailable", handler.HandleClearOverride).Methods(http.MethodDelete)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// metricsMiddleware records request counts and latency per route template
func metricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+idempotency.HeaderKey+", "+idempotency.HeaderKeyLegacy)
			w.Header().Set("Access-Control-Expose-Headers", idempotency.HeaderKeyLegacy+", "+idempotency.HeaderCached+", Retry-After")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
