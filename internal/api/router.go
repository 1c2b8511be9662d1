package api

import (
	"net/http"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/engine"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dependencies are the components the HTTP surface is built from.
// Deliveries, Breaker, Hub and Metrics are optional.
type Dependencies struct {
	Version    string
	Webhook    *WebhookHandler
	Session    SessionReporter
	Breaker    engine.Breaker
	Deliveries DeliveryLog
	Hub        interface {
		ClientCounter
		HandleWebSocket(w http.ResponseWriter, r *http.Request)
	}
	Metrics *metrics.Collector
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(PeerAddr)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Use(corsMiddleware)

	statusHandler := NewStatusHandler(deps.Session, deps.Breaker, deps.Hub, deps.Deliveries != nil)
	deliveryHandler := NewDeliveryHandler(deps.Deliveries)

	r.Post("/webhook", deps.Webhook.Handle)
	r.Get("/health", HealthHandler(deps.Version))

	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWebSocket)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(deps.Version))
		r.Get("/status", statusHandler.Get)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/stats", deliveryHandler.Stats)
			r.Get("/{id}", deliveryHandler.Get)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
