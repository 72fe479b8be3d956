package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vaebz/magic-mcp/internal/metrics"
)

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestContext)
	r.Use(recoverer(s.log))
	r.Use(requestLogger(s.log))
	r.Use(cors(splitOrigins(s.cfg.CORSOrigins)))
	if s.deps.Metrics != nil {
		r.Use(metrics.Middleware(s.deps.Metrics))
	}

	limited := func(next http.Handler) http.Handler { return next }
	if s.limiter != nil {
		limited = s.limiter.Middleware
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	if s.deps.Hub != nil && s.deps.Manager != nil {
		r.With(limited).Get("/ws", s.handleWebSocket)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Manager != nil {
			r.Route("/connections", func(r chi.Router) {
				r.Get("/", s.handleListConnections)
				r.With(limited).Post("/", s.handleConnect)
				r.Get("/{id}", s.handleGetConnection)
				r.With(limited).Delete("/{id}", s.handleDisconnect)
				r.With(limited).Post("/{id}/heartbeat", s.handleHeartbeat)
				r.With(limited).Post("/{id}/messages", s.handleMessage)
			})
		}

		if s.deps.Broadcast != nil {
			r.Post("/broadcasts", s.handleBroadcast)
		}

		if s.deps.Components != nil {
			r.Route("/components", func(r chi.Router) {
				r.Get("/", s.handleListComponents)
				r.Post("/", s.handleCreateComponent)
				r.Post("/preview", s.handlePreview)
				r.Get("/{id}", s.handleGetComponent)
				r.Put("/{id}", s.handleUpdateComponent)
				r.Delete("/{id}", s.handleDeleteComponent)
			})
		}
	})

	return r
}
