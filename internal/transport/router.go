// Package transport is the HTTP+SSE entry point: one POST route carries
// the Forrst dispatch envelope, plus liveness/readiness/metrics endpoints
// for orchestrators, all wrapped in the same request-id/logging/CORS/
// recovery middleware chain the rest of the corpus uses.
package transport

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forrst-proto/forrst/internal/handler"
	"github.com/forrst-proto/forrst/internal/sse"
)

// Server holds everything NewRouter needs to mount the protocol's HTTP surface.
type Server struct {
	Handler *handler.RequestHandler
	SSE     *sse.Adapter

	Node         string
	CORSOrigins  []string
	HealthChecks map[string]HealthChecker
}

// NewRouter builds a chi.Router exposing POST /forrst plus /health,
// /health/live, /health/ready and /metrics.
func NewRouter(srv *Server) chi.Router {
	if srv.SSE == nil {
		srv.SSE = sse.New()
	}

	r := chi.NewRouter()

	origins := srv.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Forrst-Request-Id"},
		ExposedHeaders:   []string{"X-Forrst-Request-Id", "X-Forrst-Duration-Ms", "X-Forrst-Node", "RateLimit-Limit", "RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	maxBytes := srv.Handler.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = handler.DefaultMaxRequestBytes
	}

	dispatcher := NewDispatcher(srv.Handler, srv.SSE)
	r.With(limitBody(maxBytes)).Post("/forrst", dispatcher.ServeHTTP)

	r.Get("/health", HandleHealthLive(srv.Node))
	r.Get("/health/live", HandleHealthLive(srv.Node))
	r.Get("/health/ready", HandleHealthReady(srv.HealthChecks))
	r.Get("/metrics", handleMetrics(srv))

	return r
}

func handleMetrics(srv *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprintf(w, "# HELP forrstd_goroutines Number of goroutines.\n# TYPE forrstd_goroutines gauge\nforrstd_goroutines %d\n", runtime.NumGoroutine())
		fmt.Fprintf(w, "# HELP forrstd_memory_alloc_bytes Current heap allocation in bytes.\n# TYPE forrstd_memory_alloc_bytes gauge\nforrstd_memory_alloc_bytes %d\n", mem.Alloc)
		fmt.Fprintf(w, "# HELP forrstd_gc_completed_total Total completed GC cycles.\n# TYPE forrstd_gc_completed_total counter\nforrstd_gc_completed_total %d\n", mem.NumGC)
		if srv.SSE != nil && srv.SSE.Limiter != nil {
			fmt.Fprintf(w, "# HELP forrstd_sse_connections_active Active SSE connections.\n# TYPE forrstd_sse_connections_active gauge\nforrstd_sse_connections_active %d\n", srv.SSE.Limiter.GlobalCount())
		}
	}
}
