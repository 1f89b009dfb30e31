// Package server implements the rfstore HTTP server: record operations
// through Huma, asset bytes through chi, plus health and metrics endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/rfstore/internal/config"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/handlers"
	"github.com/bleepstore/rfstore/internal/storage"
)

// checkTimeout bounds each backend probe of a health check.
const checkTimeout = 5 * time.Second

// Server is the rfstore HTTP server for one container.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	c          *container.Container
	records    *handlers.RecordHandler
	assets     *handlers.AssetHandler
	httpServer *http.Server
}

// CheckResult is the outcome of probing one backend.
type CheckResult struct {
	Status    string `json:"status" example:"ok" doc:"ok or error"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]CheckResult `json:"checks,omitempty" doc:"Backend probes, present when health checks are enabled"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server for c and wires up all routes on a chi router with a
// Huma API.
func New(cfg *config.Config, c *container.Container) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("rfstore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		c:       c,
		records: handlers.NewRecordHandler(c),
		assets:  handlers.NewAssetHandler(c),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the server and, when enabled, of its backends.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		body := HealthBody{Status: "ok"}
		if s.cfg.Observability.HealthCheck {
			body.Checks = s.runChecks(ctx)
			for _, c := range body.Checks {
				if c.Status != "ok" {
					body.Status = "degraded"
				}
			}
		}
		return &HealthOutput{Body: body}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			for _, c := range s.runChecks(r.Context()) {
				if c.Status != "ok" {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.records.Register(s.api)
	s.assets.Routes(s.router)
}

// runChecks probes the blob store and, when the container has one, the
// indexed database.
func (s *Server) runChecks(ctx context.Context) map[string]CheckResult {
	checks := make(map[string]CheckResult)
	svc, err := s.c.Services(ctx)
	if err != nil {
		checks["services"] = CheckResult{Status: "error", Error: err.Error()}
		return checks
	}

	checks["storage"] = probe(ctx, func(ctx context.Context) error {
		_, err := svc.Blobs.List(ctx, storage.ListInput{MaxKeys: 1})
		return err
	})
	if svc.Database != nil {
		checks["database"] = probe(ctx, svc.Database.Ping)
	}
	return checks
}

func probe(ctx context.Context, fn func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
