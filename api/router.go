// Package api binds the CSA command surface (spec §6) to HTTP via
// gorilla/mux, grounded on the teacher's infrastructure/service runner
// idiom: one router, the shared recovery/logging/metrics middleware stack,
// and handlers that translate domain errors into the discriminated
// {"ok": ...} / {"err": ...} envelope via infrastructure/httputil.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/csaworkbench/engine/applications/system"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/logging"
	"github.com/csaworkbench/engine/infrastructure/metrics"
	"github.com/csaworkbench/engine/infrastructure/middleware"
)

// maxRequestBodyBytes bounds a single command-surface request body; import
// payloads are the largest legitimate case (a whole system), so this is
// generous rather than tight.
const maxRequestBodyBytes = 64 << 20

// Server is the command-surface HTTP binding over a running Engine.
type Server struct {
	engine  *system.Engine
	router  *mux.Router
	log     *logging.Logger
	metrics *metrics.Metrics
	health  *middleware.HealthChecker
}

// NewServer builds the router and registers every spec §6 operation.
func NewServer(engine *system.Engine) *Server {
	log := logging.New("csa-api", "info", "json")
	m := metrics.New("csa-api")
	health := middleware.NewHealthChecker("csa-engine")
	health.RegisterCheck("storage", func() error {
		_, err := engine.Store.LoadSystem(context.Background(), "__healthcheck__")
		if err != nil && errors.GetKind(err) == errors.KindNotFound {
			return nil
		}
		return err
	})

	s := &Server{engine: engine, router: mux.NewRouter(), log: log, metrics: m, health: health}

	s.router.Use(middleware.LoggingMiddleware(log))
	s.router.Use(middleware.MetricsMiddleware("csa-api", m))
	s.router.Use(middleware.NewRecoveryMiddleware(log).Handler)
	s.router.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	s.router.Use(middleware.NewBodyLimitMiddleware(maxRequestBodyBytes).Handler)
	s.router.Use(middleware.NewTimeoutMiddleware(60 * time.Second).Handler)

	s.registerSystemRoutes()
	s.registerAnalysisRoutes()
	s.registerExportRoutes()
	s.router.Handle("/healthz", health.Handler()).Methods(http.MethodGet)

	return s
}

// Handler returns the http.Handler to bind to a listener.
func (s *Server) Handler() http.Handler { return s.router }
