// Package api provides HTTP handlers and routing for the researchd service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the router and handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates the API server. Extra middleware (auth, rate limiting)
// wraps every route, outermost first.
func NewServer(h *Handlers, middleware ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(middleware...)
	return s
}

// Router returns the configured handler for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(middleware ...mux.MiddlewareFunc) {
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/runs", s.handlers.SubmitRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/result", s.handlers.GetRunResult).Methods("GET")
	api.HandleFunc("/runs/{id}/tasks", s.handlers.GetTaskResults).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	api.HandleFunc("/tools", s.handlers.ListTools).Methods("GET")
	api.HandleFunc("/pipelines/validate", s.handlers.ValidatePipeline).Methods("POST")

	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	for _, m := range middleware {
		s.router.Use(m)
	}
}
