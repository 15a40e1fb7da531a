// Package server exposes the bridge's local HTTP API: vehicle state,
// typed sensor readings, session status, a live event feed and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BertilJ/bmw-data/internal/coordinator"
	"github.com/BertilJ/bmw-data/internal/state"
	"github.com/BertilJ/bmw-data/pkg/log"
	"github.com/BertilJ/bmw-data/pkg/options"
)

// StatusProvider reports the sync session state. Readiness and the
// status endpoint are driven by it.
type StatusProvider interface {
	Status() coordinator.Status
}

// Server is the local HTTP API server.
type Server struct {
	opts   *options.HTTPOptions
	store  *state.Store
	status StatusProvider
	logger log.Logger
	router *mux.Router
	server *http.Server
}

// New wires the routes. The status provider may be nil; the endpoints
// that need it answer 503 until one exists.
func New(opts *options.HTTPOptions, store *state.Store, status StatusProvider, logger log.Logger) *Server {
	if opts == nil {
		opts = options.NewHTTPOptions()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	s := &Server{
		opts:   opts,
		store:  store,
		status: status,
		logger: logger.WithName("http"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles/{vin}", s.handleGetVehicle).Methods("GET")
	api.HandleFunc("/vehicles/{vin}/sensors", s.handleVehicleSensors).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.Use(jsonMiddleware)

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoverMiddleware)
}

// Handler returns the configured router.
func (s *Server) Handler() *mux.Router {
	return s.router
}

// Start serves until the context is cancelled, then drains connections
// within the configured shutdown budget.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.opts.Network, s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	// Request contexts inherit the run context so event streams end
	// when shutdown begins instead of holding the drain open.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(fmt.Errorf("%v", rec), "Handler panicked", "method", r.Method, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
