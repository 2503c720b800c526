// Package server exposes identification and enrollment over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/recognize"
)

// Deps are the components a Server answers requests with.
type Deps struct {
	Recognizer *recognize.Recognizer
	Gallery    *gallery.Gallery
	Embedder   *embed.Embedder
	// Storage persists enrollments and removals. Nil keeps changes in memory.
	Storage gallery.Storage
	Logger  log.FieldLogger
}

type Server struct {
	deps       Deps
	cfg        config.ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	log        log.FieldLogger

	// writeMu serialises mutate-then-persist so saves land in request order.
	writeMu sync.Mutex
}

// New wires the router and the underlying http.Server.
func New(deps Deps, cfg config.ServerConfig) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	r := chi.NewRouter()
	s := &Server{deps: deps, cfg: cfg, router: r, log: logger.WithField("component", "server")}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.RequestLogger(&chiMiddleware.DefaultLogFormatter{Logger: log.StandardLogger(), NoColor: true}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))

	s.setupRoutes()

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/identities", func(r chi.Router) {
		r.Get("/", s.handleListIdentities)
		r.Post("/{name}", s.handleEnroll)
		r.Delete("/{name}", s.handleRemove)
	})
	s.router.Post("/identify", s.handleIdentify)
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.log.Infof("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
