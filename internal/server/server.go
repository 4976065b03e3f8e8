package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/accountdesk/apiserver/config"
	"github.com/accountdesk/apiserver/internal/auth"
	"github.com/accountdesk/apiserver/internal/db"
	"github.com/accountdesk/apiserver/internal/handlers"
	"github.com/accountdesk/apiserver/internal/mq"
	"github.com/accountdesk/apiserver/internal/services"
	"github.com/accountdesk/apiserver/internal/storage"
	"github.com/accountdesk/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPort    = 8080
	requestTimeout = 60 * time.Second
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
	logger     *slog.Logger
}

// New connects the collaborators named in cfg and builds the router.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	sessions, err := auth.NewSessionManager(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, err
	}

	dbConn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	reports, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := reports.EnsureBucket(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("ensure bucket %q: %w", reports.Bucket(), err)
	}

	var (
		broker *mq.MQ
		events *services.EventPublisher
	)
	if cfg.MQ.Backend != "" {
		broker, err = mq.Connect(ctx, cfg.MQ)
		if err != nil {
			_ = dbConn.Close()
			return nil, err
		}
		events = services.NewEventPublisher(broker, cfg.MQ.AccountChannel, logger)
	}

	accounts, err := services.NewAccountService(
		store.NewUserRepository(dbConn, cfg.Database.QueryTimeout),
		auth.NewHasher(),
		sessions,
		reports,
		events,
		logger,
		services.AccountOptions{
			RevealUnknownEmail: cfg.Auth.RevealUnknownEmail,
			UploadTimeout:      cfg.Storage.UploadTimeout,
		},
	)
	if err != nil {
		_ = dbConn.Close()
		if broker != nil {
			_ = broker.Close()
		}
		return nil, err
	}

	accountHandler := handlers.NewAccountHandler(
		accounts,
		handlers.CookieOptions{Secure: cfg.Auth.CookieSecure, TTL: sessions.TTL()},
		cfg.Storage.MaxUploadSize,
		logger,
	)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		handlers.RequestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1/user", func(r chi.Router) {
		handlers.AccountRouter(r, accountHandler, handlers.RequireSession(sessions.Guard(), logger))
	})

	port := cfg.ServerPort
	if port == 0 {
		port = defaultPort
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Storage.UploadTimeout + 15*time.Second,
		WriteTimeout:      cfg.Storage.UploadTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		broker:     broker,
		logger:     logger,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then releases the collaborators.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.broker != nil {
		if closeErr := s.broker.Close(); closeErr != nil {
			s.logger.Warn("failed to close broker", "error", closeErr)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
