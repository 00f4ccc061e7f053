package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PortNumber53/subcatalog/backend/internal/config"
	"github.com/PortNumber53/subcatalog/backend/internal/handlers"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	requestmw "github.com/PortNumber53/subcatalog/backend/internal/middleware"
)

// Issuer issues and verifies credentials.
type Issuer interface {
	handlers.CredentialIssuer
	requestmw.TokenVerifier
}

// Deps are the collaborators the HTTP surface is built from. Jobs and
// Worker are optional.
type Deps struct {
	DB            handlers.Pinger
	Issuer        Issuer
	Subscriptions handlers.SubscriptionService
	Webhooks      handlers.WebhookProcessor
	// VerifyWebhook authenticates gateway callbacks when non-nil.
	VerifyWebhook func(*http.Request) bool
	Jobs          handlers.JobStatsSource
	Worker        handlers.WorkerStats
	Logger        *slog.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New constructs an HTTP server using the provided configuration and collaborators.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestmw.RequestLogger(log))
	router.Use(middleware.Recoverer)

	apiLog := log.With(logger.Component("api"))

	router.Get("/healthz", handlers.Health(deps.DB))

	router.Post("/api/auth/login", handlers.Login(deps.Issuer, apiLog))
	router.Post("/api/auth/refresh", handlers.Refresh(deps.Issuer, apiLog))
	router.Post("/api/auth/logout", handlers.Logout(deps.Issuer, apiLog))

	router.Post("/api/webhooks/payments", handlers.PaymentWebhook(deps.Webhooks, deps.VerifyWebhook, apiLog))

	router.Group(func(r chi.Router) {
		r.Use(requestmw.Authenticate(deps.Issuer, apiLog))
		handlers.NewBillingHandler(deps.Subscriptions, apiLog).RegisterRoutes(r)
		if deps.Jobs != nil {
			handlers.NewJobHandler(deps.Jobs, deps.Worker, apiLog).RegisterRoutes(r)
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: log}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
