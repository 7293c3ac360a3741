// Package server exposes the webhook endpoint, the instance administration API,
// health and metrics over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/metrics"
	"github.com/edgard/replybot/internal/webhook"
)

// Receiver handles raw webhook bodies.
type Receiver interface {
	Receive(ctx context.Context, instanceHint string, raw []byte) (webhook.Ack, error)
}

// InstanceAdmin is the tracker surface behind the admin endpoints.
type InstanceAdmin interface {
	Register(ctx context.Context, inst instance.MessagingInstance) (string, error)
	Get(id string) (instance.MessagingInstance, error)
	List() []instance.MessagingInstance
	Deregister(ctx context.Context, id string) error
	Reregister(ctx context.Context, id string) (instance.StateChange, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Webhook   Receiver
	Instances InstanceAdmin
	Health    Pinger
	Metrics   *metrics.Metrics
}

// Server is the HTTP front of the service.
type Server struct {
	httpCfg    config.HTTPConfig
	webhookCfg config.WebhookConfig
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a server. Call Run to start listening.
func New(log *slog.Logger, httpCfg config.HTTPConfig, webhookCfg config.WebhookConfig, deps Deps) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		httpCfg:    httpCfg,
		webhookCfg: webhookCfg,
		deps:       deps,
		logger:     log.With("component", "http_server"),
	}
	s.httpServer = &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       httpCfg.ReadTimeout,
		ReadHeaderTimeout: httpCfg.ReadTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.webhookCfg.Token, true))
		r.Post("/webhook", s.handleWebhook)
		r.Post("/webhook/{instanceId}", s.handleWebhook)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Use(bearerAuth(s.httpCfg.AdminToken, false))
		r.Post("/", s.handleRegisterInstance)
		r.Get("/", s.handleListInstances)
		r.Get("/{id}", s.handleGetInstance)
		r.Delete("/{id}", s.handleDeregisterInstance)
		r.Post("/{id}/reregister", s.handleReregisterInstance)
	})
	return r
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.httpCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server", "timeout", timeout)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerAuth requires "Authorization: Bearer <token>". An empty token leaves
// the routes open when optional is set and disables them otherwise.
func bearerAuth(token string, optional bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				if optional {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusForbidden, "FORBIDDEN", "admin API is disabled")
				return
			}
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
