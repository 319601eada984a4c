// Package server is the reference HTTP implementation of the Rendezvous
// wire protocol: a chi router wiring the Postgres repository, the Redis
// pin store, and the push hub into the request/response shapes a Device
// core expects from internal/transport.RoundTripper.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/config"
	"github.com/rendezvous-labs/rendezvous/internal/observability"
	"github.com/rendezvous-labs/rendezvous/internal/push"
	"github.com/rendezvous-labs/rendezvous/internal/security"
	"github.com/rendezvous-labs/rendezvous/internal/store/postgres"
	rdstore "github.com/rendezvous-labs/rendezvous/internal/store/redis"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// Server is the top-level HTTP entry point for a Rendezvous deployment.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	repo       *postgres.Repository
	pins       *rdstore.PinStore
	hub        *push.Hub
	health     *observability.HealthChecker
	logger     zerolog.Logger
	cfg        config.ServerConfig
	bruteForce *security.BruteForceProtector
}

// New builds the router and wires every protocol endpoint. metrics may be nil
// (no Prometheus collection, as in tests); health may be nil.
func New(cfg config.ServerConfig, repo *postgres.Repository, pins *rdstore.PinStore, hub *push.Hub,
	health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *Server {

	s := &Server{
		repo:   repo,
		pins:   pins,
		hub:    hub,
		health: health,
		logger: logger.With().Str("component", "server").Logger(),
		cfg:    cfg,
		// Registration pins already enforce protocol.PinRetries attempts per
		// username in Redis; this adds a per-IP lockout on top so a flood of
		// register attempts against many different usernames still trips a
		// limit, with the same retry budget and an exponentially growing
		// cooldown instead of a flat window.
		bruteForce: security.NewBruteForceProtector(protocol.PinRetries, 5*time.Minute),
	}

	r := chi.NewRouter()

	if hub != nil {
		r.Get("/push", hub.Handler().ServeHTTP)
	}

	api := chi.NewRouter()
	api.Use(middleware.RequestID)
	api.Use(middleware.RealIP)
	api.Use(requestLogger(s.logger))
	api.Use(middleware.Recoverer)
	api.Use(middleware.Timeout(30 * time.Second))
	api.Use(securityHeaders())
	api.Use(maxBodySize(1 << 20))
	api.Use(metricsMiddleware(newMetricsRecorder(metrics)))

	api.Get("/health", s.handleHealth)
	api.Handle("/metrics", promhttp.Handler())

	api.Get("/ping", s.handlePing)

	regRPS := 10
	api.With(rateLimitByIP(regRPS)).Post("/user/allow", s.adminAuthMiddleware(s.handleUserAllow))
	api.With(rateLimitByIP(regRPS)).Post("/user/register", s.handleUserRegister)

	api.Get("/admin/renew", s.adminAuthMiddleware(s.handleAdminRenew))
	api.Get("/admin/reset", s.adminAuthMiddleware(s.handleAdminReset))

	api.Post("/device/prekeys", s.deviceAuthMiddleware(s.handleDevicePrekeys))
	api.Get("/user/prekeys", s.deviceAuthMiddleware(s.handleUserPrekeys))
	api.Post("/user/topickeys", s.deviceAuthMiddleware(s.handleUserTopicKeys))
	api.Get("/user/topickey", s.deviceAuthMiddleware(s.handleUserTopicKey))
	api.Post("/users/topickey", s.deviceAuthMiddleware(s.handleUsersTopicKey))
	api.Get("/user/info", s.deviceAuthMiddleware(s.handleUserInfo))

	api.Post("/topic/create", s.deviceAuthMiddleware(s.handleTopicCreate))
	api.Post("/topic/message", s.deviceAuthMiddleware(s.handleTopicMessage))
	api.Get("/device/messages", s.deviceAuthMiddleware(s.handleDeviceMessages))

	api.Get("/files/{topicID}/{fileID}", s.deviceAuthMiddleware(s.handleGetFile))
	api.Put("/files/{topicID}/{fileID}", s.deviceAuthMiddleware(s.handlePutFile))

	r.Mount("/", api)
	s.router = r
	return s
}

// Handler returns the root handler, for tests and for embedding behind a
// reverse proxy.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP connections. It blocks until Shutdown is
// called or the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info().Str("addr", addr).Bool("tls", s.cfg.TLSEnabled).Msg("starting HTTP server")

	if s.cfg.TLSEnabled && s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeEmpty(w, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeEmpty(w, http.StatusOK)
		return
	}
	h := s.health.Check(r.Context())
	status := http.StatusOK
	if h.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(h)
}

func randomToken(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
