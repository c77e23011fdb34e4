// Package server wires the Loki fault-injecting identity provider: a chi
// router that reverse-proxies the full OIDC endpoint surface to the upstream
// provider, with the mischief interceptor in front and the admin REST
// surface mounted under /loki.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lokisec/loki/pkg/engine"
	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/intercept"
	"github.com/lokisec/loki/pkg/ledger"
	"github.com/lokisec/loki/pkg/ledger/sqlite"
	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/mischief/plugins"
	"github.com/lokisec/loki/pkg/session"
)

// Config configures a Loki server.
type Config struct {
	// UpstreamURL is the base URL of the OIDC provider being fronted.
	UpstreamURL string
	// JWKSURL is the upstream's JWKS endpoint, used for key-confusion
	// attacks. Defaults to UpstreamURL + "/.well-known/jwks.json".
	JWKSURL string
	// DBPath is the SQLite ledger path. ":memory:" keeps it ephemeral.
	DBPath string
	// DisabledPlugins names catalogue plugins that must not register.
	DisabledPlugins []string
}

// Option overrides parts of the default wiring.
type Option func(*Server)

// WithUpstreamHandler replaces the reverse proxy with an in-process
// provider handler. Used by tests and embedded deployments.
func WithUpstreamHandler(h http.Handler) Option {
	return func(s *Server) { s.upstream = h }
}

// WithMetricsRegisterer routes engine counters to reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.metricsReg = reg }
}

// Server is the assembled Loki instance.
type Server struct {
	registry *mischief.Registry
	sessions *session.Manager
	engine   *engine.Engine
	store    ledger.Store
	upstream http.Handler
	router   chi.Router

	metricsReg prometheus.Registerer
}

// New assembles a server from the configuration, restoring persisted
// sessions from the ledger store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	registry, err := plugins.NewRegistry(cfg.DisabledPlugins...)
	if err != nil {
		return nil, fmt.Errorf("building plugin registry: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "loki-ledger.db"
	}
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}

	s := &Server{
		registry: registry,
		sessions: session.NewManager(),
		store:    store,
	}
	for _, opt := range opts {
		opt(s)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.UpstreamURL != "" {
		jwksURL = strings.TrimRight(cfg.UpstreamURL, "/") + "/.well-known/jwks.json"
	}

	engineOpts := []engine.Option{
		engine.WithSink(store),
		engine.WithKeySource(forge.NewKeyFetcher(nil), jwksURL),
	}
	if s.metricsReg != nil {
		engineOpts = append(engineOpts, engine.WithMetricsRegisterer(s.metricsReg))
	}
	s.engine = engine.New(registry, engineOpts...)

	if s.upstream == nil {
		if cfg.UpstreamURL == "" {
			_ = store.Close()
			return nil, fmt.Errorf("upstream URL is required")
		}
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("parsing upstream URL: %w", err)
		}
		s.upstream = httputil.NewSingleHostReverseProxy(target)
	}

	if err := s.restoreSessions(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	interceptor := intercept.New(s.engine, s.sessions)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/loki", s.adminRoutes)
	r.Handle("/*", interceptor.Middleware(s.upstream))
	s.router = r

	return s, nil
}

// restoreSessions rehydrates the session map from the durable store so
// admin listings and session lookups survive restarts.
func (s *Server) restoreSessions(ctx context.Context) error {
	records, err := s.store.LoadAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	for _, rec := range records {
		s.sessions.Put(session.FromRecord(rec))
	}
	if len(records) > 0 {
		logger.Infow("restored sessions from ledger store", "count", len(records))
	}
	return nil
}

// Handler returns the assembled HTTP handler: the admin surface under
// /loki and the intercepted provider proxy for everything else.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions exposes the session manager for embedding hosts.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Store exposes the ledger store for embedding hosts.
func (s *Server) Store() ledger.Store {
	return s.store
}

// Close releases the ledger store.
func (s *Server) Close() error {
	return s.store.Close()
}
