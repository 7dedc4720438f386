// Package server wires together all control-plane subsystems and exposes the
// HTTP API. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
	"github.com/marcus-qen/adjutant/internal/controlplane/config"
	"github.com/marcus-qen/adjutant/internal/controlplane/events"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Deps carries the assembled subsystems the server exposes.
type Deps struct {
	Store    *schedules.Store
	Audits   *audit.Store
	Commands *schedules.CommandService
	Queries  *schedules.QueryService
	Adapter  timer.Adapter
	Bus      *events.Bus
	KeyStore *auth.KeyStore

	// MCP, when set, is mounted at /mcp for conversational agents.
	MCP http.Handler
}

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	store    *schedules.Store
	audits   *audit.Store
	commands *schedules.CommandService
	queries  *schedules.QueryService
	adapter  timer.Adapter
	eventBus *events.Bus
	keyStore *auth.KeyStore
	mcp      http.Handler

	httpServer *http.Server
}

// NewServer assembles the HTTP server around the given subsystems.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		store:    deps.Store,
		audits:   deps.Audits,
		commands: deps.Commands,
		queries:  deps.Queries,
		adapter:  deps.Adapter,
		eventBus: deps.Bus,
		keyStore: deps.KeyStore,
		mcp:      deps.MCP,
	}

	var handler http.Handler = s.routes()
	handler = maxBodySizeMiddleware(handler)
	if cfg.AuthEnabled && s.keyStore != nil {
		limiter := auth.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute)
		handler = auth.Middleware(s.keyStore, []string{"/healthz", "/version", "/metrics", "/mcp", "/mcp/*"})(
			auth.RateLimitMiddleware(limiter)(handler))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the assembled handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("auth_enabled", s.cfg.AuthEnabled),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
