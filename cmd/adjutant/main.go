// Adjutant control plane: schedule storage, the timing engine, and the
// dispatch pipeline behind the personal assistant.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
	"github.com/marcus-qen/adjutant/internal/controlplane/capability"
	"github.com/marcus-qen/adjutant/internal/controlplane/config"
	"github.com/marcus-qen/adjutant/internal/controlplane/dispatch"
	"github.com/marcus-qen/adjutant/internal/controlplane/events"
	"github.com/marcus-qen/adjutant/internal/controlplane/invoker"
	"github.com/marcus-qen/adjutant/internal/controlplane/mcpserver"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/predicate"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/server"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
	"github.com/marcus-qen/adjutant/internal/notify"
	"github.com/marcus-qen/adjutant/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("adjutant %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server.Version, server.Commit, server.Date = version, commit, date
	mcpserver.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.Fatal("open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened",
		zap.String("driver", cfg.Database.Driver),
		zap.String("dsn", cfg.DatabaseDSN()),
	)

	store, err := schedules.NewStore(db, logger)
	if err != nil {
		logger.Fatal("init schedule store", zap.Error(err))
	}
	audits, err := audit.NewStore(db, logger)
	if err != nil {
		logger.Fatal("init audit store", zap.Error(err))
	}

	bus := events.NewBus(256)

	gateOpts := []capability.Option{
		capability.WithDenyCallback(func(ev capability.DenyEvent) error {
			metrics.RecordCapabilityDenial(ev.CapabilityID)
			return nil
		}),
	}
	if len(cfg.CapabilityAllowlist) > 0 {
		gateOpts = append(gateOpts, capability.WithAllowlist(cfg.CapabilityAllowlist))
	}
	gate := capability.NewGate(logger, gateOpts...)

	resolver := invoker.NewMCPResolver(cfg.Agent.MCPEndpoint, logger)
	defer resolver.Close()
	predicates := predicate.NewService(gate, resolver, audits, logger)

	agent := invoker.NewMCPInvoker(cfg.Agent.MCPEndpoint, logger,
		invoker.WithToolName(cfg.Agent.ToolName),
		invoker.WithCallTimeout(time.Duration(cfg.Agent.CallTimeoutSeconds)*time.Second),
	)
	defer agent.Close()
	if cfg.Agent.MCPEndpoint == "" {
		logger.Warn("agent runtime endpoint not configured, task invocations will fail")
	}

	policy := dispatch.RetryPolicy{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BackoffStrategy:    cfg.Retry.BackoffStrategy,
		BackoffBaseSeconds: cfg.Retry.BackoffBaseSeconds,
		BackoffMaxSeconds:  cfg.Retry.BackoffMaxSeconds,
	}

	var dispatchOpts []dispatch.Option
	if router := buildNotifyRouter(cfg.Notify, zapr.NewLogger(logger.Named("notify"))); router != nil {
		notifier := notify.NewFailureNotificationService(store, router, zapr.NewLogger(logger.Named("notify")))
		dispatchOpts = append(dispatchOpts, dispatch.WithNotifier(notifier))
	}

	dispatcher := dispatch.NewDispatcher(store, audits, predicates, agent, policy, logger, dispatchOpts...)

	engine, err := timer.NewLocalEngine(db, dispatcher, logger,
		timer.WithTickInterval(time.Duration(cfg.Timer.TickIntervalSeconds)*time.Second),
	)
	if err != nil {
		logger.Fatal("init timer engine", zap.Error(err))
	}
	engine.Start(ctx)
	defer engine.Stop()

	commands := schedules.NewCommandService(store, audits, engine, logger,
		schedules.WithLifecycleObserver(schedules.LifecycleObserverFunc(func(ev schedules.LifecycleEvent) {
			bus.Publish(events.FromLifecycle(ev))
		})),
	)
	queries := schedules.NewQueryService(store, audits, logger)

	var keyStore *auth.KeyStore
	if cfg.AuthEnabled {
		keyStore, err = auth.NewKeyStore(cfg.AuthDBPath())
		if err != nil {
			logger.Fatal("open key store", zap.String("path", cfg.AuthDBPath()), zap.Error(err))
		}
		defer keyStore.Close()
	}

	mcpSrv := mcpserver.New(commands, queries, bus, logger)

	srv := server.NewServer(cfg, server.Deps{
		Store:    store,
		Audits:   audits,
		Commands: commands,
		Queries:  queries,
		Adapter:  engine,
		Bus:      bus,
		KeyStore: keyStore,
		MCP:      mcpSrv.Handler(),
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// buildNotifyRouter assembles notification channels from config. Webhooks
// carry everything, Slack starts at warning, email is critical only.
// Returns nil when no channel is configured.
func buildNotifyRouter(cfg config.NotifyConfig, log logr.Logger) *notify.Router {
	var routes notify.SeverityRoute
	if cfg.Webhook.URL != "" {
		routes.Info = append(routes.Info, notify.NewWebhookChannel(cfg.Webhook.URL, cfg.Webhook.Headers))
	}
	if cfg.Slack.WebhookURL != "" {
		routes.Warning = append(routes.Warning, notify.NewSlackChannel(cfg.Slack.WebhookURL, cfg.Slack.Channel))
	}
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		routes.Critical = append(routes.Critical, notify.NewEmailChannel(
			cfg.Email.Host, cfg.Email.Port, cfg.Email.From, cfg.Email.To,
			cfg.Email.Username, cfg.Email.Password,
		))
	}
	if len(routes.Info)+len(routes.Warning)+len(routes.Critical) == 0 {
		return nil
	}
	maxPerHour := cfg.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	return notify.NewRouter(routes, notify.NewRateLimiter(maxPerHour), log)
}
