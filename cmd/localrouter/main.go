// Command localrouter runs the gateway process: it loads a deployment
// YAML file, wires every component (provider registry, strategies,
// client manager, rate limiter, firewall, safety gate, MCP manager and
// gateway, access log), and serves the HTTP surface until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localrouter/localrouter/accesslog"
	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/internal/deploy"
	"github.com/localrouter/localrouter/internal/logging"
	_ "github.com/localrouter/localrouter/internal/metrics"
	"github.com/localrouter/localrouter/internal/requestlog"
	"github.com/localrouter/localrouter/internal/version"
	"github.com/localrouter/localrouter/mcpgateway"
	"github.com/localrouter/localrouter/mcpmanager"
	"github.com/localrouter/localrouter/models"
	"github.com/localrouter/localrouter/ratelimit"
	"github.com/localrouter/localrouter/router"
	"github.com/localrouter/localrouter/safety"
)

func main() {
	configPath := flag.String("config", "localrouter.yaml", "path to the deployment config file")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	logFormat := flag.String("log-format", "text", "log format: text|json")
	flag.Parse()

	logging.Setup(*logLevel, *logFormat)
	logger := logging.Logger
	logger.Info("starting localrouter", "version", version.Version, "config", *configPath)

	cfg, err := deploy.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *deploy.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := deploy.BuildRegistry(cfg.Providers)
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	strategyLookup, err := deploy.BuildStrategies(cfg.Strategies)
	if err != nil {
		return fmt.Errorf("building strategies: %w", err)
	}

	store := deploy.BuildCredStore(cfg.CredentialStore)
	clientMgr := clients.NewManager(store)

	rlStatePath := cfg.RateLimitState
	if rlStatePath == "" {
		rlStatePath = "localrouter-ratelimit-state.json"
	}
	rl := ratelimit.NewEngine(rlStatePath, logger)
	rl.LoadState(ctx)
	rl.StartPersistenceTask(ctx, 30*time.Second)

	rulesByClient, err := deploy.BootstrapClients(ctx, clientMgr, rl, cfg.Clients)
	if err != nil {
		return fmt.Errorf("bootstrapping clients: %w", err)
	}

	broker := firewall.NewBroker(
		func(clientID string) *firewall.Rules { return rulesByClient[clientID] },
		nil,
	)

	var safetyEngine safety.Engine = safety.NoopEngine{}
	gate := deploy.NewSafetyGate(safetyEngine, clientMgr)

	rtr := router.New(clientMgr, registry, strategyLookup, rl, logger)
	rtr.Safety = gate

	reqLog, err := buildRequestLog(cfg.RequestLog)
	if err != nil {
		return fmt.Errorf("building request log writer: %w", err)
	}
	rtr.RequestLog = reqLog

	mcpServerConfigs := make([]mcpmanager.ServerConfig, 0, len(cfg.MCPServers))
	serverInfos := make([]mcpgateway.ServerInfo, 0, len(cfg.MCPServers))
	for _, sc := range cfg.MCPServers {
		mcpServerConfigs = append(mcpServerConfigs, sc.ToServerConfig())
		serverInfos = append(serverInfos, mcpgateway.ServerInfo{ID: sc.ID, DisplayName: sc.DisplayName})
	}
	mgr := mcpmanager.NewStdioManager(mcpServerConfigs, logger)
	for _, sc := range cfg.MCPServers {
		if err := mgr.Start(ctx, sc.ID); err != nil {
			logger.Warn("mcp server failed to start", "server", sc.ID, "error", err)
		}
	}

	gateway := mcpgateway.New(mgr, broker, clientMgr, rtr, serverInfos, logger)

	catalog, err := models.Load()
	if err != nil {
		logger.Warn("model catalog load failed, cost accounting disabled", "error", err)
		catalog = models.Catalog{}
	}

	tracker, err := buildAccessLog(cfg.AccessLog)
	if err != nil {
		return fmt.Errorf("building access log tracker: %w", err)
	}
	if sql, ok := tracker.(*accesslog.SQLTracker); ok {
		if cfg.AccessLog.RetentionHours > 0 {
			sql.Retention = time.Duration(cfg.AccessLog.RetentionHours) * time.Hour
		}
		startPruneLoop(ctx, sql, logger)
	}

	startSessionSweep(ctx, gateway)

	srv := &Server{
		Router:     rtr,
		Gateway:    gateway,
		Manager:    mgr,
		Broker:     broker,
		Clients:    clientMgr,
		AccessLog:  tracker,
		Catalog:    catalog,
		ipThrottle: newIPThrottle(),
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	for _, sc := range cfg.MCPServers {
		_ = mgr.Stop(sc.ID)
	}
	return nil
}

// buildRequestLog wires the per-stage diagnostic request-trace writer
// (distinct from the Generation access log): a no-op writer by default, since
// most deployments only need the billing-grade access log.
func buildRequestLog(cfg deploy.RequestLogConfig) (requestlog.Writer, error) {
	switch cfg.Driver {
	case "sqlite":
		return requestlog.NewSQLiteWriter(cfg.DSN)
	case "postgres":
		return requestlog.NewPostgresWriter(cfg.DSN)
	default:
		return requestlog.NoopWriter{}, nil
	}
}

func buildAccessLog(cfg deploy.AccessLogConfig) (accesslog.Tracker, error) {
	switch cfg.Driver {
	case "sqlite":
		return accesslog.NewSQLiteTracker(cfg.DSN)
	case "postgres":
		return accesslog.NewPostgresTracker(cfg.DSN)
	default:
		return accesslog.NoopTracker{}, nil
	}
}

// startPruneLoop runs accesslog.SQLTracker.PruneNow hourly as a backstop;
// every write already prunes opportunistically against t.Retention.
func startPruneLoop(ctx context.Context, t *accesslog.SQLTracker, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.PruneNow(ctx); err != nil {
					logger.Warn("access log prune failed", "error", err)
				}
			}
		}
	}()
}

func startSessionSweep(ctx context.Context, gw *mcpgateway.Gateway) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.SweepIdleSessions()
			}
		}
	}()
}
