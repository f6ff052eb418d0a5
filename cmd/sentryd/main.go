// Command sentryd boots the core: bus, config service, orchestrator, and
// the always-on processing stages (dedupe, rate-limit, chaos). External
// module shims (camera drivers, detectors, artifact builders, notifiers,
// storage backends, dashboards) are registered by deployment-specific
// wiring built on the shims package; this binary only assembles the parts
// that live entirely inside core scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/configsvc"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/feeders"
	"github.com/meshguard/sentryd/orchestrator"
	"github.com/meshguard/sentryd/stages/chaos"
	"github.com/meshguard/sentryd/stages/dedupe"
	"github.com/meshguard/sentryd/stages/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sentryd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		defaultsPath = flag.String("config", "config/config.yaml", "path to the base configuration document")
		envPath      = flag.String("config-env", "", "path to an optional per-environment override document")
		secretsPath  = flag.String("secrets", "config/secrets.toml", "path to the 0600 secrets document")
		historyDir   = flag.String("history-dir", "config", "directory snapshots.json is persisted under")
		devLogging   = flag.Bool("dev", false, "use a development (console, debug-level) logger instead of production JSON")
	)
	flag.Parse()

	logger, err := newLogger(*devLogging)
	if err != nil {
		return fmt.Errorf("sentryd: build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := configsvc.New(configsvc.Paths{
		Defaults:        *defaultsPath,
		EnvironmentFile: *envPath,
		SecretsFile:     *secretsPath,
		HistoryDir:      *historyDir,
	}, configsvc.WithLogger(logger))

	snap, err := svc.Load(ctx)
	if err != nil {
		return fmt.Errorf("sentryd: load configuration: %w", err)
	}
	logger.Info("sentryd: configuration loaded", zap.Int("version", snap.Version), zap.String("fingerprint", snap.Fingerprint))

	b := bus.New(
		bus.WithLogger(logger),
		bus.WithHandlerDeadline(bus.DefaultHandlerDeadline),
		bus.WithTelemetryInterval(bus.DefaultTelemetryInterval),
	)
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("sentryd: start bus: %w", err)
	}
	defer b.Stop(context.Background())

	svc.AttachBus(b)

	orch := orchestrator.New(b, orchestrator.WithLogger(logger))
	orch.RegisterObserver(orchestrator.NewCloudEventsLogger(logger, "sentryd/core"))

	orch.RegisterFactory("dedupe", func(id string) contracts.Module { return dedupe.New(id, logger) })
	orch.RegisterFactory("ratelimit", func(id string) contracts.Module { return ratelimit.New(id, ratelimit.CameraKeyFunc, logger) })
	orch.RegisterFactory("chaos", func(id string) contracts.Module { return chaos.New(id, logger) })
	if err := orch.Boot(snap.Tree); err != nil {
		return fmt.Errorf("sentryd: boot modules: %w", err)
	}

	if err := orch.Configure(ctx, snap.Tree); err != nil {
		return fmt.Errorf("sentryd: configure modules: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("sentryd: start modules: %w", err)
	}
	logger.Info("sentryd: all modules running")

	if _, err := b.Subscribe(contracts.TopicConfigUpdate, configUpdateHandler(svc, orch, logger), contracts.WithCapacity(32)); err != nil {
		return fmt.Errorf("sentryd: subscribe config.update: %w", err)
	}
	if _, err := b.Subscribe(contracts.TopicConfigSnapshot, configChangeObserverHandler(svc, orch), contracts.WithCapacity(8)); err != nil {
		return fmt.Errorf("sentryd: subscribe config.snapshot: %w", err)
	}

	var stopMetrics func(context.Context) error
	if addr, ok := feeders.GetPath(snap.Tree, "system.metrics_addr"); ok {
		if addrStr, ok := addr.(string); ok && addrStr != "" {
			collector, err := bus.NewPrometheusCollector(b, "")
			if err != nil {
				return fmt.Errorf("sentryd: build metrics collector: %w", err)
			}
			registry := prometheus.NewRegistry()
			registry.MustRegister(collector)
			stopMetrics = serveMetrics(addrStr, registry, logger)
		}
	}

	var watcher *configsvc.Watcher
	if hot, ok := feeders.GetPath(snap.Tree, "system.hot_reload"); ok {
		if enabled, _ := hot.(bool); enabled {
			watcher, err = configsvc.NewWatcher(svc, logger)
			if err != nil {
				return fmt.Errorf("sentryd: build config watcher: %w", err)
			}
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("sentryd: config watcher exited", zap.Error(err))
				}
			}()
		}
	}

	var drill *orchestrator.RollbackDrill
	if cronSpec, ok := feeders.GetPath(snap.Tree, "system.rollback_drill_cron"); ok {
		if spec, _ := cronSpec.(string); spec != "" {
			drill = orchestrator.NewRollbackDrill(svc, b, logger)
			if err := drill.Start(spec); err != nil {
				return fmt.Errorf("sentryd: start rollback drill: %w", err)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("sentryd: received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if drill != nil {
		drill.Stop()
	}
	if stopMetrics != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = stopMetrics(sctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("sentryd: shutdown: %w", err)
	}
	logger.Info("sentryd: clean shutdown")
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// configUpdateHandler drives the inbound half of configuration changes:
// every accepted config.update envelope (a []contracts.ConfigUpdate, e.g.
// submitted by a dashboard gateway) runs through ApplyChanges, and on
// acceptance the orchestrator reconfigures every module whose fragment
// changed. A rejected update is logged, not retried: the publisher already
// receives the rejection on status.contract.
func configUpdateHandler(svc *configsvc.Service, orch *orchestrator.Orchestrator, logger *zap.Logger) contracts.Handler {
	return func(ctx context.Context, env contracts.Envelope) error {
		updates, ok := env.Payload.([]contracts.ConfigUpdate)
		if !ok {
			return fmt.Errorf("sentryd: config.update payload is not []contracts.ConfigUpdate")
		}
		snap, diags, err := svc.ApplyChanges(ctx, updates)
		if err != nil {
			logger.Warn("sentryd: config update rejected", zap.Strings("diagnostics", diags), zap.Error(err))
			return err
		}
		if err := orch.Reconfigure(ctx, snap.Tree); err != nil {
			logger.Warn("sentryd: reconfigure after config update failed", zap.Error(err))
			return err
		}
		return nil
	}
}

// configChangeObserverHandler drives orch's Observer.OnConfigChange callback
// from the bus rather than from any one committing call site: ApplyChanges,
// Rollback, and a file-triggered hot reload all broadcast on config.snapshot
// on acceptance, so subscribing here covers every source uniformly. svc is
// consulted for the committed fingerprint, since ConfigSnapshotPayload
// itself only carries the version and tree, not the fingerprint.
func configChangeObserverHandler(svc *configsvc.Service, orch *orchestrator.Orchestrator) contracts.Handler {
	return func(ctx context.Context, env contracts.Envelope) error {
		payload, ok := env.Payload.(contracts.ConfigSnapshotPayload)
		if !ok {
			return nil
		}
		orch.NotifyConfigChange(ctx, payload.Version, svc.Current().Fingerprint)
		return nil
	}
}

// serveMetrics binds addr and serves /metrics from registry until the
// returned stop function is called.
func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("sentryd: serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("sentryd: metrics server exited", zap.Error(err))
		}
	}()
	return srv.Shutdown
}
