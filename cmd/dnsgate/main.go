// Command dnsgate runs the DNS proxy: UDP/TCP listeners, the DoH and
// admin HTTP surface, and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnsgate/pkg/api"
	"dnsgate/pkg/config"
	"dnsgate/pkg/engine"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/telemetry"
)

var version = "dev"

// Exit codes.
const (
	exitOK            = 0
	exitBindFailure   = 1
	exitStorageFailed = 2
	exitConfigInvalid = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		port        = flag.Int("port", 0, "override the DNS listener port")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("dnsgate", version)
		return exitOK
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging setup error:", err)
		return exitConfigInvalid
	}
	logging.SetGlobal(logger)
	logger.Info("dnsgate starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return exitConfigInvalid
	}
	metrics, err := tel.InitMetrics()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return exitConfigInvalid
	}

	bus := events.NewBus(logger)

	manager, err := engine.NewManager(cfg, bus, metrics, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		if errors.Is(err, engine.ErrStorageInit) {
			return exitStorageFailed
		}
		return exitConfigInvalid
	}

	apiServer := api.New(&api.Config{
		Addr:    cfg.Server.HTTPAddress,
		Manager: manager,
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger,
		Version: version,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger.Logger)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(updated *config.Config) {
				if err := manager.UpdateResolverConfig(updated.Resolver); err != nil {
					logger.Warn("applying reloaded config", "error", err)
				}
			})
			go func() {
				if err := watcher.Start(ctx); err != nil {
					logger.Warn("config watcher stopped", "error", err)
				}
			}()
			defer watcher.Close()
		}
	}

	if err := manager.Start(*port, nil); err != nil {
		logger.Error("server start failed", "error", err)
		shutdown(manager, apiServer, tel, bus, logger)
		if errors.Is(err, engine.ErrBindFailure) {
			return exitBindFailure
		}
		return exitConfigInvalid
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdown(manager, apiServer, tel, bus, logger)
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadWithDefaults(), nil
	}
	return config.Load(path)
}

func shutdown(manager *engine.Manager, apiServer *api.Server, tel *telemetry.Telemetry, bus *events.Bus, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Close(); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	bus.Close()
}
