// Command mysqlbackend-demo wires the engine against the servers named in a
// YAML config file and serves the admin API over them: config → metrics →
// engine (backend servers + pools) → admin API → signal-driven shutdown,
// mirroring the teacher's cmd/dbbouncer wiring order (spec.md §2 component
// 6d [EXPANSION]). It stands in for spec.md's "single smoke test... not
// part of the core".
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymux/mysqlbackend/internal/api"
	"github.com/relaymux/mysqlbackend/internal/config"
	"github.com/relaymux/mysqlbackend/internal/engine"
	"github.com/relaymux/mysqlbackend/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/mysqlbackend.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("mysqlbackend starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "servers", len(cfg.Servers))

	m := metrics.New()
	eng := engine.New(cfg, m, nil)

	apiServer := api.NewServer(eng, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		slog.Error("starting admin API", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		// A running engine's pools are sized per server at construction;
		// picking up added/removed servers from a reload is left to a
		// future engine.Reload, matching spec.md's scope (router/filter
		// decision logic, of which server topology is a part, is named a
		// Non-goal).
		_ = newCfg
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("mysqlbackend ready", "api_port", cfg.Listen.APIPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	eng.Close()

	slog.Info("mysqlbackend stopped")
}
