package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hostscript/internal/automation"
	"hostscript/internal/events"
	"hostscript/internal/kvstore"
	"hostscript/internal/store"
	"hostscript/internal/trigger"
	"hostscript/internal/web"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, trigger adapters, MQTT bridge and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts, os.Stdout)
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}
}

// app holds the long-lived components built by buildApp.
type app struct {
	db       *store.BoltStore
	storage  *kvstore.Store
	bus      *events.Bus
	registry *automation.Registry
	engine   *automation.Engine
	messages *trigger.MessageDispatcher
	protocol *trigger.ProtocolDispatcher
}

// buildApp opens persistence and wires the engine. sender may be nil.
func buildApp(cfg *Config, sender automation.Sender, logger *slog.Logger) (*app, error) {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open rule store: %w", err)
	}

	rules, err := db.LoadRules()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}

	debounce, _ := cfg.debounce()
	kv := kvstore.Open(cfg.Storage.Path, kvstore.Options{Debounce: debounce, Logger: logger})

	bus := events.NewBus(logger)
	registry := automation.NewRegistry(logger, db)
	registry.Load(rules)
	registry.OnChange(func(rules []automation.AutomationRule) {
		bus.Emit(events.Event{Type: events.EventRulesChanged, Data: map[string]any{"count": len(rules)}})
	})
	if cfg.SeedDefaults && automation.SeedDefaults(registry) {
		logger.Info("seeded default rules", "count", registry.Len())
	}

	engine := automation.NewEngine(registry, kv, sender, bus, logger, cfg.engineConfig())
	a := &app{
		db:       db,
		storage:  kv,
		bus:      bus,
		registry: registry,
		engine:   engine,
		messages: trigger.NewMessageDispatcher(engine, cfg.switches(), logger),
		protocol: trigger.NewProtocolDispatcher(engine, nil, cfg.switches(), logger),
	}
	logger.Info("engine ready", "rules", registry.Len(), "storage_keys", kv.Size())
	return a, nil
}

// Close flushes storage and closes the rule store.
func (a *app) Close(logger *slog.Logger) {
	if err := a.storage.Close(); err != nil {
		logger.Error("flush storage", "err", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Error("close rule store", "err", err)
	}
}

func serve(cfg *Config, logger *slog.Logger) error {
	logger.Info("hostscript starting", "version", version)

	// The MQTT bridge doubles as the engine's sender, so it is created before
	// the engine and handed the dispatcher once that exists.
	bridge, sender := initMQTT(cfg, logger)

	a, err := buildApp(cfg, sender, logger)
	if err != nil {
		bridge.Stop()
		return err
	}
	defer a.Close(logger)

	bridge.Start(a.bus, a.messages)

	webOpts := []web.ServerOption{
		web.WithDispatchers(a.messages, a.protocol),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(a.engine, a.bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("http server", "err", err)
		runErr = fmt.Errorf("http server: %w", err)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	bridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return runErr
}
