/*
main.go - Application entry point

COMMANDS:
  serve                               Run the HTTP API (default)
  balance USER                        Print a wallet's balance
  history USER [--limit N]            Print recent transactions
  credit USER AMOUNT [--type --reference --source --action]
                                      Grant energy from the command line
  verify [USER]                       Replay one wallet, or every wallet
  migrate                             Apply PostgreSQL migrations

Every command accepts --config PATH (TOML). See package config for keys
and environment overrides.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the audit scheduler
  4. Drain hook workers
  5. Close the store

EXAMPLES:
  ./server serve --config energy.toml
  ENERGY_STORE_DRIVER=memory ./server
  ./server credit u-42 100 --reference order-9 --source billing
  ./server history u-42 --limit 20
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/warp/energy-ledger/api"
	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/metrics"
	"github.com/warp/energy-ledger/notify"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "server",
		Short: "Energy ledger service",
		Long: `Energy ledger: per-user energy wallets, an append-only transaction log
and streak bonuses, served over HTTP.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to TOML config file")

	serve := newServeCmd(&cfgPath)
	root.RunE = serve.RunE
	root.AddCommand(
		serve,
		newBalanceCmd(&cfgPath),
		newHistoryCmd(&cfgPath),
		newCreditCmd(&cfgPath),
		newVerifyCmd(&cfgPath),
		newMigrateCmd(&cfgPath),
	)
	return root
}

// ─── serve ──────────────────────────────────────────────────────────────────

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfgPath)
		},
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	a, err := newApp(ctx, cfgPath, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	// Hooks
	m := metrics.New()
	hooks := []ledger.Hook{m}
	var rdb *redis.Client
	if cfg.Hooks.RedisAddr != "" {
		rdb, err = notify.Dial(ctx, cfg.Hooks.RedisAddr, cfg.Hooks.RedisPassword, cfg.Hooks.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		hooks = append(hooks, notify.NewPublisher(rdb, cfg.Hooks.RedisKey, cfg.Hooks.RedisMaxLen))
		logger.Info("publishing ledger events to redis", "addr", cfg.Hooks.RedisAddr, "key", cfg.Hooks.RedisKey)
	}
	dispatcher := ledger.NewDispatcher(logger, cfg.DispatcherConfig(), hooks...)
	dispatcher.Start()
	defer dispatcher.Stop()

	svc := a.service(ledger.WithNotifier(dispatcher))

	// Audit
	scheduler := api.NewAuditScheduler(svc, logger)
	scheduler.Metrics = m
	scheduler.Enabled = cfg.Audit.Enabled
	scheduler.CheckInterval = cfg.Audit.Interval.Duration
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	handler := api.NewHandler(svc, a.catalog, logger)
	handler.Metrics = m
	handler.Audit = scheduler
	handler.Scenarios = api.NewScenarios(a.store, a.catalog, a.streak, cfg.LedgerConfig(), logger)
	if a.pinger != nil {
		handler.Health = a.pinger
	}
	router := api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.Server.CORSOrigins})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "actions", a.catalog.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped", "hook_events_dropped", dispatcher.Dropped(), "hook_failures", dispatcher.Failed())
	return nil
}
