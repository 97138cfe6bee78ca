package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/energy-ledger/api"
	"github.com/warp/energy-ledger/config"
	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/ledger/store"
	"github.com/warp/energy-ledger/rewards"
	"github.com/warp/energy-ledger/store/postgres"
	"github.com/warp/energy-ledger/store/sqlite"
)

// app is the wiring shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *energy.Catalog
	streak  *rewards.StreakBonus

	store      ledger.Store
	pinger     api.Pinger
	closeStore func() error
}

func newApp(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(logOut)

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	streak, err := rewards.NewStreakBonus(cfg.StreakConfig())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, catalog: catalog, streak: streak}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.store = store.NewMemory()
		a.closeStore = func() error { return nil }
		a.logger.Warn("using in-memory store, data is lost on exit")

	case config.DriverSQLite:
		dsn := a.cfg.Store.DSN
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		st, err := sqlite.New(dsn)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.pinger, a.closeStore = st, st, st.Close

	case config.DriverPostgres:
		st, err := postgres.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if a.cfg.Store.AutoMigrate {
			if err := postgres.Migrate(st.DB()); err != nil {
				st.Close()
				return err
			}
		}
		a.store, a.pinger, a.closeStore = st, st, st.Close
	}

	a.logger.Info("store opened", "driver", a.cfg.Store.Driver)
	return nil
}

func (a *app) service(opts ...ledger.Option) *ledger.Service {
	base := []ledger.Option{
		ledger.WithConfig(a.cfg.LedgerConfig()),
		ledger.WithLogger(a.logger),
	}
	return ledger.NewService(a.store, a.catalog, a.streak, append(base, opts...)...)
}

func (a *app) Close() error {
	return a.closeStore()
}
