package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"

	"github.com/atmx/prediction-ledger/internal/config"
	"github.com/atmx/prediction-ledger/internal/store"
)

// openStore builds the configured backend, optionally wrapped with the Redis
// cache. The returned cleanup closes every connection that was opened.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := store.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		ps := store.NewPostgresStore(pool)
		if migrate {
			if err := ps.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		st = ps
		slog.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		ss, err := store.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %q: %w", cfg.Storage.SQLitePath, err)
		}
		cleanup = append(cleanup, func() { ss.Close() })
		st = ss
		slog.Info("opened SQLite", "path", cfg.Storage.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}

	return st, closeAll, nil
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch cfg.Storage.Driver {
	case config.DriverPostgres, config.DriverSQLite:
	default:
		return fmt.Errorf("migrate: storage driver %q has no schema", cfg.Storage.Driver)
	}

	// Redis plays no part in the schema.
	cfg.Redis.URL = ""
	_, cleanup, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.Info("migrations applied", "driver", cfg.Storage.Driver)
	return nil
}
