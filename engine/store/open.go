package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-collision/engine/config"
	"github.com/WessleyAI/wessley-collision/pkg/repo"
)

// Open builds the configured backend, fronted by the Redis cache when
// cfg.Redis.Addr is set. driver is only used by the neo4j backend. The
// returned func releases the connections Open created.
func Open(ctx context.Context, cfg *config.Config, driver neo4j.DriverWithContext, log *slog.Logger) (Store, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		st      Store
		closers []func()
	)
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Backend {
	case "memory":
		st = NewMemory()
	case "sqlite", "postgres":
		s, err := OpenSQL(cfg.Store.Backend, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %s: %w", cfg.Store.Backend, err)
		}
		closers = append(closers, func() { s.Close() })
		st = s
	case "neo4j":
		if driver == nil {
			return nil, nil, fmt.Errorf("store: neo4j backend needs a driver")
		}
		s := NewNeo4j(repo.DriverSessions(driver, cfg.Store.Neo4j.Database))
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("store: neo4j schema: %w", err)
		}
		st = s
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Store.Backend)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			release()
			return nil, nil, fmt.Errorf("store: redis ping: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		st = NewCached(st, rdb, cfg.Redis.CacheTTL, log)
		log.Info("store: estimate cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}
	log.Info("store: opened", "backend", cfg.Store.Backend)
	return st, release, nil
}
