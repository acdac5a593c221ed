package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// RedisClient is the subset of redis.Cmdable the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DefaultCacheTTL bounds how long a cached estimate is served.
const DefaultCacheTTL = 10 * time.Minute

// Cached is a read-through Redis cache in front of another Store. Redis
// failures degrade to the backing store and are only logged.
type Cached struct {
	next   Store
	rdb    RedisClient
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewCached wraps next. A zero ttl uses DefaultCacheTTL.
func NewCached(next Store, rdb RedisClient, ttl time.Duration, log *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, prefix: "collision:estimate:", log: log}
}

func (c *Cached) key(id string) string { return c.prefix + id }

func (c *Cached) put(ctx context.Context, e domain.RepairEstimate) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(e.ID), data, c.ttl).Err(); err != nil {
		c.log.Warn("estimate cache write failed", "estimate_id", e.ID, "err", err)
	}
}

func (c *Cached) Create(ctx context.Context, e domain.RepairEstimate) (string, error) {
	id, err := c.next.Create(ctx, e)
	if err != nil {
		return "", err
	}
	c.put(ctx, e)
	return id, nil
}

func (c *Cached) Get(ctx context.Context, id string) (domain.RepairEstimate, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var e domain.RepairEstimate
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return e, nil
		}
		c.log.Warn("estimate cache entry corrupt", "estimate_id", id)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("estimate cache read failed", "estimate_id", id, "err", err)
	}

	e, err := c.next.Get(ctx, id)
	if err != nil {
		return e, err
	}
	c.put(ctx, e)
	return e, nil
}

// UpdateStatus updates the backing store and drops the cached copy.
func (c *Cached) UpdateStatus(ctx context.Context, id string, status domain.EstimateStatus) error {
	u, ok := c.next.(StatusUpdater)
	if !ok {
		return errors.New("store: backing store does not support status updates")
	}
	if err := u.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		c.log.Warn("estimate cache invalidate failed", "estimate_id", id, "err", err)
	}
	return nil
}

// List always reads from the backing store.
func (c *Cached) List(ctx context.Context, f Filter) ([]domain.RepairEstimate, error) {
	l, ok := c.next.(Lister)
	if !ok {
		return nil, errors.New("store: backing store does not support listing")
	}
	return l.List(ctx, f)
}
