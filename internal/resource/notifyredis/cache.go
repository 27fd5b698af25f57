// Package notifyredis wires Redis in as an optional second transport
// alongside the topic engine's in-process wake-up queue: a TTL cache in
// front of a storage.Store's listRunIds so a misconfigured tight
// pollIntervalMs doesn't re-hit the filesystem or object store backend on
// every tick. The topic engine's own wake-up fan-out stays in-process per
// spec; this cache only shortcuts the run-discovery poll path.
package notifyredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/storage"
)

// CachingStore decorates a storage.Store, caching ListRunIds results in
// Redis for ttl. WriteMessage/ReadMessage pass straight through; only run
// discovery benefits from caching since it is the one call a tight poll
// loop repeats on an otherwise-unchanged backend.
type CachingStore struct {
	storage.Store
	client *redis.Client
	ttl    time.Duration
	mon    *resource.Monitor
}

// New wraps underlying with a Redis-backed cache for ListRunIds.
func New(underlying storage.Store, client *redis.Client, ttl time.Duration) *CachingStore {
	return &CachingStore{
		Store:  underlying,
		client: client,
		ttl:    ttl,
		mon:    resource.NewMonitor("storage-listrunids-cache"),
	}
}

func (c *CachingStore) cacheKey(afterUnixMs int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline:list_run_ids:%d", afterUnixMs)
	return b.String()
}

// ListRunIds serves from Redis when a fresh cached value exists; any Redis
// error (including a cache miss) falls back to the underlying store and
// repopulates the cache, so Redis availability is never load-bearing for
// correctness.
func (c *CachingStore) ListRunIds(afterUnixMs int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	key := c.cacheKey(afterUnixMs)
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var ids []string
		if json.Unmarshal([]byte(raw), &ids) == nil {
			c.mon.Incr("cache_hits", 1)
			return ids, nil
		}
	}

	ids, err := c.Store.ListRunIds(afterUnixMs)
	if err != nil {
		return nil, err
	}
	c.mon.Incr("cache_misses", 1)

	if data, merr := json.Marshal(ids); merr == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.mon.RecordError("CACHE_WRITE_FAILED", err.Error(), map[string]any{"key": key})
			log := obslog.For("notifyredis")
			log.Warn().Err(err).Msg("failed to populate list_run_ids cache")
		}
	}
	return ids, nil
}

func (c *CachingStore) Name() string { return c.mon.Name() }

func (c *CachingStore) UsageState(usageType string) resource.UsageState {
	return c.mon.UsageState(usageType)
}

func (c *CachingStore) Metrics() map[string]float64 { return c.mon.Metrics() }

func (c *CachingStore) Errors() []resource.ErrorRecord { return c.mon.Errors() }

func (c *CachingStore) IsHealthy() bool { return c.mon.IsHealthy() }
