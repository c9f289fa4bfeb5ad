// Package cache memoizes search results. Results live in redis when it is
// configured and in a process-local LRU otherwise; either way every
// successful index write drops all of them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

const keyPrefix = "search:"

// Result is one cached page of search hits.
type Result struct {
	Query string                   `json:"query"`
	Total uint64                   `json:"total"`
	Hits  []storage.StoredDocument `json:"hits"`
}

// Backend stores encoded results. *redis.Client implements it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger

	// generation moves on every invalidation so a computation that started
	// before it never stores its result afterwards.
	generation atomic.Uint64
	hits       atomic.Int64
	misses     atomic.Int64
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) Get(ctx context.Context, query string, limit int) (*Result, bool) {
	key := buildKey(query, limit)
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Error("cache get failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	if !ok {
		c.miss()
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hit()
	c.logger.Debug("cache hit", "query", query, "key", key)
	return &result, true
}

func (c *QueryCache) Set(ctx context.Context, query string, limit int, result *Result) {
	key := buildKey(query, limit)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for query and limit, or runs
// compute once for all concurrent callers and caches what it returns. The
// boolean reports a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, query string, limit int, compute func() (*Result, error)) (*Result, bool, error) {
	if result, ok := c.Get(ctx, query, limit); ok {
		return result, true, nil
	}
	gen := c.generation.Load()
	flight := fmt.Sprintf("%d/%s", gen, buildKey(query, limit))
	val, err, _ := c.group.Do(flight, func() (any, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		if c.generation.Load() == gen {
			c.Set(ctx, query, limit, result)
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*Result), false, nil
}

// Invalidate drops every cached result.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	c.generation.Add(1)
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "keys_deleted", deleted)
	return nil
}

// ObserveOutcome invalidates the cache after each successful index write.
func (c *QueryCache) ObserveOutcome(ctx context.Context, o indexer.Outcome) {
	if !o.Succeeded() {
		return
	}
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("cache invalidation after write failed", "item", o.Item.LogText(), "error", err)
	}
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// buildKey folds runs of whitespace so that trivially different spellings
// of the same query share an entry. Case is kept: keyword fields such as
// the country code match case-sensitively.
func buildKey(query string, limit int) string {
	normalized := strings.Join(strings.Fields(query), " ")
	raw := fmt.Sprintf("%s:limit=%d", normalized, limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
